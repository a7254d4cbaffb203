package state

// scoreAlpha is the EMA smoothing factor applied to a node's participation
// score on each accepted heartbeat. Score moves a fixed fraction of the
// remaining distance to 1.0 every heartbeat: monotonically increasing,
// capped at 1.0, and unaffected by a heartbeat being replayed (the
// per-node chain link already prevents the same heartbeat from applying
// twice).
const scoreAlpha = 1.0 / 16.0

// nextScore advances old toward 1.0 by one heartbeat's worth of EMA.
func nextScore(old float64) float64 {
	next := old + (1-old)*scoreAlpha
	if next > 1 {
		next = 1
	}
	if next < old {
		// Guard against float rounding ever producing a regression.
		return old
	}
	return next
}
