package p2p

import "time"

// Ban score thresholds and decay rate, ported unchanged from the
// teacher's node/p2p/banscore.go: this is a local policy primitive, not a
// consensus rule, so its constants carry over directly.
const (
	BanThreshold      = 100
	ThrottleThreshold = 50
	ThrottleDelay     = 500 * time.Millisecond

	BanScoreDecaysPerMinute = 1
)

// BanScore tracks one peer's accumulated misbehavior, decaying over time
// so a peer that stops misbehaving eventually recovers.
type BanScore struct {
	score       int
	lastUpdated time.Time
}

// Score returns the current score after applying decay up to now.
func (b *BanScore) Score(now time.Time) int {
	b.decayTo(now)
	return b.score
}

// Add applies delta (positive for a penalty) after decaying to now.
func (b *BanScore) Add(now time.Time, delta int) int {
	b.decayTo(now)
	b.score += delta
	if b.score < 0 {
		b.score = 0
	}
	return b.score
}

// ShouldBan reports whether the peer has crossed BanThreshold.
func (b *BanScore) ShouldBan(now time.Time) bool {
	return b.Score(now) >= BanThreshold
}

// ShouldThrottle reports whether the peer has crossed ThrottleThreshold.
func (b *BanScore) ShouldThrottle(now time.Time) bool {
	return b.Score(now) >= ThrottleThreshold
}

func (b *BanScore) decayTo(now time.Time) {
	if b.lastUpdated.IsZero() {
		b.lastUpdated = now
		return
	}
	if now.Before(b.lastUpdated) {
		b.lastUpdated = now
		return
	}
	minutes := int(now.Sub(b.lastUpdated) / time.Minute)
	if minutes <= 0 {
		return
	}
	b.score -= minutes * BanScoreDecaysPerMinute
	if b.score < 0 {
		b.score = 0
	}
	b.lastUpdated = now
}
