// Package eligibility implements the pure block-production eligibility
// filter: Eligible(vrfOutput, score, baseProbability) -> bool.
package eligibility

import "encoding/binary"

// scaleDenominator is 2^64, the fixed point the first 8 bytes of a VRF
// output are compared against.
const scaleDenominator = float64(1 << 64)

// Eligible reports whether a node with the given participation score is
// eligible to produce a block, given the current VRF output.
//
// The first 8 bytes of vrfOutput are interpreted as a big-endian unsigned
// integer r. The node is eligible iff r < floor(2^64 * p), where
// p = min(1, score * baseProbability). This mirrors the teacher's PowCheck
// idiom (consensus/pow.go: compare a big-endian integer against a
// threshold) generalized from "block hash below a difficulty target" to
// "VRF prefix below a score-scaled probability threshold."
func Eligible(vrfOutput []byte, score float64, baseProbability float64) bool {
	if len(vrfOutput) < 8 {
		return false
	}
	r := binary.BigEndian.Uint64(vrfOutput[:8])

	p := score * baseProbability
	if p > 1 {
		p = 1
	}
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}

	scaled := scaleDenominator * p
	if scaled >= scaleDenominator {
		// Floating-point rounding pushed p's scaled value up to the edge;
		// treat it as the maximum representable threshold rather than
		// overflow the uint64 conversion.
		return true
	}
	threshold := uint64(scaled)
	return r < threshold
}
