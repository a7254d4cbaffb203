package eligibility

import (
	"encoding/binary"
	"testing"
)

func vrfOutputFor(r uint64) []byte {
	out := make([]byte, 32)
	binary.BigEndian.PutUint64(out[:8], r)
	return out
}

func TestEligibleZeroScoreNeverEligible(t *testing.T) {
	out := vrfOutputFor(0)
	if Eligible(out, 0, 0.1) {
		t.Fatal("zero score must never be eligible")
	}
}

func TestEligibleFullProbabilityAlwaysEligible(t *testing.T) {
	out := vrfOutputFor(^uint64(0))
	if !Eligible(out, 100, 1) {
		t.Fatal("p>=1 must always be eligible regardless of r")
	}
}

func TestEligibleThresholdBoundary(t *testing.T) {
	// p = 0.5 -> threshold = 2^63. r just below must be eligible, r at or
	// above must not.
	below := vrfOutputFor(uint64(1)<<63 - 1)
	atThreshold := vrfOutputFor(uint64(1) << 63)
	if !Eligible(below, 1, 0.5) {
		t.Fatal("r just below threshold should be eligible")
	}
	if Eligible(atThreshold, 1, 0.5) {
		t.Fatal("r at threshold should not be eligible")
	}
}

func TestEligibleDeterministic(t *testing.T) {
	out := vrfOutputFor(12345)
	a := Eligible(out, 0.3, 0.2)
	b := Eligible(out, 0.3, 0.2)
	if a != b {
		t.Fatal("Eligible must be a pure deterministic function of its inputs")
	}
}

func TestEligibleShortOutputRejected(t *testing.T) {
	if Eligible([]byte{1, 2, 3}, 1, 1) {
		t.Fatal("short VRF output must never be eligible")
	}
}
