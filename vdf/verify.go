package vdf

import (
	"errors"

	"montana.dev/node/primitives"
)

// ErrProofInvalid is returned when a claimed checkpoint does not
// re-derive from its claimed start state.
var ErrProofInvalid = errors.New("vdf: proof invalid")

// Verify re-derives the hash chain from the claimed start for the claimed
// segment length and checks it matches the claimed output.
//
// This replay-based verifier costs exactly one segment's worth of hashing,
// the same as producing it in the first place, so it is not sublinear.
// Verify is the seam a future succinct-proof scheme would replace; callers
// never inline the replay themselves, so swapping the implementation out
// later is a one-function change.
func Verify(input primitives.Hash, output primitives.Hash, iterations uint64, proof []byte) error {
	if iterations == 0 {
		return ErrProofInvalid
	}
	if len(proof) != 2*primitives.HashSize {
		return ErrProofInvalid
	}
	var claimedStart, claimedEnd primitives.Hash
	copy(claimedStart[:], proof[:primitives.HashSize])
	copy(claimedEnd[:], proof[primitives.HashSize:])
	if claimedStart != input {
		return ErrProofInvalid
	}
	if claimedEnd != output {
		return ErrProofInvalid
	}

	state := input
	for i := uint64(0); i < iterations; i++ {
		state = primitives.SumHash(state[:])
	}
	if state != output {
		return ErrProofInvalid
	}
	return nil
}
