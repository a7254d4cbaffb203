// Package chain implements the block, transaction, heartbeat and account
// data model: canonical encodings, hashes, signatures, Merkle commitments.
package chain

import "math"

// scoreToBits and bitsToScore round-trip a float64 score through its exact
// IEEE-754 bit pattern so the canonical encoding stays a fixed-width
// integer field, matching spec's "fixed-width integers are big-endian"
// rule without inventing a decimal wire format.
func scoreToBits(s float64) uint64 { return math.Float64bits(s) }
func bitsToScore(b uint64) float64 { return math.Float64frombits(b) }
