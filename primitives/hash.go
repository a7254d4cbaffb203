// Package primitives provides the fixed-width identifiers, canonical
// encoding, and Merkle commitments shared by every other package in the
// module.
package primitives

import "golang.org/x/crypto/sha3"

// HashSize is the width, in bytes, of every hash identifier in the protocol.
const HashSize = 32

// Hash is a 32-byte opaque identifier produced by hashing the canonical
// encoding of whatever it names. The zero value is reserved for "absent".
type Hash [HashSize]byte

// ZeroHash is the reserved "absent" sentinel.
var ZeroHash = Hash{}

// IsZero reports whether h is the reserved absent sentinel.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Less gives the fixed lexicographic tie-break rule DAG ordering and
// selected-parent computation both rely on.
func (h Hash) Less(other Hash) bool {
	for i := range h {
		if h[i] != other[i] {
			return h[i] < other[i]
		}
	}
	return false
}

// Bytes returns a copy of the hash as a slice.
func (h Hash) Bytes() []byte {
	out := make([]byte, HashSize)
	copy(out, h[:])
	return out
}

// SumHash computes the protocol hash function over arbitrary bytes.
func SumHash(data []byte) Hash {
	return Hash(sha3.Sum256(data))
}

// HashConcat hashes the concatenation of left and right, used by internal
// Merkle nodes.
func HashConcat(left, right Hash) Hash {
	buf := make([]byte, 0, 2*HashSize)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return SumHash(buf)
}

// AddressSize is the width, in bytes, of an Address.
const AddressSize = 32

// Address is a 32-byte identifier derived from a public key (the first 32
// bytes of the key's canonical serialization). Addresses are byte strings,
// never text.
type Address [AddressSize]byte

// ZeroAddress is the reserved "absent" sentinel address.
var ZeroAddress = Address{}

// AddressFromPublicKey derives an Address from a public key's canonical
// serialization, per spec: the first AddressSize bytes, hashed if the key
// is shorter, the prefix if it is longer or exactly the right size.
func AddressFromPublicKey(pubKey []byte) Address {
	var out Address
	if len(pubKey) >= AddressSize {
		copy(out[:], pubKey[:AddressSize])
		return out
	}
	h := SumHash(pubKey)
	copy(out[:], h[:AddressSize])
	return out
}

// Bytes returns a copy of the address as a slice.
func (a Address) Bytes() []byte {
	out := make([]byte, AddressSize)
	copy(out, a[:])
	return out
}

// Less gives the canonical ordering used when serializing address-keyed
// sets (e.g. the account set that feeds the state root).
func (a Address) Less(other Address) bool {
	for i := range a {
		if a[i] != other[i] {
			return a[i] < other[i]
		}
	}
	return false
}
