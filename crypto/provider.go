// Package crypto defines the narrow cryptographic contract the rest of the
// module depends on. Production deployments wire a post-quantum backend;
// this package also ships a development implementation good enough for
// tests and devnets.
package crypto

import "montana.dev/node/primitives"

// Provider is the cryptographic contract spec.md §6 assumes is available:
// a hash function, a signature scheme (post-quantum in production, per
// spec.md §1), and a VRF. Every consensus-relevant component in this module
// depends on this interface, never on a concrete algorithm, so tests can
// substitute a deterministic fake.
type Provider interface {
	// Hash is the protocol hash function used for addresses, block hashes,
	// and Merkle leaves/nodes.
	Hash(data []byte) primitives.Hash

	// GenerateKey returns a fresh keypair's opaque private handle and its
	// canonical public key bytes.
	GenerateKey() (priv []byte, pub []byte, err error)

	// Sign produces a signature over digest under the key identified by
	// priv.
	Sign(priv []byte, digest primitives.Hash) ([]byte, error)

	// Verify reports whether sig is a valid signature over digest under
	// pub.
	Verify(pub []byte, digest primitives.Hash, sig []byte) bool

	// EvaluateVRF produces a VRF output and its proof for input under the
	// key identified by priv.
	EvaluateVRF(priv []byte, input []byte) (output []byte, proof []byte, err error)

	// VerifyVRF reports whether output/proof are a valid VRF evaluation of
	// input under pub.
	VerifyVRF(pub []byte, input []byte, output []byte, proof []byte) bool
}
