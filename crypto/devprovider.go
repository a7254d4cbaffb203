package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/ed25519"

	"montana.dev/node/primitives"
)

// DevProvider is a development/test Provider backed by Ed25519 signatures
// and a signature-derived VRF. It stands in for the post-quantum signature
// scheme and VRF spec.md §6 assumes, since no such library is present
// anywhere in the retrieved reference corpus; production deployments are
// expected to implement Provider against a real PQ backend without
// changing any caller.
type DevProvider struct{}

// NewDevProvider constructs the development crypto backend.
func NewDevProvider() *DevProvider {
	return &DevProvider{}
}

var _ Provider = (*DevProvider)(nil)

// Hash implements Provider.
func (p *DevProvider) Hash(data []byte) primitives.Hash {
	return primitives.SumHash(data)
}

// GenerateKey implements Provider.
func (p *DevProvider) GenerateKey() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return []byte(priv), []byte(pub), nil
}

// Sign implements Provider.
func (p *DevProvider) Sign(priv []byte, digest primitives.Hash) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("crypto: invalid private key size")
	}
	sig := ed25519.Sign(ed25519.PrivateKey(priv), digest[:])
	return sig, nil
}

// Verify implements Provider.
func (p *DevProvider) Verify(pub []byte, digest primitives.Hash, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), digest[:], sig)
}

// EvaluateVRF implements Provider with a signature-derived construction:
// proof is a deterministic signature over H(input), and output is H(proof).
// Ed25519 signing is deterministic given (key, message), so this is a
// legitimate (if non-standard) VRF: unique per (key, input), unpredictable
// without priv, and verifiable from (pub, input, output, proof) alone.
func (p *DevProvider) EvaluateVRF(priv []byte, input []byte) ([]byte, []byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, nil, errors.New("crypto: invalid private key size")
	}
	digest := primitives.SumHash(input)
	proof := ed25519.Sign(ed25519.PrivateKey(priv), digest[:])
	output := primitives.SumHash(proof)
	return output[:], proof, nil
}

// VerifyVRF implements Provider.
func (p *DevProvider) VerifyVRF(pub []byte, input []byte, output []byte, proof []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	digest := primitives.SumHash(input)
	if !ed25519.Verify(ed25519.PublicKey(pub), digest[:], proof) {
		return false
	}
	wantOutput := primitives.SumHash(proof)
	if len(output) != len(wantOutput) {
		return false
	}
	for i := range output {
		if output[i] != wantOutput[i] {
			return false
		}
	}
	return true
}
