package p2p

import "montana.dev/node/primitives"

// PingPayload and PongPayload each carry an 8-byte nonce, per spec.md §6.
type PingPayload struct {
	Nonce uint64
}

func EncodePingPayload(p PingPayload) []byte {
	w := primitives.NewWriter(8)
	w.PutU64(p.Nonce)
	return w.Bytes()
}

func DecodePingPayload(b []byte) (PingPayload, error) {
	r := primitives.NewReader(b)
	nonce, err := r.GetU64()
	if err != nil {
		return PingPayload{}, err
	}
	if !r.Done() {
		return PingPayload{}, primitives.ErrInvalidLength
	}
	return PingPayload{Nonce: nonce}, nil
}

type PongPayload struct {
	Nonce uint64
}

func EncodePongPayload(p PongPayload) []byte {
	return EncodePingPayload(PingPayload{Nonce: p.Nonce})
}

func DecodePongPayload(b []byte) (PongPayload, error) {
	pp, err := DecodePingPayload(b)
	if err != nil {
		return PongPayload{}, err
	}
	return PongPayload{Nonce: pp.Nonce}, nil
}
