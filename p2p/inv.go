package p2p

import (
	"fmt"

	"montana.dev/node/primitives"
)

// MaxInvEntries bounds the number of vectors accepted in one inv/getdata
// message, guarding against an oversize allocation from a hostile count
// prefix.
const MaxInvEntries = 50_000

// InvVector names one object a peer has or wants: its kind and hash, per
// spec.md §6.
type InvVector struct {
	Type uint8
	Hash primitives.Hash
}

// EncodeInvPayload encodes an inv or getdata payload: both share this
// shape per spec.md §6.
func EncodeInvPayload(vecs []InvVector) ([]byte, error) {
	if len(vecs) > MaxInvEntries {
		return nil, fmt.Errorf("p2p: inv: too many entries")
	}
	w := primitives.NewWriter(4 + len(vecs)*(1+primitives.HashSize))
	w.PutSeqHeader(len(vecs))
	for _, v := range vecs {
		w.PutU8(v.Type)
		w.PutHash(v.Hash)
	}
	return w.Bytes(), nil
}

// DecodeInvPayload decodes an inv or getdata payload.
func DecodeInvPayload(b []byte) ([]InvVector, error) {
	r := primitives.NewReader(b)
	count, err := r.GetSeqHeader()
	if err != nil {
		return nil, err
	}
	if count > MaxInvEntries {
		return nil, fmt.Errorf("p2p: inv: count exceeds MaxInvEntries")
	}
	out := make([]InvVector, count)
	for i := range out {
		t, err := r.GetU8()
		if err != nil {
			return nil, err
		}
		h, err := r.GetHash()
		if err != nil {
			return nil, err
		}
		out[i] = InvVector{Type: t, Hash: h}
	}
	if !r.Done() {
		return nil, primitives.ErrInvalidLength
	}
	return out, nil
}
