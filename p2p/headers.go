package p2p

import (
	"fmt"

	"montana.dev/node/chain"
	"montana.dev/node/primitives"
)

// MaxHeadersPerMessage is the protocol cap on the length of a single
// headers message (spec.md §6: "ordered header list up to a protocol
// cap").
const MaxHeadersPerMessage = 2_000

// GetHeadersPayload requests headers starting after the caller's locator,
// stopping at StopHash (the zero hash means "no stop, send up to the cap").
type GetHeadersPayload struct {
	Locator  []primitives.Hash
	StopHash primitives.Hash
}

func EncodeGetHeadersPayload(p GetHeadersPayload) []byte {
	w := primitives.NewWriter(4 + len(p.Locator)*primitives.HashSize + primitives.HashSize)
	w.PutSeqHeader(len(p.Locator))
	for _, h := range p.Locator {
		w.PutHash(h)
	}
	w.PutHash(p.StopHash)
	return w.Bytes()
}

func DecodeGetHeadersPayload(b []byte) (*GetHeadersPayload, error) {
	r := primitives.NewReader(b)
	count, err := r.GetSeqHeader()
	if err != nil {
		return nil, err
	}
	if count > MaxHeadersPerMessage {
		return nil, fmt.Errorf("p2p: getheaders: locator too long")
	}
	locator := make([]primitives.Hash, count)
	for i := range locator {
		if locator[i], err = r.GetHash(); err != nil {
			return nil, err
		}
	}
	stop, err := r.GetHash()
	if err != nil {
		return nil, err
	}
	if !r.Done() {
		return nil, primitives.ErrInvalidLength
	}
	return &GetHeadersPayload{Locator: locator, StopHash: stop}, nil
}

// HeadersPayload carries an ordered header list in response to getheaders
// or as an unsolicited announcement.
type HeadersPayload struct {
	Headers []*chain.Header
}

func EncodeHeadersPayload(p HeadersPayload) ([]byte, error) {
	if len(p.Headers) > MaxHeadersPerMessage {
		return nil, fmt.Errorf("p2p: headers: exceeds MaxHeadersPerMessage")
	}
	w := primitives.NewWriter(4 + len(p.Headers)*256)
	w.PutSeqHeader(len(p.Headers))
	for _, h := range p.Headers {
		w.PutBytes(h.Encode())
	}
	return w.Bytes(), nil
}

func DecodeHeadersPayload(b []byte) (*HeadersPayload, error) {
	r := primitives.NewReader(b)
	count, err := r.GetSeqHeader()
	if err != nil {
		return nil, err
	}
	if count > MaxHeadersPerMessage {
		return nil, fmt.Errorf("p2p: headers: exceeds MaxHeadersPerMessage")
	}
	headers := make([]*chain.Header, count)
	for i := range headers {
		raw, err := r.GetBytes()
		if err != nil {
			return nil, err
		}
		h, err := chain.DecodeHeader(raw)
		if err != nil {
			return nil, err
		}
		headers[i] = h
	}
	if !r.Done() {
		return nil, primitives.ErrInvalidLength
	}
	return &HeadersPayload{Headers: headers}, nil
}
