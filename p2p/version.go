package p2p

import (
	"fmt"
	"unicode/utf8"

	"montana.dev/node/primitives"
)

// MaxUserAgentBytes bounds the version message's free-text user agent.
const MaxUserAgentBytes = 256

// VersionPayload is exchanged first on every connection: protocol
// version, services bitfield, reported best height, and a nonce used to
// detect self-connection, per spec.md §6.
type VersionPayload struct {
	ProtocolVersion uint32
	ChainID         primitives.Hash
	Services        uint64
	Timestamp       uint64
	Nonce           uint64
	UserAgent       string
	StartHeight     uint64
	Relay           bool
}

func EncodeVersionPayload(v VersionPayload) ([]byte, error) {
	if len(v.UserAgent) > MaxUserAgentBytes {
		return nil, fmt.Errorf("p2p: version: user_agent too long")
	}
	if !utf8.ValidString(v.UserAgent) {
		return nil, fmt.Errorf("p2p: version: user_agent must be UTF-8")
	}
	w := primitives.NewWriter(4 + primitives.HashSize + 8 + 8 + 8 + 4 + len(v.UserAgent) + 8 + 1)
	w.PutU32(v.ProtocolVersion)
	w.PutHash(v.ChainID)
	w.PutU64(v.Services)
	w.PutU64(v.Timestamp)
	w.PutU64(v.Nonce)
	w.PutBytes([]byte(v.UserAgent))
	w.PutU64(v.StartHeight)
	if v.Relay {
		w.PutU8(1)
	} else {
		w.PutU8(0)
	}
	return w.Bytes(), nil
}

func DecodeVersionPayload(b []byte) (*VersionPayload, error) {
	r := primitives.NewReader(b)
	proto, err := r.GetU32()
	if err != nil {
		return nil, err
	}
	chainID, err := r.GetHash()
	if err != nil {
		return nil, err
	}
	services, err := r.GetU64()
	if err != nil {
		return nil, err
	}
	ts, err := r.GetU64()
	if err != nil {
		return nil, err
	}
	nonce, err := r.GetU64()
	if err != nil {
		return nil, err
	}
	uaBytes, err := r.GetBytes()
	if err != nil {
		return nil, err
	}
	if len(uaBytes) > MaxUserAgentBytes {
		return nil, fmt.Errorf("p2p: version: user_agent too long")
	}
	if !utf8.Valid(uaBytes) {
		return nil, fmt.Errorf("p2p: version: user_agent must be UTF-8")
	}
	startHeight, err := r.GetU64()
	if err != nil {
		return nil, err
	}
	relayByte, err := r.GetU8()
	if err != nil {
		return nil, err
	}
	if relayByte != 0 && relayByte != 1 {
		return nil, fmt.Errorf("p2p: version: relay must be 0 or 1")
	}
	if !r.Done() {
		return nil, primitives.ErrInvalidLength
	}
	return &VersionPayload{
		ProtocolVersion: proto,
		ChainID:         chainID,
		Services:        services,
		Timestamp:       ts,
		Nonce:           nonce,
		UserAgent:       string(uaBytes),
		StartHeight:     startHeight,
		Relay:           relayByte == 1,
	}, nil
}
