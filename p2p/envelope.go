// Package p2p implements the wire protocol: message framing, the
// version/verack handshake, ping/pong liveness, inventory relay, and the
// per-connection read loop dispatching into a PeerHandler. Grounded on
// the teacher's node/p2p package, simplified to this protocol's envelope
// (spec.md §6: 4-byte big-endian length, 1-byte message type, payload —
// no magic and no checksum field, since the teacher's magic/checksum are
// a Bitcoin-lineage convention this spec does not call for).
package p2p

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// LengthPrefixBytes is the size of the payload-length field.
	LengthPrefixBytes = 4
	// TypeBytes is the size of the message-type field.
	TypeBytes = 1
	// MaxPayloadBytes bounds any single message's payload, guarding against
	// a peer claiming an unbounded allocation from a few header bytes.
	MaxPayloadBytes = 8 << 20
)

// Message is one decoded wire message.
type Message struct {
	Type    MessageType
	Payload []byte
}

// ReadError conveys how the caller should treat a malformed message,
// grounded on the teacher's node/p2p/envelope.go ReadError: a ban-score
// delta and whether the connection must be dropped.
type ReadError struct {
	Err           error
	BanScoreDelta int
	Disconnect    bool
}

func (e *ReadError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// WriteMessage writes one framed message to w.
func WriteMessage(w io.Writer, msgType MessageType, payload []byte) error {
	if len(payload) > MaxPayloadBytes {
		return fmt.Errorf("p2p: payload too large (%d bytes)", len(payload))
	}
	var hdr [LengthPrefixBytes + TypeBytes]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	hdr[4] = byte(msgType)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadMessage reads exactly one framed message from r, handling partial
// reads. An oversize declared length disconnects without reading
// attacker-controlled bytes; truncation disconnects; an unrecognized
// message type is dropped without disconnecting, matching the teacher's
// "unknown command: ignore" policy for its string-command equivalent.
func ReadMessage(r io.Reader) (*Message, *ReadError) {
	var hdr [LengthPrefixBytes + TypeBytes]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, &ReadError{Err: err, Disconnect: true}
	}

	length := binary.BigEndian.Uint32(hdr[0:4])
	if length > MaxPayloadBytes {
		return nil, &ReadError{Err: fmt.Errorf("p2p: declared length exceeds MaxPayloadBytes"), Disconnect: true}
	}
	msgType := MessageType(hdr[4])

	payload := make([]byte, int(length))
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, &ReadError{Err: err, BanScoreDelta: 20, Disconnect: true}
		}
	}

	return &Message{Type: msgType, Payload: payload}, nil
}
