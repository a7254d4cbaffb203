package p2p

import (
	"fmt"
	"io"
	"net"
	"time"

	"montana.dev/node/primitives"
)

// HandshakeTimeout bounds how long each half of the version/verack
// exchange may take, per spec.md §5's "10 s for handshakes".
const HandshakeTimeout = 10 * time.Second

// HandshakeResult is what a completed handshake yields: the peer's
// advertised version.
type HandshakeResult struct {
	PeerVersion VersionPayload
}

// Handshake performs the version/verack exchange: send our version,
// receive and validate the peer's, exchange verack. The caller owns conn
// and is responsible for closing it.
func Handshake(conn net.Conn, ourVersion VersionPayload, localChainID primitives.Hash) (*HandshakeResult, error) {
	ourVersion.ChainID = localChainID

	payload, err := EncodeVersionPayload(ourVersion)
	if err != nil {
		return nil, err
	}
	if err := WriteMessage(conn, MsgVersion, payload); err != nil {
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	peerVersion, err := expectVersion(conn, localChainID)
	if err != nil {
		return nil, err
	}
	if peerVersion.Nonce == ourVersion.Nonce {
		return nil, fmt.Errorf("p2p: handshake: self-connection (nonce match)")
	}

	if err := WriteMessage(conn, MsgVerack, nil); err != nil {
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	if err := expectVerack(conn); err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	return &HandshakeResult{PeerVersion: *peerVersion}, nil
}

func expectVersion(r io.Reader, localChainID primitives.Hash) (*VersionPayload, error) {
	for {
		msg, rerr := ReadMessage(r)
		if rerr != nil {
			if !rerr.Disconnect {
				continue
			}
			return nil, rerr
		}
		switch msg.Type {
		case MsgVersion:
			v, err := DecodeVersionPayload(msg.Payload)
			if err != nil {
				return nil, err
			}
			if v.ChainID != localChainID {
				return nil, fmt.Errorf("p2p: handshake: chain_id mismatch")
			}
			return v, nil
		case MsgVerack:
			continue // early verack is ignored
		default:
			continue
		}
	}
}

func expectVerack(r io.Reader) error {
	for {
		msg, rerr := ReadMessage(r)
		if rerr != nil {
			if !rerr.Disconnect {
				continue
			}
			return rerr
		}
		switch msg.Type {
		case MsgVerack:
			if len(msg.Payload) != 0 {
				return fmt.Errorf("p2p: handshake: verack payload must be empty")
			}
			return nil
		case MsgVersion:
			return fmt.Errorf("p2p: handshake: duplicate version")
		default:
			continue
		}
	}
}
