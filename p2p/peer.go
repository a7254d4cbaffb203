package p2p

import (
	"context"
	"fmt"
	"net"
	"time"

	"montana.dev/node/chain"
	"montana.dev/node/primitives"
)

// PeerRole distinguishes a connection this node initiated from one it
// accepted, mirroring the teacher's PeerRole.
type PeerRole int

const (
	PeerRoleUnknown PeerRole = iota
	PeerRoleInbound
	PeerRoleOutbound
)

// PeerHandler reacts to messages received from a Peer. The node layer's
// peer manager implements this, forwarding to the sync engine, chain and
// mempool to drive inventory relay, header sync, and block/transaction
// propagation.
type PeerHandler interface {
	OnVersion(peer *Peer, v VersionPayload) error
	OnInv(peer *Peer, vecs []InvVector) error
	OnGetData(peer *Peer, vecs []InvVector) error
	OnGetHeaders(peer *Peer, req *GetHeadersPayload) ([]*chain.Header, error)
	OnHeaders(peer *Peer, headers []*chain.Header) error
	OnBlock(peer *Peer, blockBytes []byte) error
	OnTransaction(peer *Peer, txBytes []byte) error
}

// Config bundles what every Peer needs to complete a handshake and police
// its own traffic.
type Config struct {
	ChainID     primitives.Hash
	OurVersion  VersionPayload
	IdleTimeout time.Duration
}

// Peer owns one connection's framing, handshake, and read loop.
type Peer struct {
	Conn   net.Conn
	Role   PeerRole
	Config Config

	PeerVersion VersionPayload
	Ban         BanScore
}

// NewPeer wraps an already-open connection.
func NewPeer(conn net.Conn, role PeerRole, cfg Config) (*Peer, error) {
	if conn == nil {
		return nil, fmt.Errorf("p2p: peer: nil conn")
	}
	return &Peer{Conn: conn, Role: role, Config: cfg}, nil
}

// Handshake performs the version/verack exchange and records the peer's
// advertised version.
func (p *Peer) Handshake() error {
	res, err := Handshake(p.Conn, p.Config.OurVersion, p.Config.ChainID)
	if err != nil {
		return err
	}
	p.PeerVersion = res.PeerVersion
	return nil
}

// Send frames and writes one message.
func (p *Peer) Send(msgType MessageType, payload []byte) error {
	return WriteMessage(p.Conn, msgType, payload)
}

// Run performs the handshake, then reads messages until ctx is cancelled,
// the peer is banned, or the connection is lost. Malformed messages that
// don't warrant a disconnect are dropped and the ban score incremented;
// valid messages are dispatched to h by type.
func (p *Peer) Run(ctx context.Context, h PeerHandler) error {
	if h == nil {
		return fmt.Errorf("p2p: peer: nil handler")
	}
	if err := p.Handshake(); err != nil {
		return err
	}
	if err := h.OnVersion(p, p.PeerVersion); err != nil {
		return err
	}

	if ctx != nil {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = p.Conn.Close()
			case <-done:
			}
		}()
		defer close(done)
	}

	for {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		if p.Config.IdleTimeout > 0 {
			_ = p.Conn.SetReadDeadline(time.Now().Add(p.Config.IdleTimeout))
		}
		msg, rerr := ReadMessage(p.Conn)
		if rerr != nil {
			now := time.Now()
			p.Ban.Add(now, rerr.BanScoreDelta)
			if p.Ban.ShouldBan(now) {
				return fmt.Errorf("p2p: peer: banned (score=%d): %w", p.Ban.Score(now), rerr.Err)
			}
			if rerr.Disconnect {
				return rerr
			}
			continue
		}

		now := time.Now()
		if p.Ban.ShouldThrottle(now) {
			time.Sleep(ThrottleDelay)
		}

		if err := p.dispatch(h, msg, now); err != nil {
			return err
		}
	}
}

func (p *Peer) dispatch(h PeerHandler, msg *Message, now time.Time) error {
	switch msg.Type {
	case MsgPing:
		pp, err := DecodePingPayload(msg.Payload)
		if err != nil {
			p.Ban.Add(now, 10)
			return nil
		}
		return p.Send(MsgPong, EncodePongPayload(PongPayload{Nonce: pp.Nonce}))
	case MsgPong:
		return nil
	case MsgGetHeaders:
		req, err := DecodeGetHeadersPayload(msg.Payload)
		if err != nil {
			p.Ban.Add(now, 10)
			return nil
		}
		headers, err := h.OnGetHeaders(p, req)
		if err != nil {
			return nil
		}
		payload, err := EncodeHeadersPayload(HeadersPayload{Headers: headers})
		if err != nil {
			return nil
		}
		_ = p.Send(MsgHeaders, payload)
		return nil
	case MsgHeaders:
		hp, err := DecodeHeadersPayload(msg.Payload)
		if err != nil {
			p.Ban.Add(now, 10)
			return nil
		}
		if err := h.OnHeaders(p, hp.Headers); err != nil {
			p.Ban.Add(now, 100)
			if p.Ban.ShouldBan(now) {
				return fmt.Errorf("p2p: peer: invalid headers (banned): %w", err)
			}
		}
		return nil
	case MsgInv:
		vecs, err := DecodeInvPayload(msg.Payload)
		if err != nil {
			p.Ban.Add(now, 10)
			return nil
		}
		if err := h.OnInv(p, vecs); err != nil {
			p.Ban.Add(now, 5)
		}
		return nil
	case MsgGetData:
		vecs, err := DecodeInvPayload(msg.Payload)
		if err != nil {
			p.Ban.Add(now, 10)
			return nil
		}
		if err := h.OnGetData(p, vecs); err != nil {
			p.Ban.Add(now, 2)
		}
		return nil
	case MsgBlock:
		if err := h.OnBlock(p, msg.Payload); err != nil {
			p.Ban.Add(now, 100)
			if p.Ban.ShouldBan(now) {
				return fmt.Errorf("p2p: peer: invalid block (banned): %w", err)
			}
		}
		return nil
	case MsgTransaction:
		if err := h.OnTransaction(p, msg.Payload); err != nil {
			p.Ban.Add(now, 5)
		}
		return nil
	default:
		return nil
	}
}
