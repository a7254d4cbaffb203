package p2p

import (
	"bytes"
	"net"
	"testing"
	"time"

	"montana.dev/node/primitives"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello montana")
	if err := WriteMessage(&buf, MsgTransaction, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg, rerr := ReadMessage(&buf)
	if rerr != nil {
		t.Fatalf("read: %v", rerr)
	}
	if msg.Type != MsgTransaction || !bytes.Equal(msg.Payload, payload) {
		t.Fatalf("round-trip mismatch: %+v", msg)
	}
}

func TestReadMessageRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	var hdr [5]byte
	hdr[0], hdr[1], hdr[2], hdr[3] = 0xFF, 0xFF, 0xFF, 0xFF
	hdr[4] = byte(MsgBlock)
	buf.Write(hdr[:])

	_, rerr := ReadMessage(&buf)
	if rerr == nil || !rerr.Disconnect {
		t.Fatalf("expected disconnect on oversize length, got %+v", rerr)
	}
}

func TestPingPongPayloadRoundTrip(t *testing.T) {
	encoded := EncodePingPayload(PingPayload{Nonce: 42})
	decoded, err := DecodePingPayload(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Nonce != 42 {
		t.Fatalf("expected nonce 42, got %d", decoded.Nonce)
	}
}

func TestInvPayloadRoundTrip(t *testing.T) {
	vecs := []InvVector{
		{Type: InvTypeBlock, Hash: primitives.Hash{1}},
		{Type: InvTypeTransaction, Hash: primitives.Hash{2}},
	}
	encoded, err := EncodeInvPayload(vecs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeInvPayload(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 2 || decoded[0] != vecs[0] || decoded[1] != vecs[1] {
		t.Fatalf("round-trip mismatch: %+v", decoded)
	}
}

func TestGetHeadersPayloadRoundTrip(t *testing.T) {
	p := GetHeadersPayload{
		Locator:  []primitives.Hash{{1}, {2}, {3}},
		StopHash: primitives.Hash{9},
	}
	encoded := EncodeGetHeadersPayload(p)
	decoded, err := DecodeGetHeadersPayload(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.StopHash != p.StopHash || len(decoded.Locator) != len(p.Locator) {
		t.Fatalf("round-trip mismatch: %+v", decoded)
	}
}

func TestBanScoreDecaysOverTime(t *testing.T) {
	var b BanScore
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.Add(start, 80)
	if !b.ShouldThrottle(start) {
		t.Fatal("expected throttle at score 80")
	}
	later := start.Add(40 * time.Minute)
	if got := b.Score(later); got != 40 {
		t.Fatalf("expected decay to 40 after 40 minutes, got %d", got)
	}
}

func TestBanScoreBansAtThreshold(t *testing.T) {
	var b BanScore
	now := time.Now()
	b.Add(now, 100)
	if !b.ShouldBan(now) {
		t.Fatal("expected ban at threshold")
	}
}

func TestVersionPayloadRoundTrip(t *testing.T) {
	v := VersionPayload{
		ProtocolVersion: 1,
		ChainID:         primitives.Hash{7},
		Services:        ServiceNodeNetwork | ServiceNodeVDF,
		Timestamp:       1234,
		Nonce:           5678,
		UserAgent:       "montana-node/0.1",
		StartHeight:     10,
		Relay:           true,
	}
	encoded, err := EncodeVersionPayload(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeVersionPayload(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *decoded != v {
		t.Fatalf("round-trip mismatch: %+v != %+v", *decoded, v)
	}
}

func TestHandshakeCompletesOverPipe(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	chainID := primitives.Hash{1, 2, 3}
	va := VersionPayload{ProtocolVersion: 1, UserAgent: "node-a", Nonce: 1}
	vb := VersionPayload{ProtocolVersion: 1, UserAgent: "node-b", Nonce: 2}

	resultA := make(chan *HandshakeResult, 1)
	errA := make(chan error, 1)
	go func() {
		res, err := Handshake(a, va, chainID)
		resultA <- res
		errA <- err
	}()

	res, err := Handshake(b, vb, chainID)
	if err != nil {
		t.Fatalf("handshake b: %v", err)
	}
	if res.PeerVersion.UserAgent != "node-a" {
		t.Fatalf("expected peer user agent node-a, got %q", res.PeerVersion.UserAgent)
	}

	if err := <-errA; err != nil {
		t.Fatalf("handshake a: %v", err)
	}
	if (<-resultA).PeerVersion.UserAgent != "node-b" {
		t.Fatal("expected a to see b's user agent")
	}
}
