package sync

import (
	"errors"
	"testing"
	"time"

	"montana.dev/node/chain"
	"montana.dev/node/p2p"
	"montana.dev/node/primitives"
)

type fakeSink struct {
	known  map[primitives.Hash]bool
	height uint64
	accept func(b *chain.Block) error
}

func newFakeSink() *fakeSink {
	return &fakeSink{known: make(map[primitives.Hash]bool)}
}

func (s *fakeSink) Has(hash primitives.Hash) bool { return s.known[hash] }
func (s *fakeSink) Height() uint64                { return s.height }
func (s *fakeSink) SubmitBlock(b *chain.Block) error {
	if s.accept != nil {
		if err := s.accept(b); err != nil {
			return err
		}
	}
	s.known[b.Hash()] = true
	if b.Header.Height > s.height {
		s.height = b.Header.Height
	}
	return nil
}

type fakeRequester struct {
	getHeadersCalls int
	getDataCalls    [][]p2p.InvVector
}

func (r *fakeRequester) SendGetHeaders(peer PeerID, req p2p.GetHeadersPayload) error {
	r.getHeadersCalls++
	return nil
}
func (r *fakeRequester) SendGetData(peer PeerID, vecs []p2p.InvVector) error {
	r.getDataCalls = append(r.getDataCalls, vecs)
	return nil
}
func (r *fakeRequester) Disconnect(peer PeerID) {}

type acceptAllValidator struct{}

func (acceptAllValidator) ValidateHeader(h *chain.Header) error { return nil }

func blockAt(height uint64, parents []primitives.Hash) *chain.Block {
	return &chain.Block{Header: &chain.Header{
		Height:  height,
		Parents: parents,
		// Vary TimestampMs so distinct heights hash distinctly.
		TimestampMs: height,
	}}
}

func TestRegisterPeerStartsHeadersPhase(t *testing.T) {
	sink := newFakeSink()
	req := &fakeRequester{}
	e := NewEngine(sink, req, acceptAllValidator{}, DefaultConfig())

	if err := e.RegisterPeer("p1", 10); err != nil {
		t.Fatalf("register: %v", err)
	}
	if req.getHeadersCalls != 1 {
		t.Fatalf("expected 1 getheaders call, got %d", req.getHeadersCalls)
	}
	if e.Progress().State != StateHeaders {
		t.Fatalf("expected headers state, got %v", e.Progress().State)
	}
}

func TestHandleBlockOrphansOnMissingParent(t *testing.T) {
	parent := &chain.Block{Header: &chain.Header{Height: 1, Parents: []primitives.Hash{primitives.ZeroHash}}}
	parentHash := parent.Hash()

	sink := newFakeSink()
	sink.accept = func(b *chain.Block) error {
		for _, p := range b.Header.Parents {
			if p.IsZero() {
				continue
			}
			if !sink.known[p] {
				return &ErrMissingParents{Missing: []primitives.Hash{p}}
			}
		}
		return nil
	}
	req := &fakeRequester{}
	e := NewEngine(sink, req, acceptAllValidator{}, DefaultConfig())

	child := blockAt(2, []primitives.Hash{parentHash})

	if err := e.HandleBlock("p1", child); err != nil {
		t.Fatalf("handle child: %v", err)
	}
	if sink.known[child.Hash()] {
		t.Fatal("orphan should not be accepted before its parent arrives")
	}
	if e.orphans.Len() != 1 {
		t.Fatalf("expected 1 orphaned block, got %d", e.orphans.Len())
	}

	if err := e.HandleBlock("p1", parent); err != nil {
		t.Fatalf("handle parent: %v", err)
	}
	if !sink.known[parent.Hash()] {
		t.Fatal("parent should be accepted")
	}
	if !sink.known[child.Hash()] {
		t.Fatal("orphaned child should be retried and accepted once its parent arrives")
	}
	if e.orphans.Len() != 0 {
		t.Fatalf("expected orphan table to drain, got %d remaining", e.orphans.Len())
	}
}

func TestHandleInvIsIdempotent(t *testing.T) {
	sink := newFakeSink()
	req := &fakeRequester{}
	e := NewEngine(sink, req, acceptAllValidator{}, DefaultConfig())

	vecs := []p2p.InvVector{{Type: p2p.InvTypeBlock, Hash: primitives.Hash{1}}}
	if err := e.HandleInv("p1", vecs); err != nil {
		t.Fatalf("first inv: %v", err)
	}
	if err := e.HandleInv("p1", vecs); err != nil {
		t.Fatalf("second inv: %v", err)
	}
	if len(req.getDataCalls) != 1 {
		t.Fatalf("expected exactly 1 getdata call for duplicate inv, got %d", len(req.getDataCalls))
	}
}

func TestTickRequeuesOnTimeout(t *testing.T) {
	sink := newFakeSink()
	req := &fakeRequester{}
	cfg := DefaultConfig()
	cfg.RequestTimeout = time.Millisecond
	e := NewEngine(sink, req, acceptAllValidator{}, cfg)
	e.mu.Lock()
	e.state = StateBlocks
	e.peers["p1"] = &peerInfo{bestHeight: 10}
	e.needed = []primitives.Hash{{1}}
	e.mu.Unlock()

	if err := e.Tick(time.Now()); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if len(req.getDataCalls) != 1 {
		t.Fatalf("expected initial getdata dispatch, got %d calls", len(req.getDataCalls))
	}

	time.Sleep(5 * time.Millisecond)
	if err := e.Tick(time.Now()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if len(req.getDataCalls) != 2 {
		t.Fatalf("expected timeout to trigger a redispatch, got %d calls", len(req.getDataCalls))
	}
}

func TestTickRecoversFromStalledWithAReadyPeer(t *testing.T) {
	sink := newFakeSink()
	req := &fakeRequester{}
	cfg := DefaultConfig()
	cfg.RequestTimeout = time.Millisecond
	cfg.StallThreshold = 1
	e := NewEngine(sink, req, acceptAllValidator{}, cfg)
	e.mu.Lock()
	e.state = StateBlocks
	e.peers["slow"] = &peerInfo{bestHeight: 10}
	e.peers["fast"] = &peerInfo{bestHeight: 10}
	e.needed = []primitives.Hash{{1}}
	e.mu.Unlock()

	if err := e.Tick(time.Now()); err != nil {
		t.Fatalf("first tick: %v", err)
	}

	// Force the request onto "slow" and let it expire past the threshold.
	e.mu.Lock()
	for i := range e.pending {
		e.pending[i].peer = "slow"
		e.pending[i].issuedAt = time.Now().Add(-time.Hour)
	}
	e.mu.Unlock()

	time.Sleep(2 * time.Millisecond)
	if err := e.Tick(time.Now()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if e.Progress().State != StateBlocks {
		t.Fatalf("expected engine to stay recoverable in StateBlocks with a ready peer left, got %v", e.Progress().State)
	}

	// Now stall the only remaining peer too: no ready peer is left.
	e.mu.Lock()
	e.stalls.RecordStall("fast")
	e.mu.Unlock()
	if err := e.Tick(time.Now()); err != nil {
		t.Fatalf("third tick: %v", err)
	}
	if e.Progress().State != StateStalled {
		t.Fatalf("expected StateStalled once every peer is over threshold, got %v", e.Progress().State)
	}

	// A successful delivery from "fast" resets its stall count; the engine
	// must recover rather than stay permanently stalled.
	e.stalls.Reset("fast")
	if err := e.Tick(time.Now()); err != nil {
		t.Fatalf("fourth tick: %v", err)
	}
	if e.Progress().State != StateBlocks {
		t.Fatalf("expected recovery back to StateBlocks once a peer is ready again, got %v", e.Progress().State)
	}
}

func TestErrMissingParentsSatisfiesErrorsAs(t *testing.T) {
	var err error = &ErrMissingParents{Missing: []primitives.Hash{{1}}}
	var target *ErrMissingParents
	if !errors.As(err, &target) {
		t.Fatal("expected errors.As to match *ErrMissingParents")
	}
}
