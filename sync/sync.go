// Package sync implements headers-first initial block download: state
// machine (idle/headers/blocks/caught_up/stalled), per-peer request
// partitioning with timeouts, an orphan table for blocks whose parents
// have not yet arrived, and inventory-driven steady-state relay.
// Grounded on the teacher's node/sync.go SyncEngine/ApplyBlock shape,
// generalized from its single-peer "ConnectBlock then persist" sequence
// to this spec's multi-peer partitioned download (spec.md §4.9).
package sync

import (
	"errors"
	"sort"
	"sync"
	"time"

	"montana.dev/node/chain"
	"montana.dev/node/p2p"
	"montana.dev/node/primitives"
)

// State is the sync manager's top-level phase.
type State int

const (
	StateIdle State = iota
	StateHeaders
	StateBlocks
	StateCaughtUp
	StateStalled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHeaders:
		return "headers"
	case StateBlocks:
		return "blocks"
	case StateCaughtUp:
		return "caught_up"
	case StateStalled:
		return "stalled"
	default:
		return "unknown"
	}
}

// PeerID identifies a connected peer to the sync manager; the node layer
// assigns these (e.g. the remote address plus a connection counter).
type PeerID string

// Progress reports the sync manager's current standing, per spec.md §3's
// Sync progress tuple.
type Progress struct {
	State            State
	StartHeight      uint64
	CurrentHeight    uint64
	TargetHeight     uint64
	StartTime        time.Time
	BlocksDownloaded uint64
	BytesDownloaded  uint64
}

// BlockSink is the node's collaborator for accepting blocks the sync
// manager has downloaded: DAG ancestry resolution, state application, and
// tip height reporting.
type BlockSink interface {
	Has(hash primitives.Hash) bool
	Height() uint64
	// SubmitBlock attempts to accept b. ErrMissingParents indicates which
	// parents are not yet known, so the caller can orphan it.
	SubmitBlock(b *chain.Block) error
}

// ErrMissingParents is returned by BlockSink.SubmitBlock with the set of
// parents the caller must resolve before retrying.
type ErrMissingParents struct {
	Missing []primitives.Hash
}

func (e *ErrMissingParents) Error() string { return "sync: block has unresolved parents" }

// HeaderValidator checks a header's signature and VDF consistency before
// it is appended to the locally-tracked header chain (spec.md §4.9 step
// 2). Implemented by the node layer, which has access to the state
// machine's public-key registry and the crypto provider.
type HeaderValidator interface {
	ValidateHeader(h *chain.Header) error
}

// Requester is how the sync manager talks back to peers.
type Requester interface {
	SendGetHeaders(peer PeerID, req p2p.GetHeadersPayload) error
	SendGetData(peer PeerID, vecs []p2p.InvVector) error
	Disconnect(peer PeerID)
}

// Config bounds the sync manager's behavior, per spec.md §6's protocol
// constants and §4.9/§5's timeouts.
type Config struct {
	MaxBlocksPerRequest int
	HeaderBatchLimit    int
	RequestTimeout      time.Duration
	StallThreshold      int
	IdleGrace           time.Duration
	OrphanCapacity      int
	PendingQueueCapacity int
}

// DefaultConfig returns devnet-sane sync parameters.
func DefaultConfig() Config {
	return Config{
		MaxBlocksPerRequest:  128,
		HeaderBatchLimit:     2_000,
		RequestTimeout:       30 * time.Second,
		StallThreshold:       3,
		IdleGrace:            60 * time.Second,
		OrphanCapacity:       1024,
		PendingQueueCapacity: 4096,
	}
}

type peerInfo struct {
	bestHeight uint64
	lastSeen   time.Time
}

type pendingRequest struct {
	hash      primitives.Hash
	peer      PeerID
	issuedAt  time.Time
}

// Engine is the sync manager.
type Engine struct {
	cfg    Config
	sink   BlockSink
	req    Requester
	valid  HeaderValidator
	stalls *PeerStallTracker

	mu              sync.Mutex
	state           State
	peers           map[PeerID]*peerInfo
	anchor          PeerID
	progress        Progress
	lastAboveTarget time.Time

	orphans     *orphanTable
	downloading map[primitives.Hash]PeerID
	pending     []pendingRequest
	needed      []primitives.Hash
}

// NewEngine constructs an idle Engine.
func NewEngine(sink BlockSink, req Requester, valid HeaderValidator, cfg Config) *Engine {
	if cfg.MaxBlocksPerRequest <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		cfg:         cfg,
		sink:        sink,
		req:         req,
		valid:       valid,
		stalls:      NewPeerStallTracker(cfg.StallThreshold),
		state:       StateIdle,
		peers:       make(map[PeerID]*peerInfo),
		downloading: make(map[primitives.Hash]PeerID),
		orphans:     newOrphanTable(cfg.OrphanCapacity),
	}
}

// Progress returns a snapshot of the current sync state.
func (e *Engine) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.progress
	p.State = e.state
	p.CurrentHeight = e.sink.Height()
	return p
}

// RegisterPeer records a peer's reported best height and, if the manager
// is idle, kicks off the headers phase anchored to whichever peer reports
// the highest height (spec.md §4.9 step 1).
func (e *Engine) RegisterPeer(id PeerID, bestHeight uint64) error {
	e.mu.Lock()
	e.peers[id] = &peerInfo{bestHeight: bestHeight, lastSeen: time.Now()}
	shouldStart := e.state == StateIdle
	e.mu.Unlock()
	if shouldStart {
		return e.startHeadersPhase()
	}
	return nil
}

// UnregisterPeer drops a disconnected peer from all bookkeeping.
func (e *Engine) UnregisterPeer(id PeerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peers, id)
	e.stalls.Forget(id)
	for i := len(e.pending) - 1; i >= 0; i-- {
		if e.pending[i].peer == id {
			e.needed = append(e.needed, e.pending[i].hash)
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
		}
	}
}

func (e *Engine) bestPeerLocked() (PeerID, uint64, bool) {
	var best PeerID
	var bestHeight uint64
	found := false
	for id, info := range e.peers {
		if !found || info.bestHeight > bestHeight {
			best, bestHeight, found = id, info.bestHeight, true
		}
	}
	return best, bestHeight, found
}

func (e *Engine) startHeadersPhase() error {
	e.mu.Lock()
	anchor, target, ok := e.bestPeerLocked()
	if !ok {
		e.mu.Unlock()
		return errors.New("sync: no peers registered")
	}
	e.anchor = anchor
	e.state = StateHeaders
	e.progress = Progress{
		State:         StateHeaders,
		StartHeight:   e.sink.Height(),
		CurrentHeight: e.sink.Height(),
		TargetHeight:  target,
		StartTime:     time.Now(),
	}
	locator := []primitives.Hash{} // always empty: the anchor serves headers from the start of its applied order
	e.mu.Unlock()

	return e.req.SendGetHeaders(anchor, p2p.GetHeadersPayload{Locator: locator})
}

// HandleHeaders validates and appends an unsolicited or requested headers
// batch, transitioning to the blocks phase when a batch is empty or
// shorter than HeaderBatchLimit. The anchor's reported best height is not
// consulted, and a full batch sends no follow-up getheaders request.
func (e *Engine) HandleHeaders(peer PeerID, headers []*chain.Header) error {
	for _, h := range headers {
		if err := e.valid.ValidateHeader(h); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(headers) == 0 {
		if e.state == StateHeaders {
			e.state = StateBlocks
		}
		return nil
	}
	for _, h := range headers {
		hash := h.Hash()
		if e.sink.Has(hash) {
			continue
		}
		e.needed = append(e.needed, hash)
	}
	if info, ok := e.peers[peer]; ok {
		if last := headers[len(headers)-1]; last.Height > info.bestHeight {
			info.bestHeight = last.Height
		}
	}
	if len(headers) < e.cfg.HeaderBatchLimit {
		e.state = StateBlocks
	}
	return nil
}

// HandleInv records an announced object not already known or in flight
// and requests it, idempotently under duplicate announcements (spec.md
// §4.9's inventory handling).
func (e *Engine) HandleInv(peer PeerID, vecs []p2p.InvVector) error {
	var toFetch []p2p.InvVector
	e.mu.Lock()
	for _, v := range vecs {
		if v.Type != p2p.InvTypeBlock {
			continue
		}
		if e.sink.Has(v.Hash) {
			continue
		}
		if _, inFlight := e.downloading[v.Hash]; inFlight {
			continue
		}
		e.downloading[v.Hash] = peer
		toFetch = append(toFetch, v)
	}
	e.mu.Unlock()
	if len(toFetch) == 0 {
		return nil
	}
	return e.req.SendGetData(peer, toFetch)
}

// HandleBlock accepts a downloaded block: if its parents are all known it
// is submitted to the sink and its arrival retries any orphans waiting on
// it; otherwise it is parked in the orphan table.
func (e *Engine) HandleBlock(peer PeerID, b *chain.Block) error {
	e.mu.Lock()
	delete(e.downloading, b.Hash())
	for i, pr := range e.pending {
		if pr.hash == b.Hash() {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			break
		}
	}
	e.stalls.Reset(peer)
	e.mu.Unlock()

	return e.submitRecursive(b, peer)
}

func (e *Engine) submitRecursive(b *chain.Block, peer PeerID) error {
	err := e.sink.SubmitBlock(b)
	var missing *ErrMissingParents
	if errors.As(err, &missing) {
		e.mu.Lock()
		e.orphans.Add(b, peer, missing.Missing)
		e.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.progress.BlocksDownloaded++
	ready := e.orphans.TakeReady(b.Hash())
	e.mu.Unlock()

	for _, orphan := range ready {
		if err := e.submitRecursive(orphan.block, orphan.fromPeer); err != nil {
			return err
		}
	}
	e.checkCaughtUp()
	return nil
}

func (e *Engine) checkCaughtUp() {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, target, ok := e.bestPeerLocked()
	if !ok {
		return
	}
	if e.sink.Height() >= target {
		now := time.Now()
		if e.lastAboveTarget.IsZero() {
			e.lastAboveTarget = now
		}
		if now.Sub(e.lastAboveTarget) >= e.cfg.IdleGrace {
			e.state = StateCaughtUp
		}
	} else {
		e.lastAboveTarget = time.Time{}
	}
}

// Tick drives request partitioning and timeout handling; the node layer
// calls this on a periodic timer while in the blocks phase.
func (e *Engine) Tick(now time.Time) error {
	e.mu.Lock()
	if e.state != StateBlocks && e.state != StateStalled {
		e.mu.Unlock()
		return nil
	}

	var expired []pendingRequest
	remaining := e.pending[:0]
	for _, pr := range e.pending {
		if now.Sub(pr.issuedAt) > e.cfg.RequestTimeout {
			expired = append(expired, pr)
		} else {
			remaining = append(remaining, pr)
		}
	}
	e.pending = remaining
	for _, pr := range expired {
		e.needed = append(e.needed, pr.hash)
		delete(e.downloading, pr.hash)
		e.stalls.RecordStall(pr.peer)
	}

	// StateStalled is absorbing but recoverable (spec.md §4.9): one peer
	// crossing the stall threshold only stalls the whole engine once no
	// ready peer is left to route requests to. As long as one remains,
	// partitionLocked below simply routes around the stalled peer.
	if e.readyPeerCountLocked() > 0 {
		e.state = StateBlocks
	} else {
		e.state = StateStalled
	}

	assignments := e.partitionLocked(now)
	e.mu.Unlock()

	for peer, vecs := range assignments {
		if err := e.req.SendGetData(peer, vecs); err != nil {
			return err
		}
	}
	return nil
}

// readyPeersLocked returns the registered peers whose stall count is still
// under the threshold, i.e. those partitionLocked may assign work to.
// Callers hold e.mu.
func (e *Engine) readyPeersLocked() []PeerID {
	ready := make([]PeerID, 0, len(e.peers))
	for id := range e.peers {
		if e.stalls.Count(id) < e.cfg.StallThreshold {
			ready = append(ready, id)
		}
	}
	return ready
}

// readyPeerCountLocked reports how many registered peers remain under the
// stall threshold. Callers hold e.mu.
func (e *Engine) readyPeerCountLocked() int {
	return len(e.readyPeersLocked())
}

// partitionLocked assigns needed block hashes to ready peers, capped at
// MaxBlocksPerRequest each, and records them as pending. Callers hold e.mu.
func (e *Engine) partitionLocked(now time.Time) map[PeerID][]p2p.InvVector {
	if len(e.needed) == 0 || len(e.peers) == 0 {
		return nil
	}
	ready := e.readyPeersLocked()
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	if len(ready) == 0 {
		return nil
	}

	assignments := make(map[PeerID][]p2p.InvVector)
	var leftover []primitives.Hash
	cursor := 0
	for _, hash := range e.needed {
		assigned := false
		for attempt := 0; attempt < len(ready); attempt++ {
			peer := ready[cursor%len(ready)]
			cursor++
			if len(assignments[peer]) >= e.cfg.MaxBlocksPerRequest {
				continue
			}
			assignments[peer] = append(assignments[peer], p2p.InvVector{Type: p2p.InvTypeBlock, Hash: hash})
			e.pending = append(e.pending, pendingRequest{hash: hash, peer: peer, issuedAt: now})
			e.downloading[hash] = peer
			assigned = true
			break
		}
		if !assigned {
			leftover = append(leftover, hash)
		}
	}
	e.needed = leftover
	return assignments
}
