package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"montana.dev/node/chain"
	"montana.dev/node/crypto"
	"montana.dev/node/eligibility"
	"montana.dev/node/mempool"
	"montana.dev/node/primitives"
	"montana.dev/node/vdf"
)

// Identity is the producer's signing identity: the address other nodes
// know it by, its public key, and the opaque private key handle the
// configured crypto.Provider signs and evaluates VRFs with.
type Identity struct {
	NodeID     primitives.Address
	PublicKey  []byte
	PrivateKey []byte
}

// ParentSource is the narrow DAG read surface the producer needs to pick a
// parent set and compute the next height, decoupling it from *dag.DAG.
type ParentSource interface {
	Tips() []primitives.Hash
	Height(hash primitives.Hash) (uint64, bool)
}

// StateView is the narrow state read surface the producer needs: the
// mempool's account view, plus the trial-application preview *state.State
// exposes. Satisfied directly by *state.State.
type StateView interface {
	mempool.AccountView
	Preview(producerID primitives.Address, timestampMs uint64, heartbeats []*chain.Heartbeat, txs []*chain.Transaction, provider chain.Provider, minFee uint64, checkpointIterations uint64) (primitives.Hash, uint64, error)
}

// TxSource is the narrow mempool read surface the producer needs.
type TxSource interface {
	SelectForBlock(max int, view mempool.AccountView) []*chain.Transaction
}

// Submitter accepts a fully built block for ingestion: store, DAG, state
// application, mempool eviction, and accumulator bookkeeping all happen on
// this one path, shared with blocks arriving from sync, so a locally
// produced block is validated exactly like any other (spec.md §9's
// "explicit collaborators", no special-cased local-trust shortcut).
type Submitter interface {
	SubmitBlock(b *chain.Block) error
}

// ProducerConfig bounds block assembly. Grounded on node/miner.go
// (teacher)'s MinerConfig, generalized from a PoW target to the
// eligibility/DAG/mempool knobs spec.md §4.5 names.
type ProducerConfig struct {
	Identity              Identity
	MaxParents            int
	MaxHeartbeatsPerBlock int
	MaxTxPerBlock         int
	MinFee                uint64
	BaseProbability       float64
	CheckpointIterations  uint64
	Now                   func() time.Time
}

// Producer assembles and signs new blocks whenever the local node's VRF
// output over the latest VDF checkpoint clears the eligibility filter.
// Grounded on node/miner.go (teacher): the same Config/New*/MineOne shape,
// with nonce search replaced by the VRF gate and multi-parent DAG tip
// selection per spec.md §4.5.
type Producer struct {
	cfg      ProducerConfig
	provider crypto.Provider
	parents  ParentSource
	state    StateView
	mempool  TxSource
	vdf      *vdf.Engine
	submit   Submitter
	log      *zap.SugaredLogger
	genesis  primitives.Hash

	mu                sync.Mutex
	pendingHeartbeats []*chain.Heartbeat
}

// NewProducer constructs a Producer. genesis is the DAG's genesis hash,
// used as the sole parent when the DAG has no tips yet.
func NewProducer(cfg ProducerConfig, provider crypto.Provider, parents ParentSource, st StateView, mp TxSource, engine *vdf.Engine, submit Submitter, genesis primitives.Hash, log *zap.SugaredLogger) *Producer {
	if cfg.MaxParents <= 0 {
		cfg.MaxParents = 8
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Producer{
		cfg:      cfg,
		provider: provider,
		parents:  parents,
		state:    st,
		mempool:  mp,
		vdf:      engine,
		submit:   submit,
		genesis:  genesis,
		log:      log,
	}
}

// EnqueueHeartbeat records a freshly signed heartbeat (ours or not — the
// scheduler only enqueues our own, but the type accepts any) for inclusion
// in the next locally produced block. Heartbeats are consumed oldest
// first and in FIFO order per spec.md §4.5 step 3.
func (p *Producer) EnqueueHeartbeat(hb *chain.Heartbeat) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingHeartbeats = append(p.pendingHeartbeats, hb)
}

// Run attaches to the VDF engine's checkpoint stream and attempts
// production once per checkpoint, for as long as ready reports true. It
// returns when ctx is cancelled.
func (p *Producer) Run(ctx context.Context, ready func() bool) error {
	ch := p.vdf.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cp, ok := <-ch:
			if !ok {
				return nil
			}
			if ready != nil && !ready() {
				continue
			}
			if _, err := p.ProduceOnce(cp); err != nil {
				p.log.Warnw("block production attempt failed", "error", err)
			}
		}
	}
}

// ProduceOnce attempts one round of production against cp, the latest
// observed VDF checkpoint. It returns (nil, nil) when the eligibility
// filter rejects the round: that is the expected common case, not an
// error.
func (p *Producer) ProduceOnce(cp vdf.Checkpoint) (*chain.Block, error) {
	vrfOutput, _, err := p.provider.EvaluateVRF(p.cfg.Identity.PrivateKey, vrfInput(p.cfg.Identity.NodeID, cp.Output))
	if err != nil {
		return nil, fmt.Errorf("producer: evaluate vrf: %w", err)
	}
	acct, _ := p.state.Account(p.cfg.Identity.NodeID)
	if !eligibility.Eligible(vrfOutput, acct.Score, p.cfg.BaseProbability) {
		return nil, nil
	}

	parents := p.selectParents()
	height, err := p.nextHeight(parents)
	if err != nil {
		return nil, err
	}
	heartbeats := p.drainHeartbeats(p.cfg.MaxHeartbeatsPerBlock)
	txs := p.mempool.SelectForBlock(p.cfg.MaxTxPerBlock, p.state)

	timestampMs := uint64(p.cfg.Now().UnixMilli())
	stateRoot, _, err := p.state.Preview(p.cfg.Identity.NodeID, timestampMs, heartbeats, txs, p.provider, p.cfg.MinFee, p.cfg.CheckpointIterations)
	if err != nil {
		return nil, fmt.Errorf("producer: preview application: %w", err)
	}

	header := &chain.Header{
		Version:              1,
		ProducerID:           p.cfg.Identity.NodeID,
		Parents:              parents,
		Height:               height,
		TimestampMs:          timestampMs,
		VDFOutput:            cp.Output,
		CumulativeIterations: cp.CumulativeIterations,
		HeartbeatRoot:        chain.HeartbeatMerkleRoot(heartbeats),
		TxRoot:               chain.TransactionMerkleRoot(txs),
		StateRoot:            stateRoot,
	}
	sig, err := p.provider.Sign(p.cfg.Identity.PrivateKey, header.SignaturePreimage())
	if err != nil {
		return nil, fmt.Errorf("producer: sign header: %w", err)
	}
	header.Signature = sig

	block := &chain.Block{Header: header, Body: chain.Body{Heartbeats: heartbeats, Transactions: txs}}
	if err := p.submit.SubmitBlock(block); err != nil {
		p.restoreHeartbeats(heartbeats)
		return nil, fmt.Errorf("producer: submit block: %w", err)
	}
	p.log.Infow("produced block", "height", height, "hash", block.Hash(), "heartbeats", len(heartbeats), "txs", len(txs))
	return block, nil
}

// selectParents returns the DAG's current tips, capped at MaxParents
// (deterministic truncation: tips are already hash-sorted by the DAG), or
// the genesis hash alone on a fresh chain.
func (p *Producer) selectParents() []primitives.Hash {
	tips := p.parents.Tips()
	if len(tips) == 0 {
		return []primitives.Hash{p.genesis}
	}
	if len(tips) > p.cfg.MaxParents {
		tips = tips[:p.cfg.MaxParents]
	}
	return tips
}

func (p *Producer) nextHeight(parents []primitives.Hash) (uint64, error) {
	var height uint64
	for _, parent := range parents {
		h, ok := p.parents.Height(parent)
		if !ok {
			return 0, fmt.Errorf("producer: parent %x has no recorded height", parent)
		}
		if h+1 > height {
			height = h + 1
		}
	}
	return height, nil
}

// drainHeartbeats pops up to max pending heartbeats, oldest first.
func (p *Producer) drainHeartbeats(max int) []*chain.Heartbeat {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.pendingHeartbeats)
	if n > max {
		n = max
	}
	out := append([]*chain.Heartbeat(nil), p.pendingHeartbeats[:n]...)
	p.pendingHeartbeats = p.pendingHeartbeats[n:]
	return out
}

// restoreHeartbeats puts heartbeats back at the front of the queue after a
// failed submission, so a transient failure does not drop them.
func (p *Producer) restoreHeartbeats(heartbeats []*chain.Heartbeat) {
	if len(heartbeats) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingHeartbeats = append(append([]*chain.Heartbeat(nil), heartbeats...), p.pendingHeartbeats...)
}

// vrfInput builds the deterministic VRF input for one production round:
// the node's identity bound to the latest VDF output, so the result cannot
// be replayed across rounds or grinded across identities.
func vrfInput(nodeID primitives.Address, vdfOutput primitives.Hash) []byte {
	w := primitives.NewWriter(primitives.AddressSize + primitives.HashSize)
	w.PutAddress(nodeID)
	w.PutHash(vdfOutput)
	return w.Bytes()
}
