package node

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"montana.dev/node/chain"
	"montana.dev/node/crypto"
	"montana.dev/node/dag"
	"montana.dev/node/mempool"
	"montana.dev/node/primitives"
	"montana.dev/node/state"
	"montana.dev/node/store"
	syncmgr "montana.dev/node/sync"
	"montana.dev/node/vdf"
)

// Chain is the single ingestion path for every block this node accepts,
// whether produced locally (via Producer) or received from a peer (via
// sync.Engine): structural validation, DAG insertion, total-order
// reconciliation, state application, mempool eviction, and VDF-accumulator
// finality bookkeeping all happen here, so a locally produced block is
// never special-cased past any other (spec.md §9). It implements both
// sync.BlockSink and node.Submitter, which share the same shape.
//
// Reorg handling follows spec.md §4.6/§4.7 literally: the DAG exposes a
// boundary below which order is stable (by convention, blocks with
// finality >= strong); if a newly computed total order diverges from the
// currently applied one above that boundary, state rolls back to a
// snapshot taken at the boundary and replays the new order forward.
type Chain struct {
	mu sync.Mutex

	store       *store.DB
	dag         *dag.DAG
	state       *state.State
	mempool     *mempool.Mempool
	accumulator *vdf.Accumulator
	provider    crypto.Provider

	minFee               uint64
	checkpointIterations uint64

	appliedOrder       []primitives.Hash
	boundaryIdx        int
	boundaryCheckpoint state.Checkpoint

	log *zap.SugaredLogger
}

// NewChain constructs a Chain over already-open collaborators. genesis is
// the DAG's genesis sentinel hash.
func NewChain(db *store.DB, dagG *dag.DAG, st *state.State, mp *mempool.Mempool, acc *vdf.Accumulator, provider crypto.Provider, minFee, checkpointIterations uint64, log *zap.SugaredLogger) *Chain {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Chain{
		store:                db,
		dag:                  dagG,
		state:                st,
		mempool:              mp,
		accumulator:          acc,
		provider:             provider,
		minFee:               minFee,
		checkpointIterations: checkpointIterations,
		boundaryCheckpoint:   st.Checkpoint(),
		log:                  log,
	}
}

// Has reports whether hash is already a known DAG member.
func (c *Chain) Has(hash primitives.Hash) bool {
	return c.dag.Has(hash)
}

// Height returns the height of the currently applied canonical tip, or 0
// if no block has been applied yet.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.appliedOrder) == 0 {
		return 0
	}
	h, _ := c.dag.Height(c.appliedOrder[len(c.appliedOrder)-1])
	return h
}

// SubmitBlock validates, stores, and inserts b, then reconciles the DAG's
// current total order against applied state. It returns *sync.ErrMissingParents
// when a parent is not yet known, the signal the sync manager's orphan
// table watches for.
func (c *Chain) SubmitBlock(b *chain.Block) error {
	hash := b.Hash()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dag.Has(hash) {
		return nil
	}
	if missing := c.dag.MissingParents(b.Header.Parents); len(missing) > 0 {
		return &syncmgr.ErrMissingParents{Missing: missing}
	}

	producerKey, ok := c.state.ResolveProducerKey(b)
	if !ok {
		return fmt.Errorf("chain: producer public key unknown for block %x", hash)
	}
	if err := chain.ValidateStructure(b, producerKey, c.provider); err != nil {
		c.dag.MarkInvalid(hash)
		return err
	}
	if err := c.validateAgainstParents(b); err != nil {
		c.dag.MarkInvalid(hash)
		return err
	}

	if _, err := c.store.Add(b); err != nil {
		return fmt.Errorf("chain: persist block: %w", err)
	}
	if err := c.dag.AddBlock(hash, b.Header.Parents); err != nil {
		return fmt.Errorf("chain: dag insert: %w", err)
	}

	tip, ok := c.dag.SelectedTip()
	if !ok {
		return fmt.Errorf("chain: dag has no selected tip after insertion")
	}
	return c.reconcileOrder(c.dag.TotalOrder(tip))
}

// validateAgainstParents checks the two Block invariants from spec.md §3
// that ValidateStructure deliberately leaves to the caller (see its doc
// comment): height must be exactly one more than the tallest parent, and
// CumulativeIterations must strictly exceed the largest among the
// parents' CumulativeIterations, so a
// block can never forge a height or fail to advance the VDF chain it
// claims to extend. Callers hold c.mu and have already confirmed every
// parent is known to the DAG.
func (c *Chain) validateAgainstParents(b *chain.Block) error {
	var maxParentHeight uint64
	var maxParentCumulative uint64
	for i, p := range b.Header.Parents {
		height, ok := c.dag.Height(p)
		if !ok {
			return fmt.Errorf("chain: parent %x height unknown", p)
		}
		if i == 0 || height > maxParentHeight {
			maxParentHeight = height
		}
		cumulative := c.parentCumulativeIterations(p)
		if i == 0 || cumulative > maxParentCumulative {
			maxParentCumulative = cumulative
		}
	}

	if b.Header.Height != maxParentHeight+1 {
		return &chain.ValidationError{
			Code: chain.ErrHeightInvalid,
			Msg:  fmt.Sprintf("height %d, want %d (1 + max parent height %d)", b.Header.Height, maxParentHeight+1, maxParentHeight),
		}
	}
	if b.Header.CumulativeIterations <= maxParentCumulative {
		return &chain.ValidationError{
			Code: chain.ErrVDFNotAdvancing,
			Msg:  fmt.Sprintf("cumulative iterations %d does not exceed max parent %d", b.Header.CumulativeIterations, maxParentCumulative),
		}
	}
	return nil
}

// parentCumulativeIterations returns the VDF cumulative iteration count
// recorded at parent, treating the DAG genesis sentinel — which has a DAG
// node but no stored Header — as zero.
func (c *Chain) parentCumulativeIterations(parent primitives.Hash) uint64 {
	header, ok, err := c.store.GetHeader(parent)
	if err != nil || !ok {
		return 0
	}
	return header.CumulativeIterations
}

// reconcileOrder brings applied state in line with newOrder, the DAG's
// current total order, per spec.md §4.6's reorg rule.
func (c *Chain) reconcileOrder(newOrder []primitives.Hash) error {
	commonLen := commonPrefixLen(c.appliedOrder, newOrder)
	if commonLen < c.boundaryIdx {
		return fmt.Errorf("chain: dag revised order below the stable finality boundary (common=%d boundary=%d)", commonLen, c.boundaryIdx)
	}
	if commonLen == len(c.appliedOrder) && commonLen == len(newOrder) {
		return nil
	}
	if commonLen < len(c.appliedOrder) {
		c.log.Warnw("dag reorg below current tip, rolling back to stable boundary",
			"common", commonLen, "boundary", c.boundaryIdx, "previous_len", len(c.appliedOrder), "new_len", len(newOrder))
		c.state.Restore(c.boundaryCheckpoint)
		return c.applyRange(newOrder, c.boundaryIdx)
	}
	return c.applyRange(newOrder, commonLen)
}

// applyRange applies newOrder[from:] in sequence, advancing the stable
// boundary whenever a newly applied block's accumulator finality reaches
// strong. State is assumed to already reflect newOrder[:from].
func (c *Chain) applyRange(newOrder []primitives.Hash, from int) error {
	for i := from; i < len(newOrder); i++ {
		hash := newOrder[i]
		b, ok, err := c.store.Get(hash)
		if err != nil {
			return fmt.Errorf("chain: load block %x: %w", hash, err)
		}
		if !ok {
			return fmt.Errorf("chain: block %x missing from store during replay", hash)
		}
		if _, err := c.state.Apply(b, c.provider, c.minFee, c.checkpointIterations); err != nil {
			return fmt.Errorf("chain: apply %x at position %d: %w", hash, i, err)
		}
		c.mempool.ApplyBlock(b)

		finality := c.accumulator.Observe(hash, b.Header.CumulativeIterations)
		if finality >= vdf.FinalityStrong && i+1 > c.boundaryIdx {
			c.boundaryIdx = i + 1
			c.boundaryCheckpoint = c.state.Checkpoint()
		}
	}
	c.appliedOrder = newOrder
	if len(newOrder) == 0 {
		return nil
	}
	return c.store.SetBestBlockHash(newOrder[len(newOrder)-1])
}

// Bootstrap rebuilds the in-memory DAG and replays state from whatever
// the block store already holds, per spec.md §9's cycle-breaking note:
// "the DAG is an in-memory derived view rebuilt from the store on
// start-up by iterating blocks in height order." It is a no-op on an
// empty store. Callers must invoke this once, before accepting any new
// blocks.
func (c *Chain) Bootstrap() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	maxHeight, err := c.store.Height()
	if err != nil {
		return fmt.Errorf("chain: bootstrap: read store height: %w", err)
	}
	for h := uint64(1); h <= maxHeight; h++ {
		hashes, err := c.store.AtHeight(h)
		if err != nil {
			return fmt.Errorf("chain: bootstrap: height %d index: %w", h, err)
		}
		for _, hash := range hashes {
			if c.dag.Has(hash) {
				continue
			}
			b, ok, err := c.store.Get(hash)
			if err != nil {
				return fmt.Errorf("chain: bootstrap: load block %x: %w", hash, err)
			}
			if !ok {
				continue
			}
			if err := c.dag.AddBlock(hash, b.Header.Parents); err != nil {
				return fmt.Errorf("chain: bootstrap: dag insert %x at height %d: %w", hash, h, err)
			}
		}
	}

	tip, ok := c.dag.SelectedTip()
	if !ok {
		return nil
	}
	return c.applyRange(c.dag.TotalOrder(tip), 0)
}

// Locator returns a sparse back-reference list into the applied total
// order, most-recent first, at exponentially widening steps — the
// standard getheaders locator shape, so a peer with a divergent tail can
// still find a common ancestor in O(log n) round trips instead of
// rejecting the request outright. Genesis is never an entry (it is not
// part of the applied order), and the widening steps may skip the oldest
// applied block; Headers serves from the beginning when no entry matches.
func (c *Chain) Locator() []primitives.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []primitives.Hash
	step := 1
	for i := len(c.appliedOrder) - 1; i >= 0; i -= step {
		out = append(out, c.appliedOrder[i])
		if len(out) >= 10 {
			step *= 2
		}
	}
	return out
}

// Headers returns up to limit headers from the applied total order,
// starting immediately after the first locator entry it recognizes (or
// from the beginning, if none match), and stopping at stop if it is
// reached before limit is exhausted. Implements sync's getheaders side of
// the p2p.PeerHandler.OnGetHeaders contract.
func (c *Chain) Headers(locator []primitives.Hash, stop primitives.Hash, limit int) ([]*chain.Header, error) {
	c.mu.Lock()
	order := append([]primitives.Hash(nil), c.appliedOrder...)
	c.mu.Unlock()

	start := 0
	for _, want := range locator {
		for i, have := range order {
			if have == want {
				start = i + 1
				goto found
			}
		}
	}
found:
	headers := make([]*chain.Header, 0, limit)
	for i := start; i < len(order) && len(headers) < limit; i++ {
		hash := order[i]
		h, ok, err := c.store.GetHeader(hash)
		if err != nil {
			return nil, fmt.Errorf("chain: load header %x: %w", hash, err)
		}
		if !ok {
			return nil, fmt.Errorf("chain: header %x missing from store", hash)
		}
		headers = append(headers, h)
		if hash == stop {
			break
		}
	}
	return headers, nil
}

func commonPrefixLen(a, b []primitives.Hash) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
