// Package dag maintains the parent/child block graph and computes its
// PHANTOM-style blue set, blue score, and total order. The DAG holds only
// block hashes, never block objects: ownership of block bytes belongs to
// the block store, and the DAG is a derived view that can be rebuilt from
// it by re-inserting blocks in height order.
package dag

import (
	"sort"
	"sync"

	"montana.dev/node/primitives"
)

// node is the DAG's bookkeeping record for one accepted block.
type node struct {
	parents        []primitives.Hash
	children       map[primitives.Hash]struct{}
	height         uint64
	selectedParent primitives.Hash
	// blueScore is blueScore(selectedParent) + 1 + len(newBlues): the
	// selected parent's score, plus one for this block itself, plus the
	// newly admitted blues. Genesis is the base case at 0, so a block whose
	// only parent is genesis scores 1.
	blueScore uint64
	// newBlues is the subset of this block's merge set (excluding its
	// selected parent) that was colored blue when this block was
	// inserted. Recorded so the total-order walk does not have to
	// recompute the merge set.
	newBlues []primitives.Hash
}

// DAG is the in-memory block graph, single-writer multi-reader guarded by
// an RWMutex as one of the subsystem locks in the concurrency model.
type DAG struct {
	k       int
	genesis primitives.Hash

	mu      sync.RWMutex
	nodes   map[primitives.Hash]*node
	invalid map[primitives.Hash]struct{}
}

// New constructs a DAG seeded with a genesis hash. Genesis is always
// "known", has blue score 0, and an empty blue set; every other block's
// ancestry bottoms out there. k bounds the per-block anti-cone of
// non-blue predecessors (the PHANTOM parameter).
func New(genesis primitives.Hash, k int) *DAG {
	d := &DAG{
		k:       k,
		genesis: genesis,
		nodes:   make(map[primitives.Hash]*node),
		invalid: make(map[primitives.Hash]struct{}),
	}
	d.nodes[genesis] = &node{
		children: make(map[primitives.Hash]struct{}),
	}
	return d
}

// Has reports whether hash is a known DAG member (genesis included).
func (d *DAG) Has(hash primitives.Hash) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.nodes[hash]
	return ok
}

// MarkInvalid records hash as permanently rejected, so a peer re-offering
// the same bytes is refused without re-running validation.
func (d *DAG) MarkInvalid(hash primitives.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invalid[hash] = struct{}{}
}

// IsInvalid reports whether hash was previously marked invalid.
func (d *DAG) IsInvalid(hash primitives.Hash) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.invalid[hash]
	return ok
}

// MissingParents returns which of parents are not yet known to the DAG, in
// the order given. The sync manager's orphan table keys blocks by these.
func (d *DAG) MissingParents(parents []primitives.Hash) []primitives.Hash {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var missing []primitives.Hash
	for _, p := range parents {
		if _, ok := d.nodes[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// Height returns the recorded height of hash, and whether it is known.
func (d *DAG) Height(hash primitives.Hash) (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[hash]
	if !ok {
		return 0, false
	}
	return n.height, true
}

// BlueScore returns the recorded blue score of hash, and whether it is known.
func (d *DAG) BlueScore(hash primitives.Hash) (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[hash]
	if !ok {
		return 0, false
	}
	return n.blueScore, true
}

// Tips returns every block with no children, sorted by hash for
// deterministic iteration.
func (d *DAG) Tips() []primitives.Hash {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var tips []primitives.Hash
	for h, n := range d.nodes {
		if len(n.children) == 0 {
			tips = append(tips, h)
		}
	}
	sort.Slice(tips, func(i, j int) bool { return tips[i].Less(tips[j]) })
	return tips
}

// SelectedTip returns the tip with the maximal blue score, ties broken by
// the lexicographically smallest hash (the chain's "virtual selected tip").
func (d *DAG) SelectedTip() (primitives.Hash, bool) {
	tips := d.Tips()
	if len(tips) == 0 {
		return primitives.Hash{}, false
	}
	best := tips[0]
	bestScore, _ := d.BlueScore(best)
	for _, t := range tips[1:] {
		score, _ := d.BlueScore(t)
		if score > bestScore || (score == bestScore && t.Less(best)) {
			best = t
			bestScore = score
		}
	}
	return best, true
}

// ancestors returns the full ancestor set of hash (not including hash
// itself), computed by BFS over parent edges. Callers hold d.mu.
func (d *DAG) ancestors(hash primitives.Hash) map[primitives.Hash]struct{} {
	seen := make(map[primitives.Hash]struct{})
	queue := []primitives.Hash{hash}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		n, ok := d.nodes[h]
		if !ok {
			continue
		}
		for _, p := range n.parents {
			if _, already := seen[p]; already {
				continue
			}
			seen[p] = struct{}{}
			queue = append(queue, p)
		}
	}
	return seen
}
