package dag

import (
	"errors"
	"sort"

	"montana.dev/node/primitives"
)

// ErrParentUnknown is returned by AddBlock when a parent has not yet been
// inserted; the caller (sync manager) is expected to hold the block in an
// orphan table keyed by the missing parent and retry on arrival.
var ErrParentUnknown = errors.New("dag: parent unknown")

// ErrAlreadyPresent is returned by AddBlock for a hash already in the DAG.
var ErrAlreadyPresent = errors.New("dag: block already present")

// ErrMarkedInvalid is returned by AddBlock for a hash previously rejected
// via MarkInvalid.
var ErrMarkedInvalid = errors.New("dag: block previously marked invalid")

// AddBlock inserts hash with the given parents, computing its selected
// parent, blue set, and blue score. Parents must already be known (the
// caller resolves ancestry before calling; see MissingParents).
func (d *DAG) AddBlock(hash primitives.Hash, parents []primitives.Hash) error {
	if len(parents) == 0 {
		return errors.New("dag: block has no parents")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.nodes[hash]; ok {
		return ErrAlreadyPresent
	}
	if _, ok := d.invalid[hash]; ok {
		return ErrMarkedInvalid
	}
	for _, p := range parents {
		if _, ok := d.nodes[p]; !ok {
			return ErrParentUnknown
		}
	}

	selectedParent := d.pickSelectedParent(parents)
	sp := d.nodes[selectedParent]

	height := uint64(0)
	for _, p := range parents {
		if h := d.nodes[p].height + 1; h > height {
			height = h
		}
	}

	mergeSet := d.mergeSet(hash, parents, selectedParent)

	var newBlues []primitives.Hash
	for _, c := range mergeSet {
		if len(newBlues) >= d.k {
			break
		}
		newBlues = append(newBlues, c)
	}

	n := &node{
		parents:        append([]primitives.Hash(nil), parents...),
		children:       make(map[primitives.Hash]struct{}),
		height:         height,
		selectedParent: selectedParent,
		blueScore:      sp.blueScore + 1 + uint64(len(newBlues)),
		newBlues:       newBlues,
	}
	d.nodes[hash] = n
	for _, p := range parents {
		d.nodes[p].children[hash] = struct{}{}
	}
	return nil
}

// pickSelectedParent chooses the parent with maximal blue score, ties
// broken by the lexicographically smaller hash. Callers hold d.mu.
func (d *DAG) pickSelectedParent(parents []primitives.Hash) primitives.Hash {
	best := parents[0]
	bestScore := d.nodes[best].blueScore
	for _, p := range parents[1:] {
		score := d.nodes[p].blueScore
		if score > bestScore || (score == bestScore && p.Less(best)) {
			best = p
			bestScore = score
		}
	}
	return best
}

// mergeSet returns the blocks newly introduced by hash's parents other
// than the selected parent: ancestors of any parent that are not the
// selected parent and not already ancestors of it. It is the candidate
// pool from which up to k blocks are colored blue (beyond the inherited
// selected-parent chain), approximating PHANTOM's "anti-cone relative to
// the selected parent" rule. Candidates are ordered by (height, hash) so
// two nodes fed the same block set converge on the same coloring
// regardless of insertion order within a round. Callers hold d.mu.
func (d *DAG) mergeSet(hash primitives.Hash, parents []primitives.Hash, selectedParent primitives.Hash) []primitives.Hash {
	spAncestors := d.ancestors(selectedParent)
	spAncestors[selectedParent] = struct{}{}

	candidates := make(map[primitives.Hash]struct{})
	for _, p := range parents {
		if p == selectedParent {
			continue
		}
		if _, ok := spAncestors[p]; !ok {
			candidates[p] = struct{}{}
		}
		for a := range d.ancestors(p) {
			if _, ok := spAncestors[a]; !ok {
				candidates[a] = struct{}{}
			}
		}
	}

	out := make([]primitives.Hash, 0, len(candidates))
	for c := range candidates {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		hi, hj := d.nodes[out[i]].height, d.nodes[out[j]].height
		if hi != hj {
			return hi < hj
		}
		return out[i].Less(out[j])
	})
	return out
}

// TotalOrder returns the canonical total order of every non-genesis block
// in the DAG: a DFS-preorder walk from tip of the selected-parent chain interleaving
// each block's newly-blued merge-set members, followed by a deterministic
// tail of every red block ordered by (height, hash).
func (d *DAG) TotalOrder(tip primitives.Hash) []primitives.Hash {
	d.mu.RLock()
	defer d.mu.RUnlock()

	blueOrder := d.blueOrder(tip)
	inBlue := make(map[primitives.Hash]struct{}, len(blueOrder))
	for _, h := range blueOrder {
		inBlue[h] = struct{}{}
	}

	var red []primitives.Hash
	for h := range d.nodes {
		if h == d.genesis {
			continue
		}
		if _, ok := inBlue[h]; !ok {
			red = append(red, h)
		}
	}
	sort.Slice(red, func(i, j int) bool {
		hi, hj := d.nodes[red[i]].height, d.nodes[red[j]].height
		if hi != hj {
			return hi < hj
		}
		return red[i].Less(red[j])
	})

	return append(blueOrder, red...)
}

// blueOrder performs the recursive DFS-preorder walk described above,
// bottoming out at genesis. Callers hold d.mu.
func (d *DAG) blueOrder(tip primitives.Hash) []primitives.Hash {
	if tip == d.genesis {
		return nil
	}
	n := d.nodes[tip]
	order := d.blueOrder(n.selectedParent)

	newBlues := append([]primitives.Hash(nil), n.newBlues...)
	sort.Slice(newBlues, func(i, j int) bool { return newBlues[i].Less(newBlues[j]) })
	order = append(order, newBlues...)

	order = append(order, tip)
	return order
}
