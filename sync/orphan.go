package sync

import (
	"container/list"

	"montana.dev/node/chain"
	"montana.dev/node/primitives"
)

// orphanEntry is one block waiting on a missing parent, plus its position
// in the LRU eviction list.
type orphanEntry struct {
	block     *chain.Block
	fromPeer  PeerID
	listElem  *list.Element
}

// orphanTable holds blocks whose parents are not yet known, keyed by each
// missing parent hash so that when the parent arrives every dependent
// orphan can be retried (spec.md §4.9 step 4). Capacity-bounded: the
// oldest entry is evicted when full, per spec.md §4.9's backpressure
// rule.
type orphanTable struct {
	capacity int
	byHash   map[primitives.Hash]*orphanEntry
	byParent map[primitives.Hash][]primitives.Hash
	lru      *list.List // front = oldest
}

func newOrphanTable(capacity int) *orphanTable {
	if capacity <= 0 {
		capacity = 1024
	}
	return &orphanTable{
		capacity: capacity,
		byHash:   make(map[primitives.Hash]*orphanEntry),
		byParent: make(map[primitives.Hash][]primitives.Hash),
		lru:      list.New(),
	}
}

// Add records b as orphaned on missingParents, evicting the oldest entry
// first if the table is at capacity.
func (t *orphanTable) Add(b *chain.Block, from PeerID, missingParents []primitives.Hash) {
	hash := b.Hash()
	if _, exists := t.byHash[hash]; exists {
		return
	}
	for len(t.byHash) >= t.capacity {
		t.evictOldest()
	}
	elem := t.lru.PushBack(hash)
	t.byHash[hash] = &orphanEntry{block: b, fromPeer: from, listElem: elem}
	for _, p := range missingParents {
		t.byParent[p] = append(t.byParent[p], hash)
	}
}

func (t *orphanTable) evictOldest() {
	front := t.lru.Front()
	if front == nil {
		return
	}
	hash := front.Value.(primitives.Hash)
	t.lru.Remove(front)
	delete(t.byHash, hash)
	for parent, deps := range t.byParent {
		filtered := deps[:0]
		for _, d := range deps {
			if d != hash {
				filtered = append(filtered, d)
			}
		}
		if len(filtered) == 0 {
			delete(t.byParent, parent)
		} else {
			t.byParent[parent] = filtered
		}
	}
}

// TakeReady pops and returns every orphan that was waiting on parent,
// removing them from the table. The caller re-checks each for any
// remaining missing parents before retrying.
func (t *orphanTable) TakeReady(parent primitives.Hash) []*orphanEntry {
	hashes := t.byParent[parent]
	delete(t.byParent, parent)
	out := make([]*orphanEntry, 0, len(hashes))
	for _, h := range hashes {
		entry, ok := t.byHash[h]
		if !ok {
			continue
		}
		delete(t.byHash, h)
		t.lru.Remove(entry.listElem)
		out = append(out, entry)
	}
	return out
}

// Len reports how many blocks are currently orphaned.
func (t *orphanTable) Len() int { return len(t.byHash) }
