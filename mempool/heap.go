package mempool

import "sort"

// entryHeap is a container/heap min-heap ordered so that Pop/peek surfaces
// the weakest entry first: lowest fee-per-byte, and among equal fees the
// oldest insertion loses first (it has had its chance to be mined).
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].feePerByte != h[j].feePerByte {
		return h[i].feePerByte < h[j].feePerByte
	}
	return h[i].insertedAt.Before(h[j].insertedAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}

func (h entryHeap) peek() (*entry, bool) {
	if len(h) == 0 {
		return nil, false
	}
	return h[0], true
}

// sortByPriority orders entries for block assembly: highest fee-per-byte
// first, ties broken by earliest insertion, the reverse of the eviction
// heap's ordering.
func sortByPriority(entries []*entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].feePerByte != entries[j].feePerByte {
			return entries[i].feePerByte > entries[j].feePerByte
		}
		return entries[i].insertedAt.Before(entries[j].insertedAt)
	})
}
