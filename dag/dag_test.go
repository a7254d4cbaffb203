package dag

import (
	"testing"

	"montana.dev/node/primitives"
)

func h(b byte) primitives.Hash {
	var out primitives.Hash
	out[0] = b
	return out
}

func TestAddBlockRejectsUnknownParent(t *testing.T) {
	d := New(h(0), 3)
	err := d.AddBlock(h(1), []primitives.Hash{h(99)})
	if err != ErrParentUnknown {
		t.Fatalf("got %v, want ErrParentUnknown", err)
	}
}

func TestAddBlockRejectsDuplicate(t *testing.T) {
	d := New(h(0), 3)
	if err := d.AddBlock(h(1), []primitives.Hash{h(0)}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := d.AddBlock(h(1), []primitives.Hash{h(0)}); err != ErrAlreadyPresent {
		t.Fatalf("got %v, want ErrAlreadyPresent", err)
	}
}

func TestGenesisPlusOneBlock(t *testing.T) {
	d := New(h(0), 3)
	if err := d.AddBlock(h(1), []primitives.Hash{h(0)}); err != nil {
		t.Fatalf("add: %v", err)
	}
	tips := d.Tips()
	if len(tips) != 1 || tips[0] != h(1) {
		t.Fatalf("tips = %v, want [h(1)]", tips)
	}
	score, ok := d.BlueScore(h(1))
	if !ok || score != 1 {
		t.Fatalf("blue score = %d, want 1", score)
	}
}

func TestTwoConcurrentBlocksSameParent(t *testing.T) {
	d := New(h(0), 3)
	// Construct two candidate hashes and let lexicographic order decide
	// which tie-breaks ahead; don't assume which literal byte is smaller.
	a, b := h(1), h(2)
	if err := d.AddBlock(a, []primitives.Hash{h(0)}); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := d.AddBlock(b, []primitives.Hash{h(0)}); err != nil {
		t.Fatalf("add b: %v", err)
	}

	tips := d.Tips()
	if len(tips) != 2 {
		t.Fatalf("tips = %v, want 2 tips", tips)
	}

	smaller, larger := a, b
	if b.Less(a) {
		smaller, larger = b, a
	}

	tip, ok := d.SelectedTip()
	if !ok {
		t.Fatal("expected a selected tip")
	}
	// Both have blue score 1 (no merge-set blues relative to genesis), so
	// the tie-break must pick the lexicographically smaller hash.
	if tip != smaller {
		t.Fatalf("selected tip = %v, want %v (lexicographically smaller)", tip, smaller)
	}
	_ = larger
}

func TestTotalOrderDeterministicAcrossArrivalOrder(t *testing.T) {
	build := func(first, second primitives.Hash) []primitives.Hash {
		d := New(h(0), 3)
		if err := d.AddBlock(first, []primitives.Hash{h(0)}); err != nil {
			t.Fatalf("add first: %v", err)
		}
		if err := d.AddBlock(second, []primitives.Hash{h(0)}); err != nil {
			t.Fatalf("add second: %v", err)
		}
		merged := h(3)
		if err := d.AddBlock(merged, []primitives.Hash{first, second}); err != nil {
			t.Fatalf("add merged: %v", err)
		}
		return d.TotalOrder(merged)
	}

	orderAB := build(h(1), h(2))
	orderBA := build(h(2), h(1))

	if len(orderAB) != len(orderBA) {
		t.Fatalf("order length mismatch: %d vs %d", len(orderAB), len(orderBA))
	}
	for i := range orderAB {
		if orderAB[i] != orderBA[i] {
			t.Fatalf("order differs at %d: %v vs %v", i, orderAB, orderBA)
		}
	}
}

func TestMarkInvalidRefusesReentry(t *testing.T) {
	d := New(h(0), 3)
	d.MarkInvalid(h(1))
	if err := d.AddBlock(h(1), []primitives.Hash{h(0)}); err != ErrMarkedInvalid {
		t.Fatalf("got %v, want ErrMarkedInvalid", err)
	}
}

func TestMissingParents(t *testing.T) {
	d := New(h(0), 3)
	if err := d.AddBlock(h(1), []primitives.Hash{h(0)}); err != nil {
		t.Fatalf("add: %v", err)
	}
	missing := d.MissingParents([]primitives.Hash{h(0), h(1), h(2)})
	if len(missing) != 1 || missing[0] != h(2) {
		t.Fatalf("missing = %v, want [h(2)]", missing)
	}
}
