package node

import (
	"errors"
	"path/filepath"
	"testing"

	"montana.dev/node/chain"
	"montana.dev/node/crypto"
	"montana.dev/node/dag"
	"montana.dev/node/mempool"
	"montana.dev/node/primitives"
	"montana.dev/node/state"
	"montana.dev/node/store"
	"montana.dev/node/vdf"
)

// newTestChain wires a Chain over a fresh temp-dir store and a DAG seeded
// with genesis, the same collaborators node.New assembles.
func newTestChain(t *testing.T) (*Chain, primitives.Hash) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "chain.db"), 16)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	genesis := genesisHash("devnet")
	d := dag.New(genesis, 3)
	st := state.New()
	mp := mempool.New(mempool.Config{MaxBytes: 1 << 20, MaxCount: 100, MinFee: 0})
	acc := vdf.NewAccumulator(vdf.Thresholds{Weak: 1, Strong: 10, Final: 100})
	provider := crypto.NewDevProvider()

	ch := NewChain(db, d, st, mp, acc, provider, 0, 16, nil)
	return ch, genesis
}

// addParentBlock persists and DAG-inserts a block at the given height and
// cumulative iteration count, parented directly on genesis, returning its
// hash for use as a child's parent.
func addParentBlock(t *testing.T, ch *Chain, genesis primitives.Hash, height, cumulative uint64) primitives.Hash {
	t.Helper()
	h := &chain.Header{
		Version:              1,
		Parents:              []primitives.Hash{genesis},
		Height:               height,
		CumulativeIterations: cumulative,
		HeartbeatRoot:        chain.HeartbeatMerkleRoot(nil),
		TxRoot:               chain.TransactionMerkleRoot(nil),
	}
	b := &chain.Block{Header: h}
	hash := b.Hash()
	if _, err := ch.store.Add(b); err != nil {
		t.Fatalf("persist parent: %v", err)
	}
	if err := ch.dag.AddBlock(hash, h.Parents); err != nil {
		t.Fatalf("dag insert parent: %v", err)
	}
	return hash
}

func childBlock(parent primitives.Hash, height, cumulative uint64) *chain.Block {
	return &chain.Block{Header: &chain.Header{
		Version:              1,
		Parents:              []primitives.Hash{parent},
		Height:               height,
		CumulativeIterations: cumulative,
		HeartbeatRoot:        chain.HeartbeatMerkleRoot(nil),
		TxRoot:               chain.TransactionMerkleRoot(nil),
	}}
}

func TestValidateAgainstParentsRejectsForgedHeight(t *testing.T) {
	ch, genesis := newTestChain(t)
	parent := addParentBlock(t, ch, genesis, 1, 50)

	b := childBlock(parent, 5, 100) // should be 2, not 5
	err := ch.validateAgainstParents(b)
	if err == nil {
		t.Fatal("expected a forged height to be rejected")
	}
	var verr *chain.ValidationError
	if !errors.As(err, &verr) || verr.Code != chain.ErrHeightInvalid {
		t.Fatalf("expected ErrHeightInvalid, got %v", err)
	}
}

func TestValidateAgainstParentsRejectsNonAdvancingVDF(t *testing.T) {
	ch, genesis := newTestChain(t)
	parent := addParentBlock(t, ch, genesis, 1, 50)

	b := childBlock(parent, 2, 50) // must strictly exceed the parent's 50
	err := ch.validateAgainstParents(b)
	if err == nil {
		t.Fatal("expected a non-advancing VDF count to be rejected")
	}
	var verr *chain.ValidationError
	if !errors.As(err, &verr) || verr.Code != chain.ErrVDFNotAdvancing {
		t.Fatalf("expected ErrVDFNotAdvancing, got %v", err)
	}
}

func TestValidateAgainstParentsAcceptsConsistentBlock(t *testing.T) {
	ch, genesis := newTestChain(t)
	parent := addParentBlock(t, ch, genesis, 1, 50)

	b := childBlock(parent, 2, 51)
	if err := ch.validateAgainstParents(b); err != nil {
		t.Fatalf("expected a height- and VDF-consistent block to be accepted, got %v", err)
	}
}

func TestValidateAgainstParentsTreatsGenesisAsZero(t *testing.T) {
	ch, genesis := newTestChain(t)

	b := childBlock(genesis, 1, 1)
	if err := ch.validateAgainstParents(b); err != nil {
		t.Fatalf("expected a block built directly on genesis to be accepted, got %v", err)
	}

	bad := childBlock(genesis, 1, 0)
	if err := ch.validateAgainstParents(bad); err == nil {
		t.Fatal("expected cumulative iterations of 0 over genesis to be rejected")
	}
}
