package store

import (
	"path/filepath"
	"testing"

	"montana.dev/node/chain"
	"montana.dev/node/crypto"
	"montana.dev/node/primitives"
)

func buildBlock(t *testing.T, provider crypto.Provider, priv, pub []byte, height uint64, parents []primitives.Hash) *chain.Block {
	t.Helper()
	header := &chain.Header{
		Version:              1,
		ProducerID:           primitives.AddressFromPublicKey(pub),
		Parents:              parents,
		Height:               height,
		TimestampMs:          1000 * height,
		VDFOutput:            primitives.Hash{byte(height)},
		CumulativeIterations: 16 * height,
		HeartbeatRoot:        chain.HeartbeatMerkleRoot(nil),
		TxRoot:               chain.TransactionMerkleRoot(nil),
		StateRoot:            primitives.Hash{99},
	}
	sig, err := provider.Sign(priv, header.SignaturePreimage())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	header.Signature = sig
	return &chain.Block{Header: header}
}

func TestAddIsIdempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "kv.db"), 8)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	provider := crypto.NewDevProvider()
	priv, pub, _ := provider.GenerateKey()
	b := buildBlock(t, provider, priv, pub, 1, []primitives.Hash{primitives.ZeroHash})

	ok, err := db.Add(b)
	if err != nil || !ok {
		t.Fatalf("first add: ok=%v err=%v", ok, err)
	}
	ok, err = db.Add(b)
	if err != nil || ok {
		t.Fatalf("second add should report false, got ok=%v err=%v", ok, err)
	}
}

func TestGetRoundTripsAndCaches(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "kv.db"), 8)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	provider := crypto.NewDevProvider()
	priv, pub, _ := provider.GenerateKey()
	b := buildBlock(t, provider, priv, pub, 1, []primitives.Hash{primitives.ZeroHash})
	if _, err := db.Add(b); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, ok, err := db.Get(b.Hash())
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Hash() != b.Hash() {
		t.Fatal("round-tripped block hash changed")
	}
}

func TestHeightAndParentChildIndices(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "kv.db"), 8)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	provider := crypto.NewDevProvider()
	priv, pub, _ := provider.GenerateKey()
	genesis := primitives.ZeroHash
	b1 := buildBlock(t, provider, priv, pub, 1, []primitives.Hash{genesis})
	if _, err := db.Add(b1); err != nil {
		t.Fatalf("add b1: %v", err)
	}
	b2 := buildBlock(t, provider, priv, pub, 2, []primitives.Hash{b1.Hash()})
	if _, err := db.Add(b2); err != nil {
		t.Fatalf("add b2: %v", err)
	}

	height, err := db.Height()
	if err != nil || height != 2 {
		t.Fatalf("expected height 2, got %d (err=%v)", height, err)
	}

	atOne, err := db.AtHeight(1)
	if err != nil || len(atOne) != 1 || atOne[0] != b1.Hash() {
		t.Fatalf("AtHeight(1) = %v, err=%v", atOne, err)
	}

	children, err := db.Children(b1.Hash())
	if err != nil || len(children) != 1 || children[0] != b2.Hash() {
		t.Fatalf("Children(b1) = %v, err=%v", children, err)
	}
}

func TestBestBlockHashMarker(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "kv.db"), 8)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if _, ok, err := db.BestBlockHash(); err != nil || ok {
		t.Fatalf("expected no marker initially, ok=%v err=%v", ok, err)
	}
	want := primitives.Hash{1, 2, 3}
	if err := db.SetBestBlockHash(want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := db.BestBlockHash()
	if err != nil || !ok || got != want {
		t.Fatalf("got=%v ok=%v err=%v, want=%v", got, ok, err, want)
	}
}

func TestAccumulatorSnapshotRoundTrip(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "kv.db"), 8)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	snap := map[primitives.Hash]AccumulatorEntry{
		{1}: {Iterations: 100, Finality: 2},
		{2}: {Iterations: 9000, Finality: 3},
	}
	if err := db.SaveAccumulatorSnapshot(snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := db.LoadAccumulatorSnapshot()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != len(snap) {
		t.Fatalf("got %d entries, want %d", len(got), len(snap))
	}
	for h, e := range snap {
		if got[h] != e {
			t.Fatalf("entry %v: got %+v, want %+v", h, got[h], e)
		}
	}
}
