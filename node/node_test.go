package node

import (
	"path/filepath"
	"testing"

	"montana.dev/node/crypto"
	"montana.dev/node/primitives"
)

func testIdentity(t *testing.T) Identity {
	t.Helper()
	provider := crypto.NewDevProvider()
	priv, pub, err := provider.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return Identity{
		NodeID:     primitives.AddressFromPublicKey(pub),
		PublicKey:  pub,
		PrivateKey: priv,
	}
}

func TestNewBootstrapsAnEmptyStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.BindAddr = "127.0.0.1:0"

	n, err := New(cfg, testIdentity(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	if got := n.Height(); got != 0 {
		t.Fatalf("height on a fresh store = %d, want 0", got)
	}
	if got := n.PeerCount(); got != 0 {
		t.Fatalf("peer count on a fresh node = %d, want 0", got)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.BindAddr = "not-an-address"

	if _, err := New(cfg, testIdentity(t), nil); err == nil {
		t.Fatal("expected New to reject an invalid bind address")
	}
}

func TestGenesisHashIsStablePerNetwork(t *testing.T) {
	a := genesisHash("devnet")
	b := genesisHash("devnet")
	c := genesisHash("testnet")
	if a != b {
		t.Fatal("genesisHash is not deterministic for the same network")
	}
	if a == c {
		t.Fatal("genesisHash must differ across networks")
	}
}

func TestNormalizePeersDedupsAndTrims(t *testing.T) {
	got := NormalizePeers("a:1, b:2", "b:2", "", "c:3")
	want := []string{"a:1", "b:2", "c:3"}
	if len(got) != len(want) {
		t.Fatalf("NormalizePeers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("NormalizePeers = %v, want %v", got, want)
		}
	}
}

func TestDataDirJoinsIdentityFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.key")
	if filepath.Dir(path) != dir {
		t.Fatalf("identity path %q not under data dir %q", path, dir)
	}
}
