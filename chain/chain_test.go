package chain

import (
	"bytes"
	"testing"

	"montana.dev/node/crypto"
	"montana.dev/node/primitives"
)

func TestAccountEncodeDecodeRoundTrip(t *testing.T) {
	a := Account{
		Balance:         42,
		Nonce:           7,
		Score:           0.875,
		HeartbeatCount:  3,
		PrivacyTier:     PrivacyShielded,
		LastHeartbeatMs: 123456789,
	}
	got, err := DecodeAccount(a.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != a {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, a)
	}
}

func TestAccountDecodeRejectsUnknownPrivacyTier(t *testing.T) {
	a := Account{PrivacyTier: PrivacyPublic}
	buf := a.Encode()
	buf[len(buf)-9] = 99 // clobber the privacy tier byte
	if _, err := DecodeAccount(buf); err == nil {
		t.Fatal("expected decode to reject an unknown privacy tier")
	}
}

func TestTransactionHashExcludesSignature(t *testing.T) {
	tx := &Transaction{
		Sender:    primitives.Address{1},
		Recipient: primitives.Address{2},
		Amount:    10,
		Fee:       1,
		Nonce:     0,
		Payload:   []byte("hi"),
		Signature: []byte("sig-a"),
	}
	h1 := tx.Hash()
	tx.Signature = []byte("a-completely-different-signature")
	h2 := tx.Hash()
	if h1 != h2 {
		t.Fatal("transaction hash must not depend on the signature")
	}
}

func TestTransactionEncodeDecodeRoundTrip(t *testing.T) {
	tx := &Transaction{
		Sender:    primitives.Address{1},
		Recipient: primitives.Address{2},
		Amount:    10,
		Fee:       1,
		Nonce:     5,
		Payload:   []byte("payload"),
		Signature: []byte("sig"),
	}
	got, err := DecodeTransaction(tx.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Sender != tx.Sender || got.Amount != tx.Amount || !bytes.Equal(got.Payload, tx.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, tx)
	}
	if got.Hash() != tx.Hash() {
		t.Fatal("round-tripped transaction hash changed")
	}
}

func TestHeartbeatValidateSignatureAndVDF(t *testing.T) {
	provider := crypto.NewDevProvider()
	priv, pub, err := provider.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	input := primitives.SumHash([]byte("vdf-genesis"))
	const iterations = 16
	state := input
	for i := 0; i < iterations; i++ {
		state = primitives.SumHash(state[:])
	}
	proof := append(append([]byte{}, input[:]...), state[:]...)

	hb := &Heartbeat{
		NodeID:               primitives.AddressFromPublicKey(pub),
		PublicKey:            pub,
		PrevHeartbeatHash:    primitives.ZeroHash,
		VDFInput:             input,
		VDFOutput:            state,
		CumulativeIterations: iterations,
		VDFProof:             proof,
	}
	sig, err := provider.Sign(priv, hb.Hash())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	hb.Signature = sig

	if err := hb.Validate(provider, iterations); err != nil {
		t.Fatalf("expected valid heartbeat, got %v", err)
	}

	tampered := *hb
	tampered.CumulativeIterations++
	if err := tampered.Validate(provider, iterations); err == nil {
		t.Fatal("expected tampered heartbeat to fail validation")
	}
}

func TestHeartbeatEncodeDecodeRoundTrip(t *testing.T) {
	hb := &Heartbeat{
		NodeID:               primitives.Address{7},
		PublicKey:            []byte("pubkey"),
		PrevHeartbeatHash:    primitives.Hash{9},
		VDFInput:             primitives.Hash{1},
		VDFOutput:            primitives.Hash{2},
		CumulativeIterations: 1000,
		VDFProof:             []byte("proof"),
		Signature:            []byte("sig"),
	}
	got, err := DecodeHeartbeat(hb.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Hash() != hb.Hash() {
		t.Fatal("round-tripped heartbeat hash changed")
	}
}

func buildTestBlock(t *testing.T, provider crypto.Provider, priv, pub []byte) *Block {
	t.Helper()
	tx := &Transaction{
		Sender:    primitives.Address{1},
		Recipient: primitives.Address{2},
		Amount:    5,
		Fee:       1,
		Nonce:     0,
		Signature: []byte("sig"),
	}
	header := &Header{
		Version:              1,
		ProducerID:           primitives.AddressFromPublicKey(pub),
		Parents:              []primitives.Hash{primitives.ZeroHash},
		Height:               1,
		TimestampMs:          1000,
		VDFOutput:             primitives.Hash{3},
		CumulativeIterations: 16,
		HeartbeatRoot:        HeartbeatMerkleRoot(nil),
		TxRoot:               TransactionMerkleRoot([]*Transaction{tx}),
		StateRoot:            primitives.Hash{4},
	}
	sig, err := provider.Sign(priv, header.SignaturePreimage())
	if err != nil {
		t.Fatalf("sign header: %v", err)
	}
	header.Signature = sig
	return &Block{Header: header, Body: Body{Transactions: []*Transaction{tx}}}
}

func TestBlockEncodeDecodeRoundTrip(t *testing.T) {
	provider := crypto.NewDevProvider()
	priv, pub, err := provider.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	b := buildTestBlock(t, provider, priv, pub)

	got, err := DecodeBlock(b.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Hash() != b.Hash() {
		t.Fatal("round-tripped block hash changed")
	}
	if len(got.Body.Transactions) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(got.Body.Transactions))
	}
}

func TestValidateStructureAcceptsWellFormedBlock(t *testing.T) {
	provider := crypto.NewDevProvider()
	priv, pub, err := provider.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	b := buildTestBlock(t, provider, priv, pub)

	if err := ValidateStructure(b, pub, provider); err != nil {
		t.Fatalf("expected valid block, got %v", err)
	}
}

func TestValidateStructureRejectsEmptyParents(t *testing.T) {
	provider := crypto.NewDevProvider()
	priv, pub, err := provider.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	b := buildTestBlock(t, provider, priv, pub)
	b.Header.Parents = nil

	if err := ValidateStructure(b, pub, provider); err == nil {
		t.Fatal("expected empty parent set to be rejected")
	}
}

func TestValidateStructureRejectsBadMerkleRoot(t *testing.T) {
	provider := crypto.NewDevProvider()
	priv, pub, err := provider.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	b := buildTestBlock(t, provider, priv, pub)
	b.Header.TxRoot = primitives.Hash{99}

	if err := ValidateStructure(b, pub, provider); err == nil {
		t.Fatal("expected tx root mismatch to be rejected")
	}
}

func TestValidateStructureRejectsBadSignature(t *testing.T) {
	provider := crypto.NewDevProvider()
	priv, pub, err := provider.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	b := buildTestBlock(t, provider, priv, pub)
	_, otherPub, err := provider.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	if err := ValidateStructure(b, otherPub, provider); err == nil {
		t.Fatal("expected signature mismatch against a different key to be rejected")
	}
}
