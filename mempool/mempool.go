// Package mempool implements the bounded, fee-ordered transaction pool:
// admission checks (signature, fee floor, affordability, nonce,
// double-spend guard), fee-per-byte eviction under pressure, and removal
// on block application. There is no direct teacher analogue (the
// retrieved teacher slice is UTXO-based and carries no mempool); this is
// grounded on spec.md §4.10 directly and on the rest of the corpus's
// idiomatic choice of container/heap for priority-queue eviction (e.g.
// block-assembly-shaped services elsewhere in the retrieved examples).
package mempool

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"montana.dev/node/chain"
	"montana.dev/node/crypto"
	"montana.dev/node/primitives"
)

// AccountView is the narrow read surface the mempool needs from the state
// machine: current balance/nonce and the sender's known public key. This
// keeps mempool decoupled from the state package's concrete type, per
// spec.md §9's "explicit collaborators" design note.
type AccountView interface {
	Account(addr primitives.Address) (chain.Account, bool)
	PublicKey(addr primitives.Address) ([]byte, bool)
}

// Config bounds the pool and sets its fee floor.
type Config struct {
	MaxBytes int
	MaxCount int
	MinFee   uint64
}

// DefaultConfig returns sane devnet defaults.
func DefaultConfig() Config {
	return Config{
		MaxBytes: 32 << 20,
		MaxCount: 50_000,
		MinFee:   1,
	}
}

type txKey struct {
	sender primitives.Address
	nonce  uint64
}

// entry is one pooled transaction, grounded on spec.md §3's Mempool entry
// tuple (transaction, insertion time, fee per byte).
type entry struct {
	tx           *chain.Transaction
	insertedAt   time.Time
	feePerByte   float64
	encodedBytes int
	heapIndex    int
}

// Mempool is the bounded, many-writer transaction pool. Internally
// single-locked (sync.Mutex), matching spec.md §5's "many-writer (from RPC
// and from peer transaction relay) with an internal lock" resource policy.
type Mempool struct {
	cfg Config

	mu         sync.Mutex
	byKey      map[txKey]*entry
	order      entryHeap // min-heap by (feePerByte asc, insertedAt asc) so Peek gives the eviction candidate
	totalBytes int
}

// New constructs an empty Mempool.
func New(cfg Config) *Mempool {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultConfig().MaxBytes
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = DefaultConfig().MaxCount
	}
	return &Mempool{
		cfg:   cfg,
		byKey: make(map[txKey]*entry),
	}
}

// Len returns the number of pooled transactions.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

// Add admits tx into the pool, or rejects it per spec.md §4.10: signature
// must verify, fee must meet the floor, the sender must be able to afford
// it at its declared nonce, and it must not duplicate a same-(sender,
// nonce) pending entry at an equal or higher fee. If the pool is full, the
// lowest-fee-per-byte entry is evicted unless it dominates the incoming
// transaction on fee.
func (m *Mempool) Add(tx *chain.Transaction, provider crypto.Provider, view AccountView) error {
	if tx == nil {
		return errors.New("mempool: nil transaction")
	}
	if tx.Fee < m.cfg.MinFee {
		return errors.New("mempool: fee below minimum")
	}
	pubKey, ok := view.PublicKey(tx.Sender)
	if !ok {
		return errors.New("mempool: sender public key unknown")
	}
	if !provider.Verify(pubKey, tx.Hash(), tx.Signature) {
		return errors.New("mempool: signature does not verify")
	}
	account, _ := view.Account(tx.Sender)
	if tx.Nonce != account.Nonce {
		return errors.New("mempool: nonce does not match account state")
	}
	total := tx.Amount + tx.Fee
	if account.Balance < total {
		return errors.New("mempool: sender cannot afford amount+fee at declared nonce")
	}

	encoded := tx.Encode()
	feePerByte := float64(tx.Fee) / float64(maxInt(1, len(encoded)))
	key := txKey{sender: tx.Sender, nonce: tx.Nonce}
	e := &entry{tx: tx, insertedAt: timeNow(), feePerByte: feePerByte, encodedBytes: len(encoded)}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byKey[key]; ok {
		if existing.feePerByte >= feePerByte {
			return errors.New("mempool: duplicate (sender, nonce) at equal or higher fee already pending")
		}
		m.removeLocked(key)
	}

	for len(m.byKey) >= m.cfg.MaxCount || m.totalBytes+len(encoded) > m.cfg.MaxBytes {
		lowest, ok := m.order.peek()
		if !ok {
			break
		}
		if lowest.feePerByte >= feePerByte {
			return errors.New("mempool: pool full and incoming transaction does not dominate the lowest-fee entry")
		}
		m.removeLocked(txKey{sender: lowest.tx.Sender, nonce: lowest.tx.Nonce})
	}

	m.byKey[key] = e
	heap.Push(&m.order, e)
	m.totalBytes += len(encoded)
	return nil
}

func (m *Mempool) removeLocked(key txKey) {
	e, ok := m.byKey[key]
	if !ok {
		return
	}
	delete(m.byKey, key)
	heap.Remove(&m.order, e.heapIndex)
	m.totalBytes -= e.encodedBytes
}

// Remove drops the pending entry for (sender, nonce), if any.
func (m *Mempool) Remove(sender primitives.Address, nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(txKey{sender: sender, nonce: nonce})
}

// SelectForBlock returns up to max pending transactions in
// fee-per-byte-descending, insertion-time-ascending order (spec.md §4.5
// step 4), skipping any whose sender nonce no longer matches the current
// account state.
func (m *Mempool) SelectForBlock(max int, view AccountView) []*chain.Transaction {
	m.mu.Lock()
	snapshot := make([]*entry, 0, len(m.byKey))
	for _, e := range m.byKey {
		snapshot = append(snapshot, e)
	}
	m.mu.Unlock()

	sortByPriority(snapshot)

	out := make([]*chain.Transaction, 0, max)
	for _, e := range snapshot {
		if len(out) >= max {
			break
		}
		account, _ := view.Account(e.tx.Sender)
		if e.tx.Nonce != account.Nonce {
			continue
		}
		out = append(out, e.tx)
	}
	return out
}

// ApplyBlock removes every transaction the block included, plus any
// remaining same-(sender, nonce) entry the block's application superseded
// (spec.md §4.10's "same-(sender, nonce) entries superseded by the block
// are also removed").
func (m *Mempool) ApplyBlock(b *chain.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range b.Body.Transactions {
		m.removeLocked(txKey{sender: tx.Sender, nonce: tx.Nonce})
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// timeNow is a seam so tests can observe strictly increasing insertion
// order without depending on wall-clock resolution.
var timeNow = func() time.Time { return time.Now() }
