// Package state implements the account state machine: applying blocks in
// the DAG's emitted order, maintaining balances/nonces/scores, and
// recomputing the state root.
package state

import (
	"sync"

	"montana.dev/node/chain"
	"montana.dev/node/primitives"
)

// ApplySummary reports what a successful Apply did, for logging and for
// the mempool's post-application eviction pass.
type ApplySummary struct {
	BlockHash         primitives.Hash
	Height            uint64
	HeartbeatsApplied int
	TxApplied         int
	FeesCollected     uint64
}

// snapshot is a deep copy of the mutable maps, taken before applying a
// block and discarded on success or restored on failure, mirroring the
// teacher's copy-before-ConnectBlock / restore-on-error shape.
type snapshot struct {
	accounts      map[primitives.Address]chain.Account
	pubkeys       map[primitives.Address][]byte
	lastHeartbeat map[primitives.Address]primitives.Hash
}

// State is the single-writer, multi-reader account state machine.
type State struct {
	mu sync.RWMutex

	accounts map[primitives.Address]chain.Account
	// pubkeys caches each node's public key, learned the first time it is
	// seen in a heartbeat. Transaction and block-header signatures are
	// verified against this registry: a presence-based network's
	// premise is that a participant has heartbeated before it transacts
	// or produces, so every signer's key is resolvable here.
	pubkeys map[primitives.Address][]byte
	// lastHeartbeat is the hash of each node's most recently applied
	// heartbeat, the tip of its per-node chain.
	lastHeartbeat map[primitives.Address]primitives.Hash
}

// New constructs an empty state machine.
func New() *State {
	return &State{
		accounts:      make(map[primitives.Address]chain.Account),
		pubkeys:       make(map[primitives.Address][]byte),
		lastHeartbeat: make(map[primitives.Address]primitives.Hash),
	}
}

// Account returns a copy of the account at addr, and whether it has ever
// been referenced.
func (s *State) Account(addr primitives.Address) (chain.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[addr]
	return a, ok
}

// Root returns the Merkle root of the current account set.
func (s *State) Root() primitives.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stateRoot(s.accounts)
}

// PublicKey returns the cached public key for addr, if known.
func (s *State) PublicKey(addr primitives.Address) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.pubkeys[addr]
	return pk, ok
}

func (s *State) snapshot() snapshot {
	accounts := make(map[primitives.Address]chain.Account, len(s.accounts))
	for k, v := range s.accounts {
		accounts[k] = v
	}
	pubkeys := make(map[primitives.Address][]byte, len(s.pubkeys))
	for k, v := range s.pubkeys {
		pubkeys[k] = append([]byte(nil), v...)
	}
	lastHeartbeat := make(map[primitives.Address]primitives.Hash, len(s.lastHeartbeat))
	for k, v := range s.lastHeartbeat {
		lastHeartbeat[k] = v
	}
	return snapshot{accounts: accounts, pubkeys: pubkeys, lastHeartbeat: lastHeartbeat}
}

func (s *State) restore(snap snapshot) {
	s.accounts = snap.accounts
	s.pubkeys = snap.pubkeys
	s.lastHeartbeat = snap.lastHeartbeat
}

// resolveProducerKey finds the producer's public key from the cache or,
// failing that, from the block's own heartbeats (a node's first-ever
// block may carry its own identity-establishing heartbeat).
func (s *State) resolveProducerKey(b *chain.Block) ([]byte, bool) {
	if pk, ok := s.pubkeys[b.Header.ProducerID]; ok {
		return pk, true
	}
	for _, hb := range b.Body.Heartbeats {
		if hb.NodeID == b.Header.ProducerID {
			return hb.PublicKey, true
		}
	}
	return nil, false
}

// LastHeartbeat returns the hash of addr's most recently applied
// heartbeat, and whether addr has ever heartbeated. A restarted node
// uses this to resume its own heartbeat chain at the correct link.
func (s *State) LastHeartbeat(addr primitives.Address) (primitives.Hash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.lastHeartbeat[addr]
	return h, ok
}

// ResolveProducerKey exposes resolveProducerKey to callers outside the
// package (node.Chain needs it to structurally validate a block before
// committing to a DAG insertion).
func (s *State) ResolveProducerKey(b *chain.Block) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveProducerKey(b)
}

// Apply applies a block's heartbeats then transactions in order,
// recomputes the state root, and commits only if it matches the header's
// declared root. On any failure the state machine is left exactly as it
// was before the call: application is all-or-nothing.
func (s *State) Apply(b *chain.Block, provider chain.Provider, minFee uint64, checkpointIterations uint64) (*ApplySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	producerKey, ok := s.resolveProducerKey(b)
	if !ok {
		return nil, &chain.ValidationError{Code: chain.ErrSignatureInvalid, Msg: "producer public key unknown"}
	}
	if err := chain.ValidateStructure(b, producerKey, provider); err != nil {
		return nil, err
	}

	snap := s.snapshot()
	if err := s.applyHeartbeats(b, provider, checkpointIterations); err != nil {
		s.restore(snap)
		return nil, err
	}
	feesCollected, err := s.applyTransactions(b, provider, minFee)
	if err != nil {
		s.restore(snap)
		return nil, err
	}

	if got := stateRoot(s.accounts); got != b.Header.StateRoot {
		s.restore(snap)
		return nil, &chain.ValidationError{Code: chain.ErrStateRootMismatch, Msg: "computed state root does not match header"}
	}

	return &ApplySummary{
		BlockHash:         b.Hash(),
		Height:            b.Header.Height,
		HeartbeatsApplied: len(b.Body.Heartbeats),
		TxApplied:         len(b.Body.Transactions),
		FeesCollected:     feesCollected,
	}, nil
}

func (s *State) applyHeartbeats(b *chain.Block, provider chain.Provider, checkpointIterations uint64) error {
	for _, hb := range b.Body.Heartbeats {
		if err := hb.Validate(provider, checkpointIterations); err != nil {
			return err
		}
		expectedPrev := s.lastHeartbeat[hb.NodeID] // zero hash if never seen
		if hb.PrevHeartbeatHash != expectedPrev {
			return &chain.ValidationError{Code: chain.ErrHeartbeatChain, Msg: "heartbeat does not link to node's chain tip"}
		}

		acct := s.accounts[hb.NodeID]
		acct.HeartbeatCount++
		acct.Score = nextScore(acct.Score)
		acct.LastHeartbeatMs = b.Header.TimestampMs
		s.accounts[hb.NodeID] = acct

		s.lastHeartbeat[hb.NodeID] = hb.Hash()
		s.pubkeys[hb.NodeID] = hb.PublicKey
	}
	return nil
}

func (s *State) applyTransactions(b *chain.Block, provider chain.Provider, minFee uint64) (uint64, error) {
	var feesCollected uint64
	for _, tx := range b.Body.Transactions {
		if err := chain.ValidateTransactionFee(tx, minFee); err != nil {
			return 0, err
		}
		senderKey, ok := s.pubkeys[tx.Sender]
		if !ok {
			return 0, &chain.ValidationError{Code: chain.ErrSignatureInvalid, Msg: "sender public key unknown"}
		}
		if !provider.Verify(senderKey, tx.Hash(), tx.Signature) {
			return 0, &chain.ValidationError{Code: chain.ErrSignatureInvalid, Msg: "transaction signature does not verify"}
		}

		sender := s.accounts[tx.Sender]
		if tx.Nonce != sender.Nonce {
			return 0, &chain.ValidationError{Code: chain.ErrNonceMismatch, Msg: "transaction nonce does not match account nonce"}
		}
		total := tx.Amount + tx.Fee
		if sender.Balance < total {
			return 0, &chain.ValidationError{Code: chain.ErrInsufficientFunds, Msg: "sender balance insufficient"}
		}

		sender.Balance -= total
		sender.Nonce++
		s.accounts[tx.Sender] = sender

		recipient := s.accounts[tx.Recipient]
		recipient.Balance += tx.Amount
		s.accounts[tx.Recipient] = recipient

		producer := s.accounts[b.Header.ProducerID]
		producer.Balance += tx.Fee
		s.accounts[b.Header.ProducerID] = producer

		feesCollected += tx.Fee
	}
	return feesCollected, nil
}
