package state

import (
	"montana.dev/node/chain"
	"montana.dev/node/primitives"
)

// Preview computes the state root that would result from applying the
// given heartbeats and transactions on top of the producer's account, as
// of a block with the given producer and timestamp, without committing the
// change or requiring a signed header. The production path (node.Producer)
// calls this to learn the StateRoot it must sign before the real,
// header-complete block exists; Apply later redoes the same application
// against the real header and must compute an identical root.
func (s *State) Preview(
	producerID primitives.Address,
	timestampMs uint64,
	heartbeats []*chain.Heartbeat,
	txs []*chain.Transaction,
	provider chain.Provider,
	minFee uint64,
	checkpointIterations uint64,
) (primitives.Hash, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	defer s.restore(snap)

	b := &chain.Block{
		Header: &chain.Header{ProducerID: producerID, TimestampMs: timestampMs},
		Body:   chain.Body{Heartbeats: heartbeats, Transactions: txs},
	}
	if err := s.applyHeartbeats(b, provider, checkpointIterations); err != nil {
		return primitives.Hash{}, 0, err
	}
	fees, err := s.applyTransactions(b, provider, minFee)
	if err != nil {
		return primitives.Hash{}, 0, err
	}
	return stateRoot(s.accounts), fees, nil
}
