// Package vdf implements the protocol's Verifiable Delay Function: a long,
// sequential hash chain producing periodic checkpoints, a cheap verifier
// for any claimed segment, and an accumulator mapping cumulative iterations
// observed over a block's VDF lineage to a finality level.
package vdf

import (
	"context"
	"sync"

	"montana.dev/node/primitives"
)

// Checkpoint is one periodically emitted point in the VDF's output stream.
type Checkpoint struct {
	// Input is the state the segment started from.
	Input primitives.Hash
	// Output is the state after Iterations sequential hash applications.
	Output primitives.Hash
	// Iterations is the length of this segment (not cumulative).
	Iterations uint64
	// CumulativeIterations is the total iteration count since the engine's
	// current input was set, plus any base count carried forward by
	// ResumeFrom across a process restart.
	CumulativeIterations uint64
	// Proof is the segment proof: the concatenation of the segment's start
	// state and its final state, per spec.md §4.2 ("implementations are
	// free to substitute a stronger succinct-proof scheme without changing
	// the contract").
	Proof []byte
}

// Config controls the engine's cadence.
type Config struct {
	// CheckpointInterval is the number of sequential hash steps between
	// emitted checkpoints.
	CheckpointInterval uint64
	// ChannelBuffer bounds the subscriber channel so a slow subscriber
	// cannot block the hash chain indefinitely; checkpoints are dropped,
	// never the engine's own progress, once the buffer is full.
	ChannelBuffer int
}

// DefaultConfig returns sane devnet defaults.
func DefaultConfig() Config {
	return Config{
		CheckpointInterval: 1 << 16,
		ChannelBuffer:      8,
	}
}

// Engine runs the iterated hash chain on a dedicated goroutine and
// publishes checkpoints to subscribers. It never fails intrinsically; it
// can only be paused (input unavailable) or cancelled.
type Engine struct {
	cfg Config

	mu          sync.Mutex
	subscribers []chan Checkpoint
	current     Checkpoint
	hasCurrent  bool

	setInputCh chan seed
}

// seed carries a new hash-chain input together with the cumulative
// iteration count it should resume counting from.
type seed struct {
	input primitives.Hash
	base  uint64
}

// New constructs an Engine with the given configuration.
func New(cfg Config) *Engine {
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = DefaultConfig().CheckpointInterval
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = DefaultConfig().ChannelBuffer
	}
	return &Engine{
		cfg:        cfg,
		setInputCh: make(chan seed, 1),
	}
}

// Subscribe returns a channel that receives every checkpoint the engine
// emits from now on. The channel is buffered per Config.ChannelBuffer; a
// subscriber that falls behind misses checkpoints rather than stalling the
// chain (spec.md §4.2: "the engine ... must not block the rest of the
// system").
func (e *Engine) Subscribe() <-chan Checkpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan Checkpoint, e.cfg.ChannelBuffer)
	e.subscribers = append(e.subscribers, ch)
	return ch
}

// Current returns the most recently emitted checkpoint, if any.
func (e *Engine) Current() (Checkpoint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current, e.hasCurrent
}

// SetInput changes the sequence the engine advances from, resetting its
// cumulative iteration count to zero. The engine resumes from this input
// on its next loop iteration; calling this while the engine has no input
// at all is how it is first started.
func (e *Engine) SetInput(input primitives.Hash) {
	e.setSeed(seed{input: input})
}

// ResumeFrom seeds the engine like SetInput, but carries forward
// baseCumulative — the total VDF iterations already observed over this
// input's lineage before this process started — so checkpoints emitted
// after a restart continue the count instead of resetting it to zero.
// spec.md §4.2's accumulator input must only ever increase across a block's
// lineage, and a node restart must not be observable as a drop in it.
func (e *Engine) ResumeFrom(input primitives.Hash, baseCumulative uint64) {
	e.setSeed(seed{input: input, base: baseCumulative})
}

func (e *Engine) setSeed(s seed) {
	select {
	case e.setInputCh <- s:
	default:
		// Drain the stale pending seed and replace it; only the latest
		// seed before the engine observes it matters.
		select {
		case <-e.setInputCh:
		default:
		}
		e.setInputCh <- s
	}
}

// Run advances the hash chain until ctx is cancelled. On cancellation, no
// partial checkpoint is emitted (spec.md §4.2): the in-flight segment is
// abandoned mid-way and Run returns.
func (e *Engine) Run(ctx context.Context) error {
	var (
		state      primitives.Hash
		haveState  bool
		segStart   primitives.Hash
		iterInSeg  uint64
		cumulative uint64
		base       uint64
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-e.setInputCh:
			state = primitives.SumHash(s.input[:])
			segStart = state
			haveState = true
			iterInSeg = 0
			cumulative = 0
			base = s.base
			continue
		default:
		}

		if !haveState {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case s := <-e.setInputCh:
				state = primitives.SumHash(s.input[:])
				segStart = state
				haveState = true
				base = s.base
			}
			continue
		}

		state = primitives.SumHash(state[:])
		iterInSeg++
		cumulative++

		if iterInSeg == e.cfg.CheckpointInterval {
			cp := Checkpoint{
				Input:                segStart,
				Output:               state,
				Iterations:           iterInSeg,
				CumulativeIterations: base + cumulative,
				Proof:                encodeProof(segStart, state),
			}
			e.publish(cp)
			segStart = state
			iterInSeg = 0
		}
	}
}

func (e *Engine) publish(cp Checkpoint) {
	e.mu.Lock()
	e.current = cp
	e.hasCurrent = true
	subs := append([]chan Checkpoint(nil), e.subscribers...)
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- cp:
		default:
			// Subscriber is behind; drop rather than block the chain.
		}
	}
}

// encodeProof builds the succinct segment proof: the concatenation of the
// segment's start state and its final state (spec.md §4.2).
func encodeProof(start, end primitives.Hash) []byte {
	out := make([]byte, 0, 2*primitives.HashSize)
	out = append(out, start[:]...)
	out = append(out, end[:]...)
	return out
}
