package vdf

import (
	"context"
	"testing"
	"time"

	"montana.dev/node/primitives"
)

func TestEngineEmitsCheckpoints(t *testing.T) {
	e := New(Config{CheckpointInterval: 128, ChannelBuffer: 4})
	sub := e.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	e.SetInput(primitives.SumHash([]byte("genesis")))

	select {
	case cp := <-sub:
		if cp.Iterations != 128 {
			t.Fatalf("checkpoint iterations = %d, want 128", cp.Iterations)
		}
		if err := Verify(cp.Input, cp.Output, cp.Iterations, cp.Proof); err != nil {
			t.Fatalf("checkpoint failed verification: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a checkpoint")
	}
}

func TestResumeFromCarriesCumulativeIterationsForward(t *testing.T) {
	e := New(Config{CheckpointInterval: 64, ChannelBuffer: 4})
	sub := e.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	e.ResumeFrom(primitives.SumHash([]byte("tip")), 1000)

	select {
	case cp := <-sub:
		if cp.CumulativeIterations != 1000+cp.Iterations {
			t.Fatalf("cumulative iterations = %d, want %d (base 1000 + %d)", cp.CumulativeIterations, 1000+cp.Iterations, cp.Iterations)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a checkpoint")
	}
}

func TestVerifyRejectsWrongOutput(t *testing.T) {
	input := primitives.SumHash([]byte("start"))
	state := input
	for i := 0; i < 10; i++ {
		state = primitives.SumHash(state[:])
	}
	proof := encodeProof(input, state)

	if err := Verify(input, state, 10, proof); err != nil {
		t.Fatalf("expected valid proof to verify, got %v", err)
	}

	wrongOutput := primitives.SumHash([]byte("not the real output"))
	if err := Verify(input, wrongOutput, 10, proof); err == nil {
		t.Fatal("expected mismatched output to fail verification")
	}
	if err := Verify(input, state, 11, proof); err == nil {
		t.Fatal("expected wrong iteration count to fail verification")
	}
}

func TestAccumulatorFinalityMonotone(t *testing.T) {
	acc := NewAccumulator(Thresholds{Weak: 10, Strong: 100, Final: 1000})
	var block primitives.Hash
	block[0] = 1

	if f := acc.Observe(block, 5); f != FinalityNone {
		t.Fatalf("finality = %v, want none", f)
	}
	if f := acc.Observe(block, 50); f != FinalityWeak {
		t.Fatalf("finality = %v, want weak", f)
	}
	if f := acc.Observe(block, 500); f != FinalityStrong {
		t.Fatalf("finality = %v, want strong", f)
	}
	// A stale, lower reading must never regress finality.
	if f := acc.Observe(block, 20); f != FinalityStrong {
		t.Fatalf("finality regressed to %v after stale observe", f)
	}
	if f := acc.Observe(block, 5000); f != FinalityFinal {
		t.Fatalf("finality = %v, want final", f)
	}
}

func TestAccumulatorSnapshotRoundTrip(t *testing.T) {
	acc := NewAccumulator(Thresholds{Weak: 1, Strong: 2, Final: 3})
	var block primitives.Hash
	block[0] = 9
	acc.Observe(block, 3)

	snap := acc.Snapshot()
	restored := NewAccumulator(Thresholds{Weak: 1, Strong: 2, Final: 3})
	restored.Restore(snap)

	if restored.Finality(block) != FinalityFinal {
		t.Fatalf("restored finality = %v, want final", restored.Finality(block))
	}
	if restored.Iterations(block) != 3 {
		t.Fatalf("restored iterations = %d, want 3", restored.Iterations(block))
	}
}
