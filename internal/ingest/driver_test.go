package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kyjohnso/hilbert-sats/core"
	"github.com/kyjohnso/hilbert-sats/kb"
	"github.com/kyjohnso/hilbert-sats/timectrl"
)

// scriptedRunner fails every other cycle and records overlap.
type scriptedRunner struct {
	running atomic.Int32
	runs    atomic.Int32
	overlap atomic.Bool
}

func (r *scriptedRunner) Run(ctx context.Context) Result {
	if r.running.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.running.Add(-1)
	n := r.runs.Add(1)
	if n%2 == 0 {
		return Result{Outcome: OutcomeCatalogError, Err: core.ErrPersistence}
	}
	return Result{Outcome: OutcomeSuccess}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDriverWaitsDelayBetweenCycles(t *testing.T) {
	clock := timectrl.NewTimeController(cycleStart)
	runner := &scriptedRunner{}
	var (
		mu       sync.Mutex
		outcomes []Outcome
	)
	d := &Driver{
		Cycle: runner,
		Delay: DefaultDelay,
		Clock: clock,
		OnResult: func(r Result) {
			mu.Lock()
			outcomes = append(outcomes, r.Outcome)
			mu.Unlock()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, func() bool { return clock.Waiters() == 1 })
	if got := runner.runs.Load(); got != 1 {
		t.Fatalf("runs before delay = %d, want 1", got)
	}

	clock.Advance(DefaultDelay - time.Second)
	time.Sleep(5 * time.Millisecond)
	if got := runner.runs.Load(); got != 1 {
		t.Fatalf("next cycle started before the delay elapsed (runs = %d)", got)
	}

	// A failed cycle does not stop the loop.
	for want := int32(2); want <= 4; want++ {
		clock.Advance(DefaultDelay)
		waitFor(t, func() bool { return runner.runs.Load() == want && clock.Waiters() == 1 })
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("driver did not stop after cancel")
	}

	if runner.overlap.Load() {
		t.Fatalf("cycles overlapped")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []Outcome{OutcomeSuccess, OutcomeCatalogError, OutcomeSuccess, OutcomeCatalogError}
	if len(outcomes) != len(want) {
		t.Fatalf("outcomes = %v, want %v", outcomes, want)
	}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Fatalf("outcomes = %v, want %v", outcomes, want)
		}
	}
}

func TestDriverStopsOnCanceledContext(t *testing.T) {
	runner := &scriptedRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDriver(runner, time.Hour, nil)
	if err := d.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if runner.runs.Load() != 0 {
		t.Fatalf("cycle ran on canceled context")
	}
}

func TestDriverRunsRealCycles(t *testing.T) {
	clock := timectrl.NewTimeController(cycleStart)
	store := kb.NewKnowledgeBase()
	provider := &stubProvider{raws: []core.RawState{{SatNum: 1, Name: "A"}}}
	cycle := newTestCycle(t, provider, store, store, WithClock(clock))

	d := &Driver{Cycle: cycle, Delay: DefaultDelay, Clock: clock}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, func() bool { return clock.Waiters() == 1 })
	clock.Advance(DefaultDelay)
	waitFor(t, func() bool { return len(store.ListObservations()) == 2 && clock.Waiters() == 1 })
	cancel()
	<-done

	obs := store.ListObservations()
	if got := obs[1].ObservedAt.Sub(obs[0].ObservedAt); got != DefaultDelay {
		t.Fatalf("observation spacing = %v, want %v", got, DefaultDelay)
	}
	if store.CatalogSize() != 1 {
		t.Fatalf("catalog size = %d, want 1", store.CatalogSize())
	}
}
