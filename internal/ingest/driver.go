package ingest

import (
	"context"
	"time"

	"github.com/kyjohnso/hilbert-sats/internal/logging"
	"github.com/kyjohnso/hilbert-sats/timectrl"
)

// DefaultDelay is the pause between the end of one cycle and the start of
// the next.
const DefaultDelay = 10 * time.Second

// Runner is one ingestion pass.
type Runner interface {
	Run(ctx context.Context) Result
}

// Driver repeats a cycle forever with a fixed delay after each one. Cycles
// run on one goroutine so they never overlap.
type Driver struct {
	Cycle Runner
	Delay time.Duration
	Clock timectrl.Clock
	Log   logging.Logger

	// OnResult, when set, observes every finished cycle.
	OnResult func(Result)
}

// NewDriver schedules cycle with delay on the wall clock.
func NewDriver(cycle Runner, delay time.Duration, log logging.Logger) *Driver {
	return &Driver{Cycle: cycle, Delay: delay, Clock: timectrl.RealClock{}, Log: log}
}

// Run blocks until ctx is done. Cycle failures are reported and the loop
// carries on with the next cycle; the returned error is always ctx.Err().
func (d *Driver) Run(ctx context.Context) error {
	clock := d.Clock
	if clock == nil {
		clock = timectrl.RealClock{}
	}
	log := d.Log
	if log == nil {
		log = logging.Noop()
	}
	delay := d.Delay
	if delay < 0 {
		delay = 0
	}

	log.Info(ctx, "ingestion loop started", logging.Duration("delay", delay))
	for cycles := 0; ; cycles++ {
		if err := ctx.Err(); err != nil {
			log.Info(ctx, "ingestion loop stopped", logging.Int("cycles", cycles))
			return err
		}

		res := d.Cycle.Run(ctx)
		if d.OnResult != nil {
			d.OnResult(res)
		}

		select {
		case <-ctx.Done():
			log.Info(ctx, "ingestion loop stopped", logging.Int("cycles", cycles+1))
			return ctx.Err()
		case <-clock.After(delay):
		}
	}
}
