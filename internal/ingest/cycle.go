// Package ingest runs the periodic ingestion cycle: snapshot positions,
// quantize and index them, then write the catalog and the observation log.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kyjohnso/hilbert-sats/core"
	"github.com/kyjohnso/hilbert-sats/internal/logging"
	"github.com/kyjohnso/hilbert-sats/internal/observability"
	"github.com/kyjohnso/hilbert-sats/timectrl"
)

// Outcome classifies how a cycle ended.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeFetchError       Outcome = "fetch_error"
	OutcomeIndexError       Outcome = "index_error"
	OutcomeCatalogError     Outcome = "catalog_error"
	OutcomeObservationError Outcome = "observation_error"
	OutcomeCanceled         Outcome = "canceled"
)

// Skip reasons reported to metrics.
const (
	skipFetch        = "fetch"
	skipQuantization = "quantization"
)

// Result summarises one cycle. Err is set when the cycle stopped before
// committing its observations; EntityErrors lists the entities it dropped.
type Result struct {
	CycleID    string
	ObservedAt time.Time
	Duration   time.Duration
	Outcome    Outcome

	Tracked        int // entities the provider reported, including failures
	Indexed        int
	CatalogEntries int
	Observations   int

	EntityErrors []core.EntityError
	Err          error
}

// Cycle performs a single ingestion pass. It is safe to reuse across passes
// but not to run concurrently with itself.
type Cycle struct {
	grid     core.GridParameters
	indexer  *core.HilbertIndexer
	provider core.PositionProvider
	catalog  core.SpatialCatalog
	recorder core.ObservationRecorder

	clock   timectrl.Clock
	log     logging.Logger
	metrics *observability.IngestCollector
	retry   RetryPolicy
	tracer  trace.Tracer
}

// Option customises a Cycle.
type Option func(*Cycle)

// WithClock sets the source of observation timestamps.
func WithClock(c timectrl.Clock) Option { return func(cy *Cycle) { cy.clock = c } }

// WithLogger sets the base logger; each cycle derives one tagged with its ID.
func WithLogger(l logging.Logger) Option { return func(cy *Cycle) { cy.log = l } }

// WithMetrics records cycle metrics on m.
func WithMetrics(m *observability.IngestCollector) Option { return func(cy *Cycle) { cy.metrics = m } }

// WithRetry sets the retry policy for provider snapshots.
func WithRetry(p RetryPolicy) Option { return func(cy *Cycle) { cy.retry = p } }

// WithWorkers bounds the parallel encode/decode stage.
func WithWorkers(n int) Option { return func(cy *Cycle) { cy.indexer.Workers = n } }

// NewCycle validates the grid and wires the stages together.
func NewCycle(grid core.GridParameters, provider core.PositionProvider, catalog core.SpatialCatalog, recorder core.ObservationRecorder, opts ...Option) (*Cycle, error) {
	if provider == nil || catalog == nil || recorder == nil {
		return nil, errors.New("ingest: provider, catalog and recorder are required")
	}
	if err := grid.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	indexer, err := core.IndexerFor(grid)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	c := &Cycle{
		grid:     grid,
		indexer:  indexer,
		provider: provider,
		catalog:  catalog,
		recorder: recorder,
		clock:    timectrl.RealClock{},
		log:      logging.Noop(),
		retry:    DefaultRetryPolicy(),
		tracer:   otel.Tracer("github.com/kyjohnso/hilbert-sats/internal/ingest"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.Noop()
	}
	return c, nil
}

// Run executes one pass: snapshot, quantize, index, catalog upsert, then
// observation append. Steps after a failure are skipped; nothing is retried
// except the snapshot.
func (c *Cycle) Run(ctx context.Context) (res Result) {
	start := time.Now()
	ctx, id := logging.EnsureCycleID(ctx)
	ctx, log := logging.WithCycleLogger(ctx, c.log)
	ctx, span := c.tracer.Start(ctx, "ingest.cycle", trace.WithAttributes(attribute.String("cycle_id", id)))

	res = Result{CycleID: id, ObservedAt: c.clock.Now().UTC().Truncate(core.PositionResolution)}
	defer func() {
		res.Duration = time.Since(start)
		c.finish(ctx, log, span, &res)
	}()

	raws, fetchErrs, err := c.snapshot(ctx, log, res.ObservedAt)
	if err != nil {
		res.fail(ctx, OutcomeFetchError, err)
		return res
	}
	res.Tracked = len(raws) + len(fetchErrs)
	res.EntityErrors = append(res.EntityErrors, fetchErrs...)
	c.metrics.AddSkipped(skipFetch, len(fetchErrs))
	for _, e := range fetchErrs {
		log.Warn(ctx, "skipping satellite", logging.Int("satnum", e.SatNum), logging.String("name", e.Name), logging.Err(e.Err))
	}

	positioned, quantErrs := core.Position(c.grid, raws)
	res.EntityErrors = append(res.EntityErrors, quantErrs...)
	c.metrics.AddSkipped(skipQuantization, len(quantErrs))
	for _, e := range quantErrs {
		log.Warn(ctx, "satellite outside grid", logging.Int("satnum", e.SatNum), logging.String("name", e.Name), logging.Err(e.Err))
	}

	indexed, err := core.Index(ctx, c.indexer, positioned)
	if err != nil {
		res.fail(ctx, OutcomeIndexError, err)
		return res
	}
	res.Indexed = len(indexed)
	c.metrics.AddIndexed(len(indexed))

	entries, err := core.CatalogEntries(ctx, c.grid, c.indexer, indexed)
	if err != nil {
		res.fail(ctx, OutcomeIndexError, err)
		return res
	}
	if err := c.catalog.UpsertMany(ctx, entries); err != nil {
		res.fail(ctx, OutcomeCatalogError, err)
		return res
	}
	res.CatalogEntries = len(entries)
	c.metrics.AddCatalogEntries(len(entries))

	records := core.Records(indexed)
	if err := c.recorder.AppendMany(ctx, records); err != nil {
		if errors.Is(err, core.ErrDuplicateObservation) {
			log.Warn(ctx, "observation batch already recorded for this instant", logging.Int("records", len(records)))
		}
		res.fail(ctx, OutcomeObservationError, err)
		return res
	}
	res.Observations = len(records)
	c.metrics.AddObservations(len(records))
	c.metrics.SetLastSuccess(res.ObservedAt)

	res.Outcome = OutcomeSuccess
	return res
}

func (c *Cycle) snapshot(ctx context.Context, log logging.Logger, at time.Time) ([]core.RawState, []core.EntityError, error) {
	var (
		raws []core.RawState
		errs []core.EntityError
	)
	err := c.retry.Retry(ctx, func() error {
		var err error
		raws, errs, err = c.provider.Positions(ctx, at)
		return err
	}, func(err error, next time.Duration) {
		log.Warn(ctx, "position snapshot failed; retrying", logging.Err(err), logging.Duration("backoff", next))
	})
	if err != nil {
		return nil, nil, err
	}
	return raws, errs, nil
}

func (r *Result) fail(ctx context.Context, o Outcome, err error) {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		o = OutcomeCanceled
	}
	r.Outcome = o
	r.Err = err
}

func (c *Cycle) finish(ctx context.Context, log logging.Logger, span trace.Span, res *Result) {
	c.metrics.ObserveCycle(string(res.Outcome), res.Duration)

	span.SetAttributes(
		attribute.String("outcome", string(res.Outcome)),
		attribute.Int("entities.tracked", res.Tracked),
		attribute.Int("entities.indexed", res.Indexed),
		attribute.Int("entities.skipped", len(res.EntityErrors)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	span.End()

	fields := []logging.Field{
		logging.String("outcome", string(res.Outcome)),
		logging.String("observed_at", res.ObservedAt.Format(time.RFC3339)),
		logging.Int("tracked", res.Tracked),
		logging.Int("indexed", res.Indexed),
		logging.Int("skipped", len(res.EntityErrors)),
		logging.Int("catalog_entries", res.CatalogEntries),
		logging.Int("observations", res.Observations),
		logging.Duration("duration", res.Duration),
	}
	switch {
	case res.Err == nil:
		log.Info(ctx, "cycle complete", fields...)
	case res.Outcome == OutcomeCanceled:
		log.Info(ctx, "cycle canceled", append(fields, logging.Err(res.Err))...)
	default:
		log.Error(ctx, "cycle failed", append(fields, logging.Err(res.Err))...)
	}
}
