// Package store persists the observation log and the Hilbert point catalog
// in PostGIS or SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kyjohnso/hilbert-sats/core"
	"github.com/kyjohnso/hilbert-sats/internal/logging"
	"github.com/kyjohnso/hilbert-sats/model"
)

// ErrGridMismatch is returned when the store was pinned to different grid
// parameters than the ones configured.
var ErrGridMismatch = errors.New("grid parameters differ from pinned store")

// Store is a SQL-backed core.SpatialCatalog and core.ObservationRecorder.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     logging.Logger
	tracer  trace.Tracer
}

var (
	_ core.SpatialCatalog      = (*Store)(nil)
	_ core.ObservationRecorder = (*Store)(nil)
)

// Open connects using the named dialect and verifies the connection.
func Open(ctx context.Context, driver, dsn string, log logging.Logger) (*Store, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", d.Name, err)
	}
	if d.Name == SQLite.Name {
		// One connection keeps in-memory databases shared and serialises writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s store: %w", d.Name, err)
	}
	return New(db, d, log), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, d Dialect, log logging.Logger) *Store {
	if log == nil {
		log = logging.Noop()
	}
	return &Store{
		db:      db,
		dialect: d,
		log:     log,
		tracer:  otel.Tracer("github.com/kyjohnso/hilbert-sats/internal/store"),
	}
}

// Dialect reports the SQL dialect in use.
func (s *Store) Dialect() Dialect { return s.dialect }

// DB exposes the underlying pool.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks that the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", core.ErrPersistence, err)
	}
	return nil
}

// UpsertMany implements core.SpatialCatalog. Entries whose index is already
// stored are skipped by the database; the batch commits as one transaction.
func (s *Store) UpsertMany(ctx context.Context, entries []model.CatalogEntry) (err error) {
	ctx, span := s.tracer.Start(ctx, "store.UpsertMany",
		trace.WithAttributes(attribute.Int("catalog.entries", len(entries))))
	defer func() { endSpan(span, err) }()

	if len(entries) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		"INSERT INTO hilbert_points (hilbert_index, point) VALUES (%s, %s) ON CONFLICT (hilbert_index) DO NOTHING",
		s.dialect.placeholder(1), s.dialect.pointIn(s.dialect.placeholder(2)),
	)

	var inserted int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare catalog insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range entries {
			pt, err := encodePoint(e.Point)
			if err != nil {
				return err
			}
			res, err := stmt.ExecContext(ctx, int64(e.HilbertIndex), pt)
			if err != nil {
				return fmt.Errorf("insert hilbert point %d: %w", e.HilbertIndex, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				inserted += n
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: upsert catalog: %w", core.ErrPersistence, err)
	}
	span.SetAttributes(attribute.Int64("catalog.inserted", inserted))
	s.log.Info(ctx, "hilbert points inserted",
		logging.Int("submitted", len(entries)),
		logging.Int("new", int(inserted)),
	)
	return nil
}

// AppendMany implements core.ObservationRecorder. The batch is one
// transaction; a duplicate (satnum, observation_time, hilbert_index) rolls
// back every row of it.
func (s *Store) AppendMany(ctx context.Context, records []model.ObservationRecord) (err error) {
	ctx, span := s.tracer.Start(ctx, "store.AppendMany",
		trace.WithAttributes(attribute.Int("observations", len(records))))
	defer func() { endSpan(span, err) }()

	if len(records) == 0 {
		return nil
	}
	d := s.dialect
	query := fmt.Sprintf(
		"INSERT INTO satellites (satnum, ecef, observation_time, name, hilbert_index) VALUES (%s, %s, %s, %s, %s)",
		d.placeholder(1), d.pointIn(d.placeholder(2)), d.placeholder(3), d.placeholder(4), d.placeholder(5),
	)

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare observation insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range records {
			pt, err := encodePoint(r.Position)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, r.SatNum, pt, d.timeValue(r.ObservedAt), r.Name, int64(r.HilbertIndex)); err != nil {
				return fmt.Errorf("insert observation satnum=%d: %w", r.SatNum, err)
			}
		}
		return nil
	})
	if err != nil {
		if IsConstraintViolation(err) {
			return fmt.Errorf("%w: append observations: %w", core.ErrDuplicateObservation, err)
		}
		return fmt.Errorf("%w: append observations: %w", core.ErrPersistence, err)
	}
	s.log.Info(ctx, "satellite observations inserted", logging.Int("count", len(records)))
	return nil
}

// CatalogPoint returns the stored point for index.
func (s *Store) CatalogPoint(ctx context.Context, index uint64) (model.Point3D, bool, error) {
	query := fmt.Sprintf("SELECT %s FROM hilbert_points WHERE hilbert_index = %s",
		s.dialect.pointOut("point"), s.dialect.placeholder(1))
	var raw []byte
	err := s.db.QueryRowContext(ctx, query, int64(index)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Point3D{}, false, nil
	}
	if err != nil {
		return model.Point3D{}, false, fmt.Errorf("%w: read catalog: %w", core.ErrPersistence, err)
	}
	p, err := decodePoint(raw)
	if err != nil {
		return model.Point3D{}, false, err
	}
	return p, true, nil
}

// Observations returns the stored records for satnum ordered by time.
func (s *Store) Observations(ctx context.Context, satnum int) ([]model.ObservationRecord, error) {
	query := fmt.Sprintf(
		"SELECT satnum, name, observation_time, %s, hilbert_index FROM satellites WHERE satnum = %s ORDER BY observation_time, hilbert_index",
		s.dialect.pointOut("ecef"), s.dialect.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, satnum)
	if err != nil {
		return nil, fmt.Errorf("%w: read observations: %w", core.ErrPersistence, err)
	}
	defer rows.Close()

	var out []model.ObservationRecord
	for rows.Next() {
		var (
			r   model.ObservationRecord
			ts  any
			raw []byte
			idx int64
		)
		if err := rows.Scan(&r.SatNum, &r.Name, &ts, &raw, &idx); err != nil {
			return nil, fmt.Errorf("%w: scan observation: %w", core.ErrPersistence, err)
		}
		if r.ObservedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		if r.Position, err = decodePoint(raw); err != nil {
			return nil, err
		}
		r.HilbertIndex = uint64(idx)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read observations: %w", core.ErrPersistence, err)
	}
	return out, nil
}

// Counts returns the number of catalog entries and observation rows.
func (s *Store) Counts(ctx context.Context) (catalog, observations int, err error) {
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM hilbert_points").Scan(&catalog); err != nil {
		return 0, 0, fmt.Errorf("%w: count catalog: %w", core.ErrPersistence, err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM satellites").Scan(&observations); err != nil {
		return 0, 0, fmt.Errorf("%w: count observations: %w", core.ErrPersistence, err)
	}
	return catalog, observations, nil
}

// PinGrid records g on first use and rejects a store pinned to different
// parameters, since stored indices would change meaning.
func (s *Store) PinGrid(ctx context.Context, g core.GridParameters) error {
	d := s.dialect
	var pinned string
	err := s.db.QueryRowContext(ctx, "SELECT fingerprint FROM grid_parameters WHERE id = 1").Scan(&pinned)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		query := fmt.Sprintf(
			"INSERT INTO grid_parameters (id, fingerprint, world_size, cell_size, dimension, hilbert_order, pinned_at) VALUES (1, %s, %s, %s, %s, %s, %s)",
			d.placeholder(1), d.placeholder(2), d.placeholder(3), d.placeholder(4), d.placeholder(5), d.placeholder(6))
		if _, err := s.db.ExecContext(ctx, query,
			g.Fingerprint(), g.WorldSize, g.CellSize, g.Dimension, g.Order, d.timeValue(time.Now())); err != nil {
			return fmt.Errorf("%w: pin grid: %w", core.ErrPersistence, err)
		}
		s.log.Info(ctx, "pinned grid parameters", logging.String("grid", g.Fingerprint()))
		return nil
	case err != nil:
		return fmt.Errorf("%w: read pinned grid: %w", core.ErrPersistence, err)
	case pinned != g.Fingerprint():
		return fmt.Errorf("%w: store has %q, configured %q", ErrGridMismatch, pinned, g.Fingerprint())
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warn(ctx, "rollback failed", logging.Err(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return time.Parse(time.RFC3339Nano, t)
	case []byte:
		return time.Parse(time.RFC3339Nano, string(t))
	default:
		return time.Time{}, fmt.Errorf("%w: unexpected timestamp type %T", core.ErrPersistence, v)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
