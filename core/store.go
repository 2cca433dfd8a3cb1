package core

import (
	"context"

	"github.com/kyjohnso/hilbert-sats/model"
)

// SpatialCatalog stores index -> representative point, first write wins.
// UpsertMany is atomic: on failure nothing from the call is kept and the
// error wraps ErrPersistence.
type SpatialCatalog interface {
	UpsertMany(ctx context.Context, entries []model.CatalogEntry) error
}

// ObservationRecorder is the append-only observation log. AppendMany is
// all-or-nothing; a duplicate (satnum, time, index) rejects the whole batch
// with an error wrapping ErrPersistence.
type ObservationRecorder interface {
	AppendMany(ctx context.Context, records []model.ObservationRecord) error
}
