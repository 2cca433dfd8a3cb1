package core

import (
	"context"
	"fmt"
	"time"

	"github.com/kyjohnso/hilbert-sats/model"
)

// RawState is one entity's position as reported by a PositionProvider.
type RawState struct {
	SatNum     int
	Name       string
	ObservedAt time.Time
	Position   model.Point3D
}

// PositionedState is a RawState with its grid cell.
type PositionedState struct {
	RawState
	Cell GridCoordinate
}

// IndexedState is a PositionedState with its Hilbert index.
type IndexedState struct {
	PositionedState
	Index HilbertIndex
}

// Record converts the state into the row appended to the observation log.
// The stored position is the original point, not the cell's.
func (s IndexedState) Record() model.ObservationRecord {
	return model.ObservationRecord{
		SatNum:       s.SatNum,
		Name:         s.Name,
		ObservedAt:   s.ObservedAt,
		Position:     s.Position,
		HilbertIndex: uint64(s.Index),
	}
}

// Position quantizes every state. States outside the world bounds are
// reported and left out; the survivors keep their relative order.
func Position(g GridParameters, raws []RawState) ([]PositionedState, []EntityError) {
	points := make([]model.Point3D, len(raws))
	for i, r := range raws {
		points[i] = r.Position
	}
	cells, qerrs := g.QuantizeMany(points)

	out := make([]PositionedState, 0, len(raws))
	var errs []EntityError
	for i, r := range raws {
		if qerrs != nil && qerrs[i] != nil {
			errs = append(errs, EntityError{SatNum: r.SatNum, Name: r.Name, Err: qerrs[i]})
			continue
		}
		out = append(out, PositionedState{RawState: r, Cell: cells[i]})
	}
	return out, errs
}

// Index assigns Hilbert indices to positioned states in parallel,
// preserving order. Any failure is an IndexError and fails the whole call.
func Index(ctx context.Context, h *HilbertIndexer, states []PositionedState) ([]IndexedState, error) {
	cells := make([]GridCoordinate, len(states))
	for i, s := range states {
		cells[i] = s.Cell
	}
	indices, err := h.EncodeMany(ctx, cells)
	if err != nil {
		return nil, err
	}
	out := make([]IndexedState, len(states))
	for i, s := range states {
		out[i] = IndexedState{PositionedState: s, Index: indices[i]}
	}
	return out, nil
}

// CatalogEntries derives one catalog entry per distinct index by decoding it
// and dequantizing the cell. Entries follow first appearance in states.
func CatalogEntries(ctx context.Context, g GridParameters, h *HilbertIndexer, states []IndexedState) ([]model.CatalogEntry, error) {
	if h.Order() != g.Order || h.Dimension() != g.Dimension {
		return nil, fmt.Errorf("%w: indexer p=%d n=%d does not match grid %s", ErrInvalidGrid, h.Order(), h.Dimension(), g.Fingerprint())
	}
	seen := make(map[HilbertIndex]struct{}, len(states))
	unique := make([]HilbertIndex, 0, len(states))
	for _, s := range states {
		if _, ok := seen[s.Index]; ok {
			continue
		}
		seen[s.Index] = struct{}{}
		unique = append(unique, s.Index)
	}

	cells, err := h.DecodeMany(ctx, unique)
	if err != nil {
		return nil, err
	}
	entries := make([]model.CatalogEntry, len(unique))
	for i, idx := range unique {
		pt, err := g.Dequantize(cells[i])
		if err != nil {
			return nil, fmt.Errorf("dequantize index %d: %w", uint64(idx), err)
		}
		entries[i] = model.CatalogEntry{HilbertIndex: uint64(idx), Point: pt}
	}
	return entries, nil
}

// Records converts indexed states into observation records, preserving order.
func Records(states []IndexedState) []model.ObservationRecord {
	out := make([]model.ObservationRecord, len(states))
	for i, s := range states {
		out[i] = s.Record()
	}
	return out
}
