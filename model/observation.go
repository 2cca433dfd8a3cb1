package model

import "time"

// Point3D represents a position in ECEF metres.
type Point3D struct {
	X float64
	Y float64
	Z float64
}

// ObservationRecord is one tracked satellite's position at one observation
// instant, tagged with the Hilbert index of the grid cell containing it.
// Records are append-only; (SatNum, ObservedAt, HilbertIndex) identifies one.
type ObservationRecord struct {
	SatNum       int
	Name         string
	ObservedAt   time.Time
	Position     Point3D
	HilbertIndex uint64
}

// CatalogEntry maps a Hilbert index to the representative point of its grid
// cell. An entry is written at most once.
type CatalogEntry struct {
	HilbertIndex uint64
	Point        Point3D
}
