package core

import (
	"fmt"
	"math"

	"github.com/kyjohnso/hilbert-sats/model"
)

// Default grid constants: an 80,000 km cube centred on the Earth split into
// 10 km cells, indexed jointly over three axes.
const (
	DefaultWorldSize = 80_000_000.0
	DefaultCellSize  = 10_000.0
	DefaultDimension = 3

	// MaxIndexBits bounds Order*Dimension so every index fits a signed
	// 64-bit column.
	MaxIndexBits = 63
)

// GridCoordinate is an n-tuple of cell indices, each in [0, 2^Order-1].
type GridCoordinate []uint64

// GridParameters fixes the quantization grid. Indices are only comparable
// between runs that used identical parameters, so a deployment pins one value
// for its lifetime.
type GridParameters struct {
	WorldSize float64 // metres, full edge of the indexed cube
	CellSize  float64 // metres, edge of one cell
	Dimension int
	Order     int // bits per axis
}

// NewGridParameters validates the parameters and derives Order when it is
// zero.
func NewGridParameters(worldSize, cellSize float64, dimension, order int) (GridParameters, error) {
	g := GridParameters{
		WorldSize: worldSize,
		CellSize:  cellSize,
		Dimension: dimension,
		Order:     order,
	}
	if g.Order == 0 && cellSize > 0 && worldSize > 0 {
		g.Order = DeriveOrder(worldSize, cellSize)
	}
	if err := g.Validate(); err != nil {
		return GridParameters{}, err
	}
	return g, nil
}

// DefaultGridParameters returns the production grid (Order 13).
func DefaultGridParameters() GridParameters {
	g, err := NewGridParameters(DefaultWorldSize, DefaultCellSize, DefaultDimension, 0)
	if err != nil {
		panic(err)
	}
	return g
}

// DeriveOrder returns the smallest p >= 1 with 2^p >= worldSize/cellSize,
// i.e. ceil(log2(worldSize/cellSize)) clamped to at least one bit.
func DeriveOrder(worldSize, cellSize float64) int {
	ratio := worldSize / cellSize
	p := 1
	for p < MaxIndexBits && float64(uint64(1)<<uint(p)) < ratio {
		p++
	}
	return p
}

// Validate checks the grid invariants.
func (g GridParameters) Validate() error {
	switch {
	case !(g.WorldSize > 0) || math.IsInf(g.WorldSize, 0):
		return fmt.Errorf("%w: world size %g must be positive and finite", ErrInvalidGrid, g.WorldSize)
	case !(g.CellSize > 0) || math.IsInf(g.CellSize, 0):
		return fmt.Errorf("%w: cell size %g must be positive and finite", ErrInvalidGrid, g.CellSize)
	case g.Dimension != 3:
		return fmt.Errorf("%w: dimension %d, ECEF points need 3", ErrInvalidGrid, g.Dimension)
	case g.Order < 1:
		return fmt.Errorf("%w: order %d must be at least 1", ErrInvalidGrid, g.Order)
	case g.Order*g.Dimension > MaxIndexBits:
		return fmt.Errorf("%w: order %d x dimension %d exceeds %d index bits", ErrInvalidGrid, g.Order, g.Dimension, MaxIndexBits)
	case float64(g.CellsPerAxis()) < g.WorldSize/g.CellSize:
		return fmt.Errorf("%w: 2^%d cells cannot cover %g/%g", ErrInvalidGrid, g.Order, g.WorldSize, g.CellSize)
	}
	return nil
}

// CellsPerAxis is the grid side length, 2^Order.
func (g GridParameters) CellsPerAxis() uint64 {
	return uint64(1) << uint(g.Order)
}

// Fingerprint identifies the parameter set for pinning against stored data.
func (g GridParameters) Fingerprint() string {
	return fmt.Sprintf("world=%g cell=%g n=%d p=%d", g.WorldSize, g.CellSize, g.Dimension, g.Order)
}

// Quantize maps an ECEF point to its grid cell. Each axis must lie in
// [-WorldSize/2, WorldSize/2); anything else fails with ErrOutOfBounds.
func (g GridParameters) Quantize(p model.Point3D) (GridCoordinate, error) {
	half := g.WorldSize / 2
	limit := float64(g.CellsPerAxis() - 1)
	axes := [3]float64{p.X, p.Y, p.Z}

	coord := make(GridCoordinate, len(axes))
	for i, v := range axes {
		if math.IsNaN(v) || v < -half || v >= half {
			return nil, fmt.Errorf("%w: axis %d value %g not in [%g, %g)", ErrOutOfBounds, i, v, -half, half)
		}
		c := math.Floor((v + half) / g.CellSize)
		// Rounding at the upper edge can land one cell outside the grid.
		if c < 0 || c > limit {
			return nil, fmt.Errorf("%w: axis %d value %g maps to cell %g", ErrOutOfBounds, i, v, c)
		}
		coord[i] = uint64(c)
	}
	return coord, nil
}

// Dequantize returns the representative point of a cell: coordinate times
// cell size, shifted back by half the world.
func (g GridParameters) Dequantize(c GridCoordinate) (model.Point3D, error) {
	if len(c) != 3 {
		return model.Point3D{}, fmt.Errorf("%w: coordinate has %d axes, want 3", ErrRange, len(c))
	}
	half := g.WorldSize / 2
	max := g.CellsPerAxis() - 1
	var axes [3]float64
	for i, v := range c {
		if v > max {
			return model.Point3D{}, fmt.Errorf("%w: axis %d value %d exceeds %d", ErrRange, i, v, max)
		}
		axes[i] = float64(v)*g.CellSize - half
	}
	return model.Point3D{X: axes[0], Y: axes[1], Z: axes[2]}, nil
}

// QuantizeMany quantizes points in order. errs is nil when every point fits;
// otherwise errs[i] is set for each point that failed and coords[i] is nil.
func (g GridParameters) QuantizeMany(points []model.Point3D) (coords []GridCoordinate, errs []error) {
	coords = make([]GridCoordinate, len(points))
	for i, p := range points {
		c, err := g.Quantize(p)
		if err != nil {
			if errs == nil {
				errs = make([]error, len(points))
			}
			errs[i] = err
			continue
		}
		coords[i] = c
	}
	return coords, errs
}
