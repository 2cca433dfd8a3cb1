package core

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// HilbertIndex is a position along the Hilbert curve, in [0, 2^(p*n)-1].
type HilbertIndex uint64

// HilbertIndexer maps between n-dimensional grid coordinates of order p and
// their distance along a Hilbert curve. It holds no mutable state and is safe
// for concurrent use.
//
// The transform is Skilling's transposed form ("Programming the Hilbert
// curve", 2004). A transposed value is packed into an index with axis 0
// contributing the most significant bit of each n-bit group.
type HilbertIndexer struct {
	order     int
	dimension int
	maxCoord  uint64
	maxIndex  uint64

	// Workers bounds the goroutines used by the batch methods. Zero means
	// GOMAXPROCS.
	Workers int
}

// NewHilbertIndexer validates (order, dimension). The index must fit in 64
// bits.
func NewHilbertIndexer(order, dimension int) (*HilbertIndexer, error) {
	if order < 1 {
		return nil, fmt.Errorf("%w: order %d must be at least 1", ErrRange, order)
	}
	if dimension < 1 {
		return nil, fmt.Errorf("%w: dimension %d must be at least 1", ErrRange, dimension)
	}
	if order*dimension > 64 {
		return nil, fmt.Errorf("%w: order %d x dimension %d exceeds 64 bits", ErrRange, order, dimension)
	}
	bits := uint(order * dimension)
	maxIndex := ^uint64(0)
	if bits < 64 {
		maxIndex = (uint64(1) << bits) - 1
	}
	return &HilbertIndexer{
		order:     order,
		dimension: dimension,
		maxCoord:  (uint64(1) << uint(order)) - 1,
		maxIndex:  maxIndex,
	}, nil
}

// IndexerFor returns the indexer matching a grid.
func IndexerFor(g GridParameters) (*HilbertIndexer, error) {
	return NewHilbertIndexer(g.Order, g.Dimension)
}

// Order returns the number of bits per axis.
func (h *HilbertIndexer) Order() int { return h.order }

// Dimension returns the number of axes.
func (h *HilbertIndexer) Dimension() int { return h.dimension }

// MaxIndex returns the largest valid index, 2^(p*n)-1.
func (h *HilbertIndexer) MaxIndex() HilbertIndex { return HilbertIndex(h.maxIndex) }

// Encode returns the Hilbert distance of coord.
func (h *HilbertIndexer) Encode(coord GridCoordinate) (HilbertIndex, error) {
	if len(coord) != h.dimension {
		return 0, fmt.Errorf("%w: coordinate has %d axes, want %d", ErrRange, len(coord), h.dimension)
	}
	x := make([]uint64, h.dimension)
	for i, v := range coord {
		if v > h.maxCoord {
			return 0, fmt.Errorf("%w: axis %d value %d exceeds %d", ErrRange, i, v, h.maxCoord)
		}
		x[i] = v
	}
	h.axesToTranspose(x)
	return HilbertIndex(h.pack(x)), nil
}

// Decode returns the grid coordinate at distance idx along the curve.
func (h *HilbertIndexer) Decode(idx HilbertIndex) (GridCoordinate, error) {
	if uint64(idx) > h.maxIndex {
		return nil, fmt.Errorf("%w: index %d exceeds %d", ErrRange, uint64(idx), h.maxIndex)
	}
	x := h.unpack(uint64(idx))
	h.transposeToAxes(x)
	return GridCoordinate(x), nil
}

// EncodeMany encodes coords in parallel. The result has the same length and
// order as coords; the first failure cancels the batch.
func (h *HilbertIndexer) EncodeMany(ctx context.Context, coords []GridCoordinate) ([]HilbertIndex, error) {
	out := make([]HilbertIndex, len(coords))
	err := h.each(ctx, len(coords), func(i int) error {
		idx, err := h.Encode(coords[i])
		if err != nil {
			return fmt.Errorf("coordinate %d: %w", i, err)
		}
		out[i] = idx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeMany decodes indices in parallel, preserving order.
func (h *HilbertIndexer) DecodeMany(ctx context.Context, indices []HilbertIndex) ([]GridCoordinate, error) {
	out := make([]GridCoordinate, len(indices))
	err := h.each(ctx, len(indices), func(i int) error {
		c, err := h.Decode(indices[i])
		if err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// each runs fn over [0, n). A batch cut short by ctx reports ctx.Err(), so
// a partially filled result is never returned as a success.
func (h *HilbertIndexer) each(ctx context.Context, n int, fn func(i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	workers := h.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error { return fn(i) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Encode is a convenience wrapper for a one-off (order, dimension).
func Encode(coord GridCoordinate, order, dimension int) (HilbertIndex, error) {
	h, err := NewHilbertIndexer(order, dimension)
	if err != nil {
		return 0, err
	}
	return h.Encode(coord)
}

// Decode is a convenience wrapper for a one-off (order, dimension).
func Decode(idx HilbertIndex, order, dimension int) (GridCoordinate, error) {
	h, err := NewHilbertIndexer(order, dimension)
	if err != nil {
		return nil, err
	}
	return h.Decode(idx)
}

// axesToTranspose converts axes to the transposed Hilbert form in place.
func (h *HilbertIndexer) axesToTranspose(x []uint64) {
	n := h.dimension
	m := uint64(1) << uint(h.order-1)

	// Inverse undo.
	for q := m; q > 1; q >>= 1 {
		p := q - 1
		for i := 0; i < n; i++ {
			if x[i]&q != 0 {
				x[0] ^= p
			} else {
				t := (x[0] ^ x[i]) & p
				x[0] ^= t
				x[i] ^= t
			}
		}
	}

	// Gray encode.
	for i := 1; i < n; i++ {
		x[i] ^= x[i-1]
	}
	var t uint64
	for q := m; q > 1; q >>= 1 {
		if x[n-1]&q != 0 {
			t ^= q - 1
		}
	}
	for i := 0; i < n; i++ {
		x[i] ^= t
	}
}

// transposeToAxes converts the transposed Hilbert form back to axes in place.
func (h *HilbertIndexer) transposeToAxes(x []uint64) {
	n := h.dimension
	top := uint64(1) << uint(h.order)

	// Gray decode.
	t := x[n-1] >> 1
	for i := n - 1; i > 0; i-- {
		x[i] ^= x[i-1]
	}
	x[0] ^= t

	// Undo excess work.
	for q := uint64(2); q != top; q <<= 1 {
		p := q - 1
		for i := n - 1; i >= 0; i-- {
			if x[i]&q != 0 {
				x[0] ^= p
			} else {
				t := (x[0] ^ x[i]) & p
				x[0] ^= t
				x[i] ^= t
			}
		}
	}
}

// pack interleaves the transposed form, most significant bit first.
func (h *HilbertIndexer) pack(x []uint64) uint64 {
	var idx uint64
	for b := h.order - 1; b >= 0; b-- {
		for d := 0; d < h.dimension; d++ {
			idx = idx<<1 | (x[d]>>uint(b))&1
		}
	}
	return idx
}

func (h *HilbertIndexer) unpack(idx uint64) []uint64 {
	n := h.dimension
	x := make([]uint64, n)
	for b := 0; b < h.order; b++ {
		for d := 0; d < n; d++ {
			shift := uint(b*n + n - 1 - d)
			x[d] |= ((idx >> shift) & 1) << uint(b)
		}
	}
	return x
}
