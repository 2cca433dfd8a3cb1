package core

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the indexing pipeline. Callers classify with
// errors.Is; concrete errors wrap one of these.
var (
	ErrFetch        = errors.New("position fetch failed")
	ErrQuantization = errors.New("quantization failed")
	ErrIndex        = errors.New("hilbert index error")
	ErrPersistence  = errors.New("persistence failed")

	// ErrOutOfBounds is a QuantizationError for points outside the world cube.
	ErrOutOfBounds = fmt.Errorf("%w: point outside world bounds", ErrQuantization)
	// ErrRange is an IndexError for invalid grid parameters or values that do
	// not fit the configured curve.
	ErrRange = fmt.Errorf("%w: value out of range", ErrIndex)
	// ErrDuplicateObservation is a PersistenceError for an observation batch
	// holding a (satnum, time, index) key that is already recorded.
	ErrDuplicateObservation = fmt.Errorf("%w: duplicate observation", ErrPersistence)
	// ErrInvalidGrid is an IndexError returned when GridParameters violate
	// their invariants.
	ErrInvalidGrid = fmt.Errorf("%w: invalid grid parameters", ErrIndex)
)

// EntityError reports a failure scoped to a single tracked entity. The entity
// is dropped from the cycle; the rest of the cycle proceeds.
type EntityError struct {
	SatNum int
	Name   string
	Err    error
}

func (e EntityError) Error() string {
	return fmt.Sprintf("satellite %d (%s): %v", e.SatNum, e.Name, e.Err)
}

func (e EntityError) Unwrap() error { return e.Err }
