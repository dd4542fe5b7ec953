package kdn

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration is returned by constructors when a parameter is
	// out of range (k < 1, k > max leaf size, ...).
	ErrInvalidConfiguration = errors.New("kdn: invalid configuration")

	// ErrInvalidInput is returned when a dataset, sample or query has an
	// incompatible shape or content.
	ErrInvalidInput = errors.New("kdn: invalid input")

	// ErrNotTrained is returned when predicting before a successful Train.
	ErrNotTrained = errors.New("kdn: estimator has not been trained")

	// ErrInvalidState is returned when an index operation is not allowed in
	// its current lifecycle state.
	ErrInvalidState = errors.New("kdn: invalid index state")

	// ErrBuildInProgress is returned when a query or a second build races an
	// in-progress build.
	ErrBuildInProgress = fmt.Errorf("%w: build in progress", ErrInvalidState)

	// ErrInvariantViolation signals an internal logic error while building
	// or traversing the tree. It should never surface.
	ErrInvariantViolation = errors.New("kdn: tree invariant violated")

	// ErrCorruptSnapshot is returned by Load when a snapshot cannot be decoded
	// into a valid tree.
	ErrCorruptSnapshot = errors.New("kdn: corrupt snapshot")
)

// errEmptyIndex matches both ErrInvalidState and ErrNotTrained.
var errEmptyIndex = fmt.Errorf("%w: index is empty: %w", ErrInvalidState, ErrNotTrained)

// DimensionMismatchError reports a sample or query whose length differs from
// the dimensionality of the index. It unwraps to ErrInvalidInput.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("kdn: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrInvalidInput }

func invalidInputf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func invalidConfigf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}
