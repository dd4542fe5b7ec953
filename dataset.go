package kdn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ColumnType describes the kind of values held by a feature column.
type ColumnType int

const (
	// Continuous columns hold real-valued measurements.
	Continuous ColumnType = iota
	// Categorical columns hold encoded category codes. Distances over them
	// are meaningless, so the regressor rejects them.
	Categorical
)

func (c ColumnType) String() string {
	switch c {
	case Continuous:
		return "continuous"
	case Categorical:
		return "categorical"
	default:
		return fmt.Sprintf("ColumnType(%d)", int(c))
	}
}

// Dataset is an ordered collection of fixed-length samples.
type Dataset interface {
	// Samples returns the rows of the dataset in order.
	Samples() [][]float64
	// ColumnTypes returns one entry per feature column.
	ColumnTypes() []ColumnType
}

// Labeled is a Dataset with one regression target per sample.
type Labeled interface {
	Dataset
	// Labels returns the targets, aligned with Samples.
	Labels() []float64
}

type unlabeled struct {
	samples [][]float64
	types   []ColumnType
}

func (d *unlabeled) Samples() [][]float64      { return d.samples }
func (d *unlabeled) ColumnTypes() []ColumnType { return d.types }

type labeled struct {
	unlabeled
	labels []float64
}

func (d *labeled) Labels() []float64 { return d.labels }

// NewUnlabeled returns a dataset over samples. Without explicit types every
// column is Continuous. Rows must all have the same length.
func NewUnlabeled(samples [][]float64, types ...ColumnType) (Dataset, error) {
	d, err := newUnlabeled(samples, types)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// NewLabeled returns a labeled dataset. len(labels) must equal len(samples).
func NewLabeled(samples [][]float64, labels []float64, types ...ColumnType) (Labeled, error) {
	d, err := newUnlabeled(samples, types)
	if err != nil {
		return nil, err
	}
	if len(labels) != len(samples) {
		return nil, invalidInputf("got %d labels for %d samples", len(labels), len(samples))
	}
	return &labeled{unlabeled: *d, labels: labels}, nil
}

// FromMatrix returns an all-continuous dataset whose samples are the rows of x.
func FromMatrix(x mat.Matrix) (Dataset, error) {
	return NewUnlabeled(matrixRows(x))
}

// FromLabeledMatrix returns an all-continuous labeled dataset whose samples
// are the rows of x and whose labels are y.
func FromLabeledMatrix(x mat.Matrix, y []float64) (Labeled, error) {
	return NewLabeled(matrixRows(x), y)
}

func matrixRows(x mat.Matrix) [][]float64 {
	r, _ := x.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = mat.Row(nil, i, x)
	}
	return rows
}

func newUnlabeled(samples [][]float64, types []ColumnType) (*unlabeled, error) {
	cols := 0
	if len(samples) > 0 {
		cols = len(samples[0])
	}
	for i, s := range samples {
		if len(s) != cols {
			return nil, fmt.Errorf("row %d: %w", i, &DimensionMismatchError{Expected: cols, Actual: len(s)})
		}
	}
	if len(types) == 0 {
		types = make([]ColumnType, cols)
	} else if len(samples) > 0 && len(types) != cols {
		return nil, invalidInputf("got %d column types for %d columns", len(types), cols)
	}
	return &unlabeled{samples: samples, types: types}, nil
}

// isNilDataset reports whether ds is nil or wraps a nil pointer to one of
// this package's dataset types.
func isNilDataset(ds Dataset) bool {
	switch d := ds.(type) {
	case nil:
		return true
	case *unlabeled:
		return d == nil
	case *labeled:
		return d == nil
	}
	return false
}

// allContinuous reports whether every column of ds is Continuous.
func allContinuous(ds Dataset) bool {
	for _, t := range ds.ColumnTypes() {
		if t != Continuous {
			return false
		}
	}
	return true
}
