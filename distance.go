package kdn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// DistanceMetric computes a non-negative, symmetric dissimilarity between two
// vectors of equal length.
//
// The index prunes subtrees using the per-axis bound |a[j] - b[j]|, so a
// metric must never report a distance smaller than the absolute difference
// along any single axis. Every Minkowski-family metric satisfies this.
type DistanceMetric interface {
	Distance(a, b []float64) float64
}

// DistanceFunc adapts a plain function into a DistanceMetric.
// The function must satisfy the per-axis bound described on DistanceMetric,
// otherwise queries may miss true neighbors.
type DistanceFunc func(a, b []float64) float64

func (f DistanceFunc) Distance(a, b []float64) float64 { return f(a, b) }

// EuclideanMetric computes the Euclidean (L2) distance.
type EuclideanMetric struct{}

func (EuclideanMetric) Distance(a, b []float64) float64 {
	return floats.Distance(a, b, 2)
}

// ManhattanMetric computes the Manhattan (L1 / city-block) distance.
type ManhattanMetric struct{}

func (ManhattanMetric) Distance(a, b []float64) float64 {
	return floats.Distance(a, b, 1)
}

// ChebyshevMetric computes the Chebyshev (L-infinity) distance.
type ChebyshevMetric struct{}

func (ChebyshevMetric) Distance(a, b []float64) float64 {
	return floats.Distance(a, b, math.Inf(1))
}

// MinkowskiMetric computes the Minkowski distance parameterized by P.
// P must be >= 1; NewRegressor and NewKDTree reject smaller values.
type MinkowskiMetric struct {
	P float64
}

func (m MinkowskiMetric) Distance(a, b []float64) float64 {
	return floats.Distance(a, b, m.P)
}

// validateMetric rejects metric parameters that break the pruning bound.
func validateMetric(m DistanceMetric) error {
	if mk, ok := m.(MinkowskiMetric); ok {
		if math.IsNaN(mk.P) || mk.P < 1 {
			return invalidConfigf("MinkowskiMetric.P must be >= 1, got %v", mk.P)
		}
	}
	return nil
}

// MetricName returns the stable name of a built-in metric. Custom metrics
// report ok == false.
func MetricName(m DistanceMetric) (name string, ok bool) {
	switch v := m.(type) {
	case EuclideanMetric:
		return "euclidean", true
	case ManhattanMetric:
		return "manhattan", true
	case ChebyshevMetric:
		return "chebyshev", true
	case MinkowskiMetric:
		return fmt.Sprintf("minkowski:%g", v.P), true
	default:
		return "", false
	}
}

// metricByName is the inverse of MetricName.
func metricByName(name string) (DistanceMetric, bool) {
	switch name {
	case "euclidean":
		return EuclideanMetric{}, true
	case "manhattan":
		return ManhattanMetric{}, true
	case "chebyshev":
		return ChebyshevMetric{}, true
	}
	var p float64
	if _, err := fmt.Sscanf(name, "minkowski:%g", &p); err == nil && p >= 1 {
		return MinkowskiMetric{P: p}, true
	}
	return nil, false
}
