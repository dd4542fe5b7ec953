package kdn

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Config controls the K-d neighbors regressor.
// Start with [DefaultConfig] and override the fields you need.
type Config struct {
	// K is the number of neighbors aggregated into each prediction.
	// Must be >= 1 and <= MaxLeafSize. Default: 3.
	K int

	// MaxLeafSize is the capacity of a leaf bucket in the index. Larger
	// leaves make the tree shallower and each leaf search longer.
	// 0 means the default. Default: 20.
	MaxLeafSize int

	// Weighted enables inverse-distance weighting: each neighbor contributes
	// with weight 1/(1+distance). When false the neighbor labels are averaged
	// uniformly. Default: true.
	Weighted bool

	// Metric measures the distance between samples.
	// Built-in: EuclideanMetric, ManhattanMetric, ChebyshevMetric,
	// MinkowskiMetric. Use DistanceFunc to wrap a custom function.
	// Default: EuclideanMetric.
	Metric DistanceMetric

	// Workers controls the number of goroutines used to build large subtrees
	// and to predict batches. 0 means runtime.NumCPU(). Default: 0 (auto).
	Workers int

	// Logger receives build and prediction traces. nil discards them.
	Logger *Logger
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		K:           3,
		MaxLeafSize: 20,
		Weighted:    true,
		Metric:      EuclideanMetric{},
	}
}

// applyDefaults fills in zero-valued config fields with their defaults.
func applyDefaults(cfg *Config) {
	if cfg.MaxLeafSize == 0 {
		cfg.MaxLeafSize = 20
	}
	if cfg.Metric == nil {
		cfg.Metric = EuclideanMetric{}
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Logger == nil {
		cfg.Logger = NoopLogger()
	}
}

// validateConfig checks that cfg fields are valid and returns a descriptive error if not.
func validateConfig(cfg *Config) error {
	if cfg.K < 1 {
		return invalidConfigf("at least 1 neighbor is required to make a prediction, K = %d", cfg.K)
	}
	if cfg.MaxLeafSize < 1 {
		return invalidConfigf("MaxLeafSize must be >= 1, got %d", cfg.MaxLeafSize)
	}
	if cfg.K > cfg.MaxLeafSize {
		return invalidConfigf("K cannot be larger than MaxLeafSize, K = %d but MaxLeafSize = %d", cfg.K, cfg.MaxLeafSize)
	}
	if cfg.Workers < 0 {
		return invalidConfigf("Workers must be >= 0, got %d", cfg.Workers)
	}
	return validateMetric(cfg.Metric)
}

// Regressor predicts a continuous target as the (optionally distance
// weighted) mean of the labels of the K nearest training samples, found with
// a K-d tree.
//
// Train and Predict may be called concurrently. Retraining builds a new index
// and swaps it in once complete; predictions in flight keep using the index
// they started with.
type Regressor struct {
	cfg   Config
	index atomic.Pointer[KDTree]
}

// NewRegressor validates cfg and returns an untrained regressor.
func NewRegressor(cfg Config) (*Regressor, error) {
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &Regressor{cfg: cfg}, nil
}

// Config returns the effective configuration, defaults applied.
func (r *Regressor) Config() Config { return r.cfg }

// Trained reports whether Train has completed successfully at least once.
func (r *Regressor) Trained() bool { return r.index.Load() != nil }

// Index returns the trained index, or nil if the regressor is untrained.
// The index is read-only.
func (r *Regressor) Index() *KDTree { return r.index.Load() }

// Train builds the neighbor index over a labeled dataset whose columns are
// all continuous. A failed Train leaves any previously trained model in place.
func (r *Regressor) Train(ds Dataset) error {
	l, ok := ds.(Labeled)
	if !ok || isNilDataset(l) {
		return invalidInputf("this estimator requires a labeled training set")
	}
	if !allContinuous(l) {
		return invalidInputf("this estimator only works with continuous features")
	}

	tree, err := NewKDTree(r.cfg.MaxLeafSize, r.cfg.Metric,
		WithWorkers(r.cfg.Workers),
		WithLogger(r.cfg.Logger),
	)
	if err != nil {
		return err
	}
	if err := tree.Build(l.Samples(), l.Labels()); err != nil {
		return fmt.Errorf("train: %w", err)
	}

	r.index.Store(tree)
	return nil
}

// Predict returns one prediction per sample of ds, in input order.
//
// It fails with ErrInvalidInput if ds has a categorical column or a sample
// whose dimensionality differs from the training set, and with ErrNotTrained
// before a successful Train. Input is validated completely before any
// prediction is computed.
func (r *Regressor) Predict(ds Dataset) ([]float64, error) {
	start := time.Now()
	preds, err := r.predict(ds)
	rows := 0
	if !isNilDataset(ds) {
		rows = len(ds.Samples())
	}
	r.cfg.Logger.LogPredict(rows, r.cfg.K, r.cfg.Weighted, time.Since(start), err)
	return preds, err
}

func (r *Regressor) predict(ds Dataset) ([]float64, error) {
	if isNilDataset(ds) {
		return nil, invalidInputf("nil dataset")
	}
	if !allContinuous(ds) {
		return nil, invalidInputf("this estimator only works with continuous features")
	}
	tree := r.index.Load()
	if tree == nil {
		return nil, ErrNotTrained
	}
	td, err := tree.loaded()
	if err != nil {
		return nil, err
	}

	samples := ds.Samples()
	for i, x := range samples {
		if err := validateQuery(td, x, r.cfg.K); err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
	}

	preds := make([]float64, len(samples))
	err = forEachRowRange(len(samples), r.cfg.Workers, func(start, end int) error {
		for i := start; i < end; i++ {
			p, err := r.estimate(tree, td, samples[i])
			if err != nil {
				return fmt.Errorf("sample %d: %w", i, err)
			}
			preds[i] = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return preds, nil
}

// PredictSample returns the prediction for a single sample.
func (r *Regressor) PredictSample(x []float64) (float64, error) {
	tree := r.index.Load()
	if tree == nil {
		return 0, ErrNotTrained
	}
	td, err := tree.loaded()
	if err != nil {
		return 0, err
	}
	return r.estimate(tree, td, x)
}

// Neighbors returns the labels and distances of the K training samples
// nearest to x, ordered by increasing distance.
func (r *Regressor) Neighbors(x []float64) (labels, distances []float64, err error) {
	tree := r.index.Load()
	if tree == nil {
		return nil, nil, ErrNotTrained
	}
	return tree.Query(x, r.cfg.K)
}

func (r *Regressor) estimate(tree *KDTree, td *treeData, x []float64) (float64, error) {
	idx, distances, err := tree.query(td, x, r.cfg.K, nil)
	if err != nil {
		return 0, err
	}
	labels := make([]float64, len(idx))
	for i, j := range idx {
		labels[i] = td.labels[j]
	}

	if !r.cfg.Weighted {
		return stat.Mean(labels, nil), nil
	}
	weights := make([]float64, len(distances))
	for i, d := range distances {
		weights[i] = 1 / (1 + d)
	}
	return stat.Mean(labels, weights), nil
}
