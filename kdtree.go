package kdn

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// parallelBuildThreshold is the smallest subtree that is handed to another
// goroutine during a parallel build.
const parallelBuildThreshold = 4096

// KDTree is a K-d tree index over fixed-dimensional samples and their labels.
//
// A KDTree starts bare, is populated by exactly one successful Build and is
// read-only afterwards. Queries are safe for concurrent use once Build has
// returned; the built tree is published atomically so a query never observes
// a partially built tree.
type KDTree struct {
	maxLeafSize int
	metric      DistanceMetric
	workers     int
	logger      *Logger

	building atomic.Bool
	data     atomic.Pointer[treeData]
}

// treeData is the immutable state of a built tree.
type treeData struct {
	root    *node
	samples []float64 // flat row-major (n * dims)
	labels  []float64
	n       int
	dims    int
}

func (td *treeData) row(i int) []float64 {
	return td.samples[i*td.dims : (i+1)*td.dims]
}

// TreeOption configures a KDTree.
type TreeOption func(*KDTree)

// WithWorkers sets the number of goroutines used to build large subtrees.
// Values < 1 mean runtime.NumCPU().
func WithWorkers(n int) TreeOption {
	return func(t *KDTree) {
		t.workers = n
	}
}

// WithLogger sets the structured logger used for build tracing.
func WithLogger(l *Logger) TreeOption {
	return func(t *KDTree) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewKDTree returns a bare index. maxLeafSize is the largest number of
// samples stored in a single leaf bucket. A nil metric selects
// EuclideanMetric.
func NewKDTree(maxLeafSize int, metric DistanceMetric, opts ...TreeOption) (*KDTree, error) {
	if maxLeafSize < 1 {
		return nil, invalidConfigf("max leaf size must be >= 1, got %d", maxLeafSize)
	}
	if metric == nil {
		metric = EuclideanMetric{}
	}
	if err := validateMetric(metric); err != nil {
		return nil, err
	}

	t := &KDTree{
		maxLeafSize: maxLeafSize,
		metric:      metric,
		logger:      NoopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.workers < 1 {
		t.workers = runtime.NumCPU()
	}
	return t, nil
}

// IsEmpty reports whether the index has not been built yet.
func (t *KDTree) IsEmpty() bool {
	return t.data.Load() == nil
}

// Len returns the number of stored samples, or 0 for a bare index.
func (t *KDTree) Len() int {
	if td := t.data.Load(); td != nil {
		return td.n
	}
	return 0
}

// Dims returns the dimensionality of the stored samples, or 0 for a bare index.
func (t *KDTree) Dims() int {
	if td := t.data.Load(); td != nil {
		return td.dims
	}
	return 0
}

// MaxLeafSize returns the configured leaf bucket capacity.
func (t *KDTree) MaxLeafSize() int { return t.maxLeafSize }

// Metric returns the distance metric used by the index.
func (t *KDTree) Metric() DistanceMetric { return t.metric }

// loaded returns the built tree or the error describing why there is none.
func (t *KDTree) loaded() (*treeData, error) {
	if td := t.data.Load(); td != nil {
		return td, nil
	}
	if t.building.Load() {
		return nil, ErrBuildInProgress
	}
	return nil, errEmptyIndex
}

// Build partitions samples and their aligned labels into the tree. The input
// is copied; callers may reuse their slices afterwards.
//
// Build fails with ErrInvalidInput on an empty or malformed training set, and
// with ErrInvalidState if the index has already been built or another Build
// is running. On failure the index is left bare.
func (t *KDTree) Build(samples [][]float64, labels []float64) error {
	n, dims, err := validateTrainingSet(samples, labels)
	if err != nil {
		return err
	}
	if !t.building.CompareAndSwap(false, true) {
		return ErrBuildInProgress
	}
	defer t.building.Store(false)
	if t.data.Load() != nil {
		return fmt.Errorf("%w: index is already built", ErrInvalidState)
	}

	start := time.Now()

	td := &treeData{
		samples: make([]float64, 0, n*dims),
		labels:  make([]float64, n),
		n:       n,
		dims:    dims,
	}
	for _, s := range samples {
		td.samples = append(td.samples, s...)
	}
	copy(td.labels, labels)

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	b := &builder{data: td, maxLeafSize: t.maxLeafSize}
	if t.workers > 1 && n > parallelBuildThreshold {
		b.group = new(errgroup.Group)
		b.group.SetLimit(t.workers - 1)
	}

	root, err := b.grow(idx)
	if b.group != nil {
		if werr := b.group.Wait(); err == nil {
			err = werr
		}
	}
	if err != nil {
		t.logger.LogBuild(n, dims, TreeStats{}, time.Since(start), err)
		return err
	}
	td.root = root

	t.data.Store(td)
	t.logger.LogBuild(n, dims, statsOf(td, t.maxLeafSize), time.Since(start), nil)
	return nil
}

// validateTrainingSet checks shape and content of a training set before any
// state is touched.
func validateTrainingSet(samples [][]float64, labels []float64) (n, dims int, err error) {
	n = len(samples)
	if n == 0 {
		return 0, 0, invalidInputf("cannot build an index from 0 samples")
	}
	if len(labels) != n {
		return 0, 0, invalidInputf("got %d labels for %d samples", len(labels), n)
	}
	dims = len(samples[0])
	if dims == 0 {
		return 0, 0, invalidInputf("samples must have at least one feature")
	}
	for i, s := range samples {
		if len(s) != dims {
			return 0, 0, fmt.Errorf("sample %d: %w", i, &DimensionMismatchError{Expected: dims, Actual: len(s)})
		}
		for j, v := range s {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, 0, invalidInputf("sample %d feature %d is not finite: %v", i, j, v)
			}
		}
	}
	for i, y := range labels {
		if math.IsNaN(y) || math.IsInf(y, 0) {
			return 0, 0, invalidInputf("label %d is not finite: %v", i, y)
		}
	}
	return n, dims, nil
}

// builder grows the node graph over a shared index permutation. Subtrees work
// on disjoint sub-slices of that permutation, so parallel growth needs no
// locking.
type builder struct {
	data        *treeData
	maxLeafSize int
	group       *errgroup.Group
}

func (b *builder) grow(idx []int) (*node, error) {
	if len(idx) <= b.maxLeafSize {
		return newLeaf(idx), nil
	}

	dim := b.widestDimension(idx)
	mid, ok := b.split(idx, dim)
	if !ok {
		// Every sample is identical; no threshold can separate them.
		return newLeaf(idx), nil
	}
	left, right := idx[:mid], idx[mid:]
	if len(left) == 0 || len(right) == 0 {
		return nil, fmt.Errorf("%w: split on dimension %d left %d/%d samples", ErrInvariantViolation, dim, len(left), len(right))
	}

	nd := newSplit(dim, b.value(right[0], dim), nil, nil)

	if b.group != nil && len(left) > parallelBuildThreshold {
		spawned := b.group.TryGo(func() error {
			l, err := b.grow(left)
			nd.left = l
			return err
		})
		if spawned {
			r, err := b.grow(right)
			nd.right = r
			return nd, err
		}
	}

	var err error
	if nd.left, err = b.grow(left); err != nil {
		return nil, err
	}
	if nd.right, err = b.grow(right); err != nil {
		return nil, err
	}
	return nd, nil
}

func (b *builder) value(i, dim int) float64 {
	return b.data.samples[i*b.data.dims+dim]
}

// widestDimension returns the axis with the greatest value range over idx.
// Ties go to the lowest axis.
func (b *builder) widestDimension(idx []int) int {
	dims := b.data.dims
	best, bestRange := 0, -1.0
	for d := 0; d < dims; d++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := b.value(i, d)
			lo = min(lo, v)
			hi = max(hi, v)
		}
		if hi-lo > bestRange {
			best, bestRange = d, hi-lo
		}
	}
	return best
}

// split sorts idx by dim and returns the position of the first sample on the
// right side. The threshold is the median of the projected values; when the
// whole lower half equals the median, the next larger distinct value is used
// instead. ok is false when all projected values are equal.
func (b *builder) split(idx []int, dim int) (mid int, ok bool) {
	sort.Slice(idx, func(i, j int) bool {
		return b.value(idx[i], dim) < b.value(idx[j], dim)
	})

	n := len(idx)
	median := b.value(idx[n/2], dim)
	mid = sort.Search(n, func(i int) bool { return b.value(idx[i], dim) >= median })
	if mid > 0 {
		return mid, true
	}

	mid = sort.Search(n, func(i int) bool { return b.value(idx[i], dim) > median })
	if mid == n {
		return 0, false
	}
	return mid, true
}

// RestoreKDTree rebuilds an index from a TreeView produced by View. The view
// is validated: every sample must appear in exactly one leaf and every split
// must separate its children. A nil metric selects EuclideanMetric.
func RestoreKDTree(v *TreeView, metric DistanceMetric, opts ...TreeOption) (*KDTree, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil tree view", ErrCorruptSnapshot)
	}
	t, err := NewKDTree(v.MaxLeafSize, metric, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	n, dims, err := validateTrainingSet(v.Samples, v.Labels)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	if dims != v.Dims {
		return nil, fmt.Errorf("%w: view declares %d dims, samples have %d", ErrCorruptSnapshot, v.Dims, dims)
	}
	if len(v.Nodes) == 0 {
		return nil, fmt.Errorf("%w: view has no nodes", ErrCorruptSnapshot)
	}

	td := &treeData{
		samples: make([]float64, 0, n*dims),
		labels:  make([]float64, n),
		n:       n,
		dims:    dims,
	}
	for _, s := range v.Samples {
		td.samples = append(td.samples, s...)
	}
	copy(td.labels, v.Labels)

	u := &unflattener{view: v, visited: make([]bool, len(v.Nodes)), seen: make([]bool, n)}
	root, err := u.node(0)
	if err != nil {
		return nil, err
	}
	for i, s := range u.seen {
		if !s {
			return nil, fmt.Errorf("%w: sample %d is not stored in any leaf", ErrCorruptSnapshot, i)
		}
	}
	td.root = root
	if _, err := checkSplits(td, root); err != nil {
		return nil, err
	}

	t.data.Store(td)
	return t, nil
}

// checkSplits verifies the split invariant below n and returns the points
// stored in its subtree.
func checkSplits(td *treeData, n *node) ([]int, error) {
	switch n.kind {
	case leafNode:
		return n.points, nil
	case splitNode:
		left, err := checkSplits(td, n.left)
		if err != nil {
			return nil, err
		}
		right, err := checkSplits(td, n.right)
		if err != nil {
			return nil, err
		}
		for _, i := range left {
			if td.row(i)[n.dim] >= n.threshold {
				return nil, fmt.Errorf("%w: sample %d is left of a split it does not precede", ErrCorruptSnapshot, i)
			}
		}
		for _, i := range right {
			if td.row(i)[n.dim] < n.threshold {
				return nil, fmt.Errorf("%w: sample %d is right of a split it precedes", ErrCorruptSnapshot, i)
			}
		}
		return append(append(make([]int, 0, len(left)+len(right)), left...), right...), nil
	default:
		return nil, unknownKind(n)
	}
}

// View returns a detached, serializable copy of the built tree.
func (t *KDTree) View() (*TreeView, error) {
	td, err := t.loaded()
	if err != nil {
		return nil, err
	}
	v := &TreeView{
		MaxLeafSize: t.maxLeafSize,
		Dims:        td.dims,
		Samples:     make([][]float64, td.n),
		Labels:      make([]float64, td.n),
	}
	for i := range v.Samples {
		row := make([]float64, td.dims)
		copy(row, td.row(i))
		v.Samples[i] = row
	}
	copy(v.Labels, td.labels)
	if _, err := flatten(td.root, &v.Nodes); err != nil {
		return nil, err
	}
	return v, nil
}
