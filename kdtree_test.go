package kdn

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

func randomTrainingSet(seed int64, n, dims int) ([][]float64, []float64) {
	rng := rand.New(rand.NewSource(seed))
	samples := make([][]float64, n)
	labels := make([]float64, n)
	for i := range samples {
		samples[i] = make([]float64, dims)
		for j := range samples[i] {
			samples[i][j] = rng.Float64() * 100
		}
		labels[i] = rng.NormFloat64() * 10
	}
	return samples, labels
}

func mustTree(t *testing.T, samples [][]float64, labels []float64, maxLeafSize int, metric DistanceMetric, opts ...TreeOption) *KDTree {
	t.Helper()
	tree, err := NewKDTree(maxLeafSize, metric, opts...)
	require.NoError(t, err)
	require.NoError(t, tree.Build(samples, labels))
	return tree
}

// bruteForceKNN returns the k nearest training indices ordered by distance,
// then by index.
func bruteForceKNN(samples [][]float64, point []float64, k int, metric DistanceMetric) ([]int, []float64) {
	type distIdx struct {
		dist  float64
		index int
	}
	all := make([]distIdx, len(samples))
	for i, s := range samples {
		all[i] = distIdx{dist: metric.Distance(point, s), index: i}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].dist == all[j].dist {
			return all[i].index < all[j].index
		}
		return all[i].dist < all[j].dist
	})
	k = min(k, len(samples))
	idx := make([]int, k)
	dists := make([]float64, k)
	for i := 0; i < k; i++ {
		idx[i] = all[i].index
		dists[i] = all[i].dist
	}
	return idx, dists
}

// leafContents returns the training indices held by each leaf, left to
// right, sorted within each leaf.
func leafContents(t *testing.T, tree *KDTree) [][]int {
	t.Helper()
	td, err := tree.loaded()
	require.NoError(t, err)
	var out [][]int
	var walk func(n *node)
	walk = func(n *node) {
		switch n.kind {
		case leafNode:
			pts := append([]int(nil), n.points...)
			sort.Ints(pts)
			out = append(out, pts)
		case splitNode:
			walk(n.left)
			walk(n.right)
		default:
			t.Fatalf("unknown node kind %d", n.kind)
		}
	}
	walk(td.root)
	return out
}

// --- Construction tests ---

func TestNewKDTree_InvalidLeafSize(t *testing.T) {
	for _, size := range []int{0, -3} {
		_, err := NewKDTree(size, nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	}
	_, err := NewKDTree(4, MinkowskiMetric{P: 0.5})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestNewKDTree_StartsBare(t *testing.T) {
	tree, err := NewKDTree(4, nil)
	require.NoError(t, err)
	assert.True(t, tree.IsEmpty())
	assert.Zero(t, tree.Len())
	assert.Zero(t, tree.Dims())
	assert.Equal(t, EuclideanMetric{}, tree.Metric())
	assert.Equal(t, 4, tree.MaxLeafSize())
}

func TestKDTree_Build_LeavesPartitionTrainingSet(t *testing.T) {
	samples, labels := randomTrainingSet(1, 1000, 3)
	for _, leafSize := range []int{1, 3, 10, 64} {
		tree := mustTree(t, samples, labels, leafSize, nil)
		assert.False(t, tree.IsEmpty())
		assert.Equal(t, 1000, tree.Len())
		assert.Equal(t, 3, tree.Dims())

		seen := make([]int, len(samples))
		for _, leaf := range leafContents(t, tree) {
			assert.LessOrEqual(t, len(leaf), leafSize)
			for _, i := range leaf {
				seen[i]++
			}
		}
		for i, c := range seen {
			assert.Equal(t, 1, c, "leafSize=%d sample %d stored %d times", leafSize, i, c)
		}
	}
}

func TestKDTree_Build_SplitInvariant(t *testing.T) {
	samples, labels := randomTrainingSet(2, 500, 4)
	tree := mustTree(t, samples, labels, 5, nil)
	td, err := tree.loaded()
	require.NoError(t, err)
	_, err = checkSplits(td, td.root)
	require.NoError(t, err)
}

func TestKDTree_Build_Balanced(t *testing.T) {
	samples, labels := randomTrainingSet(3, 1000, 2)
	tree := mustTree(t, samples, labels, 10, nil)
	st, err := tree.Stats()
	require.NoError(t, err)

	bound := int(math.Ceil(math.Log2(1000.0/10.0))) + 1
	assert.LessOrEqual(t, st.Depth, bound)
	assert.LessOrEqual(t, st.LargestLeaf, 10)
	assert.Equal(t, st.Nodes, 2*st.Leaves-1, "tree must be strictly binary")
	assert.Equal(t, 1000, st.Samples)
}

func TestKDTree_Build_SplitsWidestDimension(t *testing.T) {
	// Spread along y is far larger than along x.
	samples := [][]float64{{0, 0}, {1, 100}, {2, 200}, {3, 300}}
	tree := mustTree(t, samples, make([]float64, 4), 2, nil)
	td, err := tree.loaded()
	require.NoError(t, err)
	require.Equal(t, splitNode, td.root.kind)
	assert.Equal(t, 1, td.root.dim)
	assert.Equal(t, 200.0, td.root.threshold)
}

func TestKDTree_Build_SingleLeafWhenSmall(t *testing.T) {
	samples := [][]float64{{1, 2}, {3, 4}}
	tree := mustTree(t, samples, []float64{1, 2}, 100, nil)
	st, err := tree.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Nodes)
	assert.Equal(t, 1, st.Leaves)
	assert.Zero(t, st.Depth)
}

func TestKDTree_Build_AllIdenticalFallsBackToLeaf(t *testing.T) {
	samples := make([][]float64, 25)
	for i := range samples {
		samples[i] = []float64{5, 5}
	}
	tree := mustTree(t, samples, make([]float64, 25), 4, nil)
	st, err := tree.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Leaves)
	assert.Equal(t, 25, st.LargestLeaf)
}

func TestKDTree_Build_DuplicateHeavyTerminates(t *testing.T) {
	// Half the samples share one value on every axis; the median falls on
	// the duplicates and the split must move past them.
	samples := make([][]float64, 0, 60)
	for i := 0; i < 40; i++ {
		samples = append(samples, []float64{0, 0})
	}
	for i := 0; i < 20; i++ {
		samples = append(samples, []float64{float64(i + 1), float64(2 * i)})
	}
	labels := make([]float64, len(samples))
	for i := range labels {
		labels[i] = float64(i)
	}
	tree := mustTree(t, samples, labels, 4, nil)

	total := 0
	for _, leaf := range leafContents(t, tree) {
		total += len(leaf)
		if len(leaf) > 4 {
			// Only the identical block may exceed the leaf size.
			for _, i := range leaf {
				assert.Equal(t, []float64{0, 0}, samples[i])
			}
		}
	}
	assert.Equal(t, len(samples), total)

	for _, q := range [][]float64{{0, 0}, {3, 3}, {20, 40}} {
		wantIdx, wantDist := bruteForceKNN(samples, q, 4, EuclideanMetric{})
		gotIdx, gotDist, err := tree.QueryIndices(q, 4)
		require.NoError(t, err)
		assert.Equal(t, wantIdx, gotIdx)
		assert.InDeltaSlice(t, wantDist, gotDist, floatTol)
	}
}

func TestKDTree_Build_CopiesInput(t *testing.T) {
	samples := [][]float64{{0, 0}, {10, 10}}
	labels := []float64{1, 2}
	tree := mustTree(t, samples, labels, 1, nil)

	samples[0][0] = 1000
	labels[0] = 1000

	got, dist, err := tree.Query([]float64{0, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, got)
	assert.Equal(t, []float64{0}, dist)
}

func TestKDTree_Build_InvalidInput(t *testing.T) {
	cases := map[string]struct {
		samples [][]float64
		labels  []float64
	}{
		"empty":           {nil, nil},
		"no features":     {[][]float64{{}, {}}, []float64{1, 2}},
		"ragged":          {[][]float64{{1, 2}, {3}}, []float64{1, 2}},
		"label count":     {[][]float64{{1, 2}, {3, 4}}, []float64{1}},
		"NaN feature":     {[][]float64{{1, math.NaN()}}, []float64{1}},
		"infinite sample": {[][]float64{{math.Inf(1), 0}}, []float64{1}},
		"NaN label":       {[][]float64{{1, 2}}, []float64{math.NaN()}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			tree, err := NewKDTree(2, nil)
			require.NoError(t, err)
			err = tree.Build(tc.samples, tc.labels)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.True(t, tree.IsEmpty(), "failed build must leave the index bare")
		})
	}
}

func TestKDTree_Build_RaggedReportsDimensionMismatch(t *testing.T) {
	tree, err := NewKDTree(2, nil)
	require.NoError(t, err)
	err = tree.Build([][]float64{{1, 2}, {3, 4}, {5}}, []float64{1, 2, 3})

	var dm *DimensionMismatchError
	require.True(t, errors.As(err, &dm))
	assert.Equal(t, 2, dm.Expected)
	assert.Equal(t, 1, dm.Actual)
}

func TestKDTree_Build_Twice(t *testing.T) {
	tree := mustTree(t, [][]float64{{1}}, []float64{1}, 1, nil)
	err := tree.Build([][]float64{{2}}, []float64{2})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, tree.Len())
}

func TestKDTree_Build_RejectedWhileBuilding(t *testing.T) {
	tree, err := NewKDTree(1, nil)
	require.NoError(t, err)
	tree.building.Store(true)

	err = tree.Build([][]float64{{1}}, []float64{1})
	assert.ErrorIs(t, err, ErrBuildInProgress)

	_, _, err = tree.Query([]float64{1}, 1)
	assert.ErrorIs(t, err, ErrBuildInProgress)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestKDTree_Build_ParallelMatchesSequential(t *testing.T) {
	samples, labels := randomTrainingSet(4, 3*parallelBuildThreshold, 3)
	seq := mustTree(t, samples, labels, 8, nil, WithWorkers(1))
	par := mustTree(t, samples, labels, 8, nil, WithWorkers(4))

	seqView, err := seq.View()
	require.NoError(t, err)
	parView, err := par.View()
	require.NoError(t, err)
	assert.Equal(t, seqView.Nodes, parView.Nodes)

	rng := rand.New(rand.NewSource(5))
	for q := 0; q < 20; q++ {
		point := []float64{rng.Float64() * 100, rng.Float64() * 100, rng.Float64() * 100}
		wantIdx, wantDist, err := seq.QueryIndices(point, 5)
		require.NoError(t, err)
		gotIdx, gotDist, err := par.QueryIndices(point, 5)
		require.NoError(t, err)
		assert.Equal(t, wantIdx, gotIdx)
		assert.Equal(t, wantDist, gotDist)
	}
}

// --- View / Restore tests ---

func TestKDTree_ViewRestore_RoundTrip(t *testing.T) {
	samples, labels := randomTrainingSet(6, 300, 2)
	tree := mustTree(t, samples, labels, 7, ManhattanMetric{})
	view, err := tree.View()
	require.NoError(t, err)
	assert.Equal(t, 7, view.MaxLeafSize)
	assert.Equal(t, 2, view.Dims)

	restored, err := RestoreKDTree(view, ManhattanMetric{})
	require.NoError(t, err)

	wantStats, err := tree.Stats()
	require.NoError(t, err)
	gotStats, err := restored.Stats()
	require.NoError(t, err)
	assert.Equal(t, wantStats, gotStats)

	for _, q := range [][]float64{{0, 0}, {50, 50}, {99, 1}} {
		wl, wd, err := tree.Query(q, 7)
		require.NoError(t, err)
		gl, gd, err := restored.Query(q, 7)
		require.NoError(t, err)
		assert.Equal(t, wl, gl)
		assert.Equal(t, wd, gd)
	}
}

func TestKDTree_View_IsDetached(t *testing.T) {
	tree := mustTree(t, [][]float64{{1}, {2}, {3}}, []float64{1, 2, 3}, 1, nil)
	view, err := tree.View()
	require.NoError(t, err)
	view.Samples[0][0] = 100
	view.Labels[0] = 100

	labels, _, err := tree.Query([]float64{1}, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, labels)
}

func TestKDTree_View_Bare(t *testing.T) {
	tree, err := NewKDTree(1, nil)
	require.NoError(t, err)
	_, err = tree.View()
	assert.ErrorIs(t, err, ErrNotTrained)
}

func TestRestoreKDTree_Corrupt(t *testing.T) {
	base := func() *TreeView {
		tree := mustTree(t, [][]float64{{0}, {1}, {2}, {3}}, []float64{0, 1, 2, 3}, 2, nil)
		v, err := tree.View()
		require.NoError(t, err)
		require.False(t, v.Nodes[0].Leaf)
		return v
	}

	cases := map[string]func(v *TreeView){
		"child out of range": func(v *TreeView) { v.Nodes[0].Left = 99 },
		"child cycle":        func(v *TreeView) { v.Nodes[0].Left = 0 },
		"split dim":          func(v *TreeView) { v.Nodes[0].Dim = 3 },
		"missing sample":     func(v *TreeView) { v.Nodes[v.Nodes[0].Left].Points = v.Nodes[v.Nodes[0].Left].Points[:1] },
		"duplicate sample": func(v *TreeView) {
			l, r := v.Nodes[0].Left, v.Nodes[0].Right
			v.Nodes[r].Points = append(v.Nodes[r].Points, v.Nodes[l].Points[0])
		},
		"point out of range": func(v *TreeView) { v.Nodes[v.Nodes[0].Right].Points[0] = 42 },
		"split violated":     func(v *TreeView) { v.Nodes[0].Threshold = -10 },
		"nan threshold":      func(v *TreeView) { v.Nodes[0].Threshold = math.NaN() },
		"inf threshold":      func(v *TreeView) { v.Nodes[0].Threshold = math.Inf(1) },
		"dims":               func(v *TreeView) { v.Dims = 2 },
		"no nodes":           func(v *TreeView) { v.Nodes = nil },
		"leaf size":          func(v *TreeView) { v.MaxLeafSize = 0 },
		"labels":             func(v *TreeView) { v.Labels = v.Labels[:2] },
	}
	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			v := base()
			corrupt(v)
			_, err := RestoreKDTree(v, nil)
			assert.ErrorIs(t, err, ErrCorruptSnapshot)
		})
	}

	_, err := RestoreKDTree(nil, nil)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}

// --- concurrency ---

func TestKDTree_ConcurrentQueries(t *testing.T) {
	samples, labels := randomTrainingSet(7, 2000, 3)
	tree := mustTree(t, samples, labels, 16, nil)

	queries, _ := randomTrainingSet(8, 64, 3)
	want := make([][]int, len(queries))
	for i, q := range queries {
		idx, _, err := tree.QueryIndices(q, 5)
		require.NoError(t, err)
		want[i] = idx
	}

	var wg sync.WaitGroup
	got := make([][]int, len(queries))
	errs := make([]error, len(queries))
	for i, q := range queries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i], _, errs[i] = tree.QueryIndices(q, 5)
		}()
	}
	wg.Wait()

	for i := range queries {
		require.NoError(t, errs[i])
		assert.Equal(t, want[i], got[i])
	}
}

func TestKDTree_ConcurrentBuildsOnlyOneWins(t *testing.T) {
	samples, labels := randomTrainingSet(9, 5000, 2)
	tree, err := NewKDTree(8, nil)
	require.NoError(t, err)

	const builders = 8
	var wg sync.WaitGroup
	errs := make([]error, builders)
	for i := 0; i < builders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = tree.Build(samples, labels)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidState)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 5000, tree.Len())
}
