package kdn

import (
	"container/heap"
	"math"
)

// Query returns the labels of the k training samples closest to point and
// their distances, ordered by increasing distance. Samples at equal distance
// are ordered by their position in the training set.
//
// When k exceeds the number of stored samples, every sample is returned.
func (t *KDTree) Query(point []float64, k int) (labels, distances []float64, err error) {
	td, err := t.loaded()
	if err != nil {
		return nil, nil, err
	}
	idx, distances, err := t.query(td, point, k, nil)
	if err != nil {
		return nil, nil, err
	}
	labels = make([]float64, len(idx))
	for i, j := range idx {
		labels[i] = td.labels[j]
	}
	return labels, distances, nil
}

// QueryIndices is like Query but returns the training-set positions of the
// neighbors instead of their labels.
func (t *KDTree) QueryIndices(point []float64, k int) (indices []int, distances []float64, err error) {
	td, err := t.loaded()
	if err != nil {
		return nil, nil, err
	}
	return t.query(td, point, k, nil)
}

// searchStats counts the work done by a single query.
type searchStats struct {
	leavesVisited int
	distances     int
}

func (t *KDTree) query(td *treeData, point []float64, k int, stats *searchStats) ([]int, []float64, error) {
	if err := validateQuery(td, point, k); err != nil {
		return nil, nil, err
	}

	s := &searcher{
		data:   td,
		metric: t.metric,
		point:  point,
		k:      min(k, td.n),
		heap:   make(knnHeap, 0, min(k, td.n)),
		stats:  stats,
	}
	if err := s.search(td.root); err != nil {
		return nil, nil, err
	}

	// Extract results sorted by distance (ascending).
	nResults := s.heap.Len()
	idx := make([]int, nResults)
	dist := make([]float64, nResults)
	for i := nResults - 1; i >= 0; i-- {
		item := heap.Pop(&s.heap).(knnItem)
		idx[i] = item.index
		dist[i] = item.dist
	}
	return idx, dist, nil
}

func validateQuery(td *treeData, point []float64, k int) error {
	if k < 1 {
		return invalidInputf("k must be >= 1, got %d", k)
	}
	if len(point) != td.dims {
		return &DimensionMismatchError{Expected: td.dims, Actual: len(point)}
	}
	for j, v := range point {
		if math.IsNaN(v) {
			return invalidInputf("query feature %d is NaN", j)
		}
	}
	return nil
}

type searcher struct {
	data   *treeData
	metric DistanceMetric
	point  []float64
	k      int
	heap   knnHeap
	stats  *searchStats
}

// search descends towards the leaf containing the query point first, then
// visits a sibling only if its half-space could hold something closer than
// the current k-th best.
func (s *searcher) search(n *node) error {
	switch n.kind {
	case leafNode:
		for _, i := range n.points {
			s.offer(i, s.metric.Distance(s.point, s.data.row(i)))
		}
		if s.stats != nil {
			s.stats.leavesVisited++
			s.stats.distances += len(n.points)
		}
		return nil

	case splitNode:
		near, far := n.left, n.right
		if s.point[n.dim] >= n.threshold {
			near, far = far, near
		}
		if err := s.search(near); err != nil {
			return err
		}
		// Equality still descends: a tie at the k-th distance may belong to
		// a sample with a smaller training index.
		if s.heap.Len() < s.k || math.Abs(s.point[n.dim]-n.threshold) <= s.heap[0].dist {
			return s.search(far)
		}
		return nil

	default:
		return unknownKind(n)
	}
}

func (s *searcher) offer(index int, dist float64) {
	item := knnItem{index: index, dist: dist}
	if s.heap.Len() < s.k {
		heap.Push(&s.heap, item)
		return
	}
	if item.worse(s.heap[0]) {
		return
	}
	s.heap[0] = item
	heap.Fix(&s.heap, 0)
}

// --- max-heap for KNN queries ---

type knnItem struct {
	index int
	dist  float64
}

// worse orders items by distance, then by training index.
func (a knnItem) worse(b knnItem) bool {
	if a.dist != b.dist {
		return a.dist > b.dist
	}
	return a.index > b.index
}

// knnHeap is a max-heap of knnItem (worst item on top) used as a bounded
// priority queue for KNN queries.
type knnHeap []knnItem

func (h knnHeap) Len() int            { return len(h) }
func (h knnHeap) Less(i, j int) bool  { return h[i].worse(h[j]) } // max-heap
func (h knnHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *knnHeap) Push(x interface{}) { *h = append(*h, x.(knnItem)) }
func (h *knnHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// TreeStats summarizes the shape of a built tree.
type TreeStats struct {
	Samples     int
	Nodes       int
	Leaves      int
	Depth       int
	MaxLeafSize int
	LargestLeaf int
}

// Stats returns shape statistics of the built tree.
func (t *KDTree) Stats() (TreeStats, error) {
	td, err := t.loaded()
	if err != nil {
		return TreeStats{}, err
	}
	return statsOf(td, t.maxLeafSize), nil
}

func statsOf(td *treeData, maxLeafSize int) TreeStats {
	st := TreeStats{Samples: td.n, MaxLeafSize: maxLeafSize}
	var walk func(n *node, depth int)
	walk = func(n *node, depth int) {
		st.Nodes++
		st.Depth = max(st.Depth, depth)
		if n.kind == leafNode {
			st.Leaves++
			st.LargestLeaf = max(st.LargestLeaf, len(n.points))
			return
		}
		walk(n.left, depth+1)
		walk(n.right, depth+1)
	}
	if td.root != nil {
		walk(td.root, 0)
	}
	return st
}
