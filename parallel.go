package kdn

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// forEachRowRange splits rows [0, n) into contiguous ranges, one per worker,
// and runs fn on every range concurrently. Ranges never overlap, so fn may
// write to per-row output slots without synchronization. numWorkers <= 1 runs
// fn inline over the whole range. The first error returned by any fn is
// returned after all workers finish.
func forEachRowRange(n, numWorkers int, fn func(start, end int) error) error {
	if numWorkers <= 1 || n <= 1 {
		return fn(0, n)
	}

	var g errgroup.Group
	rowsPerWorker := (n + numWorkers - 1) / numWorkers

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		if startRow >= n {
			break
		}
		endRow := min(startRow+rowsPerWorker, n)

		g.Go(func() error {
			return fn(startRow, endRow)
		})
	}

	return g.Wait()
}

// QueryBatch runs Query for every row of points using the index's worker
// count. Results are in input order. All rows are validated before any
// search starts, so an error means no results were produced.
func (t *KDTree) QueryBatch(points [][]float64, k int) (labels, distances [][]float64, err error) {
	td, err := t.loaded()
	if err != nil {
		return nil, nil, err
	}
	for i, p := range points {
		if err := validateQuery(td, p, k); err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", i, err)
		}
	}

	labels = make([][]float64, len(points))
	distances = make([][]float64, len(points))
	err = forEachRowRange(len(points), t.workers, func(start, end int) error {
		for i := start; i < end; i++ {
			idx, dist, err := t.query(td, points[i], k, nil)
			if err != nil {
				return err
			}
			row := make([]float64, len(idx))
			for j, p := range idx {
				row[j] = td.labels[p]
			}
			labels[i] = row
			distances[i] = dist
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return labels, distances, nil
}
