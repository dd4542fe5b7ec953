// Package kdn implements a K-d tree nearest-neighbor index and a K-d
// neighbors regressor built on top of it.
//
// The index recursively splits the training samples at the median of the
// axis with the greatest spread until each leaf holds at most MaxLeafSize
// samples. A query descends to the leaf containing the query point, then
// backtracks and visits a sibling subtree only when the splitting hyperplane
// is closer than the current k-th best neighbor. Results are exact.
//
// Basic usage:
//
//	cfg := kdn.DefaultConfig()
//	cfg.K = 5
//	reg, err := kdn.NewRegressor(cfg)
//	train, err := kdn.NewLabeled(samples, targets)
//	err = reg.Train(train)
//	test, err := kdn.NewUnlabeled(queries)
//	predictions, err := reg.Predict(test)
//
// With Weighted enabled (the default) each neighbor contributes with weight
// 1/(1+distance); otherwise neighbor labels are averaged uniformly.
//
// The index can also be used directly:
//
//	tree, err := kdn.NewKDTree(20, kdn.EuclideanMetric{})
//	err = tree.Build(samples, labels)
//	labels, distances, err := tree.Query(point, 3)
//
// A built index is immutable and safe for concurrent queries. Trained models
// can be persisted with Regressor.Save and restored with Load.
package kdn
