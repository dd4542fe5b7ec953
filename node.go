package kdn

import (
	"fmt"
	"math"
)

type nodeKind uint8

const (
	leafNode nodeKind = iota
	splitNode
)

// node is a tagged union: a split holds dim/threshold/left/right, a leaf holds
// points. Only the fields of the active kind are meaningful.
//
// Split invariant: every sample under left has feature[dim] < threshold and
// every sample under right has feature[dim] >= threshold.
type node struct {
	kind nodeKind

	dim       int
	threshold float64
	left      *node
	right     *node

	// points are row indices into the owning tree's sample and label arrays.
	points []int
}

func newLeaf(points []int) *node {
	return &node{kind: leafNode, points: points}
}

func newSplit(dim int, threshold float64, left, right *node) *node {
	return &node{kind: splitNode, dim: dim, threshold: threshold, left: left, right: right}
}

func unknownKind(n *node) error {
	return fmt.Errorf("%w: unknown node kind %d", ErrInvariantViolation, n.kind)
}

// NodeView is the serializable form of a single tree node. Left and Right are
// positions in TreeView.Nodes and are only meaningful when Leaf is false;
// Points is only meaningful when Leaf is true.
type NodeView struct {
	Leaf      bool    `json:"leaf"`
	Dim       int     `json:"dim"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Points    []int   `json:"points,omitempty"`
}

// TreeView is a detached, serializable copy of a built tree. Nodes are in
// pre-order with the root at position 0.
type TreeView struct {
	MaxLeafSize int         `json:"max_leaf_size"`
	Dims        int         `json:"dims"`
	Samples     [][]float64 `json:"samples"`
	Labels      []float64   `json:"labels"`
	Nodes       []NodeView  `json:"nodes"`
}

// flatten appends n and its descendants to out in pre-order and returns the
// position of n.
func flatten(n *node, out *[]NodeView) (int, error) {
	pos := len(*out)
	switch n.kind {
	case leafNode:
		pts := make([]int, len(n.points))
		copy(pts, n.points)
		*out = append(*out, NodeView{Leaf: true, Points: pts})
		return pos, nil
	case splitNode:
		*out = append(*out, NodeView{Dim: n.dim, Threshold: n.threshold})
		l, err := flatten(n.left, out)
		if err != nil {
			return 0, err
		}
		r, err := flatten(n.right, out)
		if err != nil {
			return 0, err
		}
		(*out)[pos].Left = l
		(*out)[pos].Right = r
		return pos, nil
	default:
		return 0, unknownKind(n)
	}
}

// unflatten rebuilds the node graph from a view, checking every structural
// invariant the query path relies on.
type unflattener struct {
	view    *TreeView
	visited []bool
	seen    []bool
}

func (u *unflattener) node(pos int) (*node, error) {
	if pos < 0 || pos >= len(u.view.Nodes) {
		return nil, fmt.Errorf("%w: node reference %d out of range", ErrCorruptSnapshot, pos)
	}
	if u.visited[pos] {
		return nil, fmt.Errorf("%w: node %d referenced twice", ErrCorruptSnapshot, pos)
	}
	u.visited[pos] = true

	nv := u.view.Nodes[pos]
	if nv.Leaf {
		pts := make([]int, len(nv.Points))
		for i, p := range nv.Points {
			if p < 0 || p >= len(u.seen) {
				return nil, fmt.Errorf("%w: leaf point %d out of range", ErrCorruptSnapshot, p)
			}
			if u.seen[p] {
				return nil, fmt.Errorf("%w: sample %d appears in more than one leaf", ErrCorruptSnapshot, p)
			}
			u.seen[p] = true
			pts[i] = p
		}
		return newLeaf(pts), nil
	}

	if nv.Dim < 0 || nv.Dim >= u.view.Dims {
		return nil, fmt.Errorf("%w: split dimension %d out of range", ErrCorruptSnapshot, nv.Dim)
	}
	if math.IsNaN(nv.Threshold) || math.IsInf(nv.Threshold, 0) {
		return nil, fmt.Errorf("%w: split threshold %v is not finite", ErrCorruptSnapshot, nv.Threshold)
	}
	left, err := u.node(nv.Left)
	if err != nil {
		return nil, err
	}
	right, err := u.node(nv.Right)
	if err != nil {
		return nil, err
	}
	return newSplit(nv.Dim, nv.Threshold, left, right), nil
}
