// Package ensemble implements the fixed model family this engine targets:
// binary classifiers built from additive decision-tree ensembles (gradient
// boosted trees). An ensemble exposes a single scoring capability plus the
// tree-specific Shapley decomposition hook; engines depend only on those,
// so other model families can slot in behind the same surface.
package ensemble

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/brightgrid/explain-engine/internal/models"
)

// Node is one node of a binary decision tree. Internal nodes split on a
// single feature: numeric values < Threshold route left, categorical values
// in Categories route left. Leaves carry a margin-space value.
type Node struct {
	Feature    int      `json:"feature"`
	Threshold  float64  `json:"threshold,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Left       int      `json:"left,omitempty"`
	Right      int      `json:"right,omitempty"`
	Leaf       bool     `json:"leaf,omitempty"`
	Value      float64  `json:"value,omitempty"`
}

// Tree is a single decision tree stored as a node array rooted at index 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Ensemble is an additive tree ensemble. The raw output for a vector is the
// margin (log-odds): BaseScore plus the sum of reached leaf values; the
// class probability is the sigmoid of the margin.
type Ensemble struct {
	BaseScore float64 `json:"base_score"`
	Trees     []Tree  `json:"trees"`
}

// Sigmoid converts a margin to a probability.
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func goesLeft(n Node, v models.Value) bool {
	if len(n.Categories) > 0 {
		return slices.Contains(n.Categories, v.Cat)
	}
	return v.Num < n.Threshold
}

func (t Tree) leafValue(x []models.Value) float64 {
	idx := 0
	for {
		n := t.Nodes[idx]
		if n.Leaf {
			return n.Value
		}
		if goesLeft(n, x[n.Feature]) {
			idx = n.Left
		} else {
			idx = n.Right
		}
	}
}

// Margin returns the raw additive output for an ordered feature vector.
func (e *Ensemble) Margin(x []models.Value) float64 {
	margin := e.BaseScore
	for _, t := range e.Trees {
		margin += t.leafValue(x)
	}
	return margin
}

// Score returns the positive-class probability for an ordered feature vector.
func (e *Ensemble) Score(x []models.Value) float64 {
	return Sigmoid(e.Margin(x))
}

// MeanMargin returns the average margin over a background sample. This is
// the attribution baseline; callers must hold one background snapshot for
// the duration of a batch.
func (e *Ensemble) MeanMargin(background [][]models.Value) float64 {
	if len(background) == 0 {
		return e.BaseScore
	}
	margins := make([]float64, len(background))
	for i, z := range background {
		margins[i] = e.Margin(z)
	}
	return stat.Mean(margins, nil)
}

// Validate checks structural soundness: node indices in range, children
// strictly after their parent (the arrays are stored in pre-order, which
// also rules out cycles), and feature indices inside the model's feature
// list.
func (e *Ensemble) Validate(numFeatures int) error {
	if len(e.Trees) == 0 {
		return fmt.Errorf("ensemble has no trees")
	}
	for ti, t := range e.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d has no nodes", ti)
		}
		for ni, n := range t.Nodes {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= numFeatures {
				return fmt.Errorf("tree %d node %d: feature index %d out of range", ti, ni, n.Feature)
			}
			if n.Left <= ni || n.Left >= len(t.Nodes) || n.Right <= ni || n.Right >= len(t.Nodes) {
				return fmt.Errorf("tree %d node %d: child index out of range", ti, ni)
			}
		}
	}
	return nil
}
