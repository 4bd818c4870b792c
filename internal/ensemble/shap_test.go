package ensemble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightgrid/explain-engine/internal/models"
)

func numVec(vals ...float64) []models.Value {
	out := make([]models.Value, len(vals))
	for i, v := range vals {
		out[i] = models.NumericValue(v)
	}
	return out
}

func sum(xs []float64) float64 {
	total := 0.0
	for _, x := range xs {
		total += x
	}
	return total
}

func TestContributionsSingleSplit(t *testing.T) {
	// One split, one background row: the split feature carries the entire
	// difference between the two leaves.
	ens := Ensemble{Trees: []Tree{stump(0, 3, 1.2, -0.8)}}
	x := numVec(2, 0)
	background := [][]models.Value{numVec(8, 0)}

	phi := ens.Contributions(x, background)
	assert.InDelta(t, 2.0, phi[0], 1e-12)
	assert.InDelta(t, 0, phi[1], 1e-12)
}

func TestContributionsCompleteness(t *testing.T) {
	// Deeper trees with repeated features and a mixed background; the
	// attributions must still sum exactly to margin minus baseline.
	deep := Tree{Nodes: []Node{
		{Feature: 0, Threshold: 5, Left: 1, Right: 4},
		{Feature: 1, Threshold: 10, Left: 2, Right: 3},
		{Leaf: true, Value: 1.5},
		{Leaf: true, Value: 0.4},
		{Feature: 0, Threshold: 9, Left: 5, Right: 6},
		{Leaf: true, Value: -0.3},
		{Leaf: true, Value: -1.1},
	}}
	ens := Ensemble{
		BaseScore: 0.25,
		Trees:     []Tree{deep, stump(1, 8, 0.7, -0.2), stump(2, 100, -0.5, 0.9)},
	}

	background := [][]models.Value{
		numVec(7, 4, 50),
		numVec(2, 15, 200),
		numVec(10, 9, 120),
	}
	for _, x := range [][]models.Value{
		numVec(1, 1, 300),
		numVec(6, 12, 10),
		numVec(9.5, 8, 100),
	} {
		phi := ens.Contributions(x, background)
		want := ens.Margin(x) - ens.MeanMargin(background)
		assert.InDelta(t, want, sum(phi), 1e-9)
	}
}

func TestContributionsSharedPathCancels(t *testing.T) {
	// Feature 1 takes the same branch for x and z, so only feature 0 should
	// receive credit even though both features sit on the path.
	tree := Tree{Nodes: []Node{
		{Feature: 1, Threshold: 50, Left: 1, Right: 4},
		{Feature: 0, Threshold: 3, Left: 2, Right: 3},
		{Leaf: true, Value: 2},
		{Leaf: true, Value: -2},
		{Leaf: true, Value: 0},
	}}
	ens := Ensemble{Trees: []Tree{tree}}

	x := numVec(1, 10)
	background := [][]models.Value{numVec(9, 20)}
	phi := ens.Contributions(x, background)
	assert.InDelta(t, 4, phi[0], 1e-12)
	assert.InDelta(t, 0, phi[1], 1e-12)
}

func TestContributionsTwoFeatureInteraction(t *testing.T) {
	// x and z differ on both features of a depth-two tree; the Shapley
	// weights split the leaf difference between them and still telescope to
	// f(x) - f(z).
	tree := Tree{Nodes: []Node{
		{Feature: 0, Threshold: 5, Left: 1, Right: 4},
		{Feature: 1, Threshold: 5, Left: 2, Right: 3},
		{Leaf: true, Value: 4},
		{Leaf: true, Value: 1},
		{Leaf: true, Value: 0},
	}}
	ens := Ensemble{Trees: []Tree{tree}}

	x := numVec(1, 1)
	z := numVec(9, 9)
	phi := ens.Contributions(x, [][]models.Value{z})

	require.InDelta(t, 4, sum(phi), 1e-12)
	// Averaging the two feature orderings by hand gives feature 0 a
	// (1+4)/2 share and feature 1 the remaining 3/2.
	assert.InDelta(t, 2.5, phi[0], 1e-12)
	assert.InDelta(t, 1.5, phi[1], 1e-12)
}

func TestContributionsEmptyBackground(t *testing.T) {
	ens := Ensemble{Trees: []Tree{stump(0, 3, 1, -1)}}
	phi := ens.Contributions(numVec(1), nil)
	assert.Equal(t, []float64{0}, phi)
}

func TestContributionsCategoricalSplit(t *testing.T) {
	tree := Tree{Nodes: []Node{
		{Feature: 0, Categories: []string{"month_to_month"}, Left: 1, Right: 2},
		{Leaf: true, Value: 1.1},
		{Leaf: true, Value: -0.4},
	}}
	ens := Ensemble{Trees: []Tree{tree}}

	x := []models.Value{models.CategoricalValue("month_to_month")}
	background := [][]models.Value{
		{models.CategoricalValue("two_year")},
		{models.CategoricalValue("month_to_month")},
	}
	phi := ens.Contributions(x, background)
	// Half the background agrees with x, so only half the leaf gap remains.
	assert.InDelta(t, (1.1+0.4)/2, phi[0], 1e-12)
}
