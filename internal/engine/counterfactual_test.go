package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightgrid/explain-engine/internal/models"
)

func newCounterfactualEngine(t *testing.T) *CounterfactualEngine {
	t.Helper()
	schemaReg := testSchema(t)
	return NewCounterfactualEngine(nil, testRegistry(t, schemaReg), schemaReg)
}

func retentionRanges() map[string]models.PermittedRange {
	return map[string]models.PermittedRange{
		"satisfaction_score": {Low: 1, High: 10},
		"avg_monthly_bill":   {Low: 50, High: 300},
	}
}

func TestFindReturnsFeasibleCandidates(t *testing.T) {
	eng := newCounterfactualEngine(t)
	inst := customer("cust-1", 2, 6, 250)
	opts := SearchOptions{DesiredClass: 0, TopN: 3, PermittedRanges: retentionRanges()}

	candidates, err := eng.Find(context.Background(), inst, "churn", opts)
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	assert.LessOrEqual(t, len(candidates), 3)

	for _, c := range candidates {
		assert.True(t, c.Feasible)
		assert.Less(t, c.ProbabilityAfter, 0.5)
		assert.Greater(t, c.ProbabilityBefore, 0.9)
		// Tenure has no permitted range, so it must stay frozen.
		assert.NotContains(t, c.Changes, "tenure_months")
		// With these trees no single-feature move crosses the threshold;
		// both levers have to shift together.
		assert.Equal(t, 2, c.NumChanged)
		assert.Len(t, c.Changes, 2)

		sat := c.Changes["satisfaction_score"]
		assert.GreaterOrEqual(t, sat.Num, 3.0)
		assert.LessOrEqual(t, sat.Num, 10.0)
		bill := c.Changes["avg_monthly_bill"]
		assert.GreaterOrEqual(t, bill.Num, 50.0)
		assert.Less(t, bill.Num, 150.0)
	}
}

func TestFindIsDeterministic(t *testing.T) {
	eng := newCounterfactualEngine(t)
	inst := customer("cust-1", 2, 6, 250)
	opts := SearchOptions{DesiredClass: 0, TopN: 3, DiversityWeight: 0.4, PermittedRanges: retentionRanges()}

	first, err := eng.Find(context.Background(), inst, "churn", opts)
	require.NoError(t, err)
	second, err := eng.Find(context.Background(), inst, "churn", opts)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFindDiverseSelectionSpreads(t *testing.T) {
	eng := newCounterfactualEngine(t)
	inst := customer("cust-1", 2, 6, 250)
	opts := SearchOptions{DesiredClass: 0, TopN: 3, DiversityWeight: 0.8, PermittedRanges: retentionRanges()}

	candidates, err := eng.Find(context.Background(), inst, "churn", opts)
	require.NoError(t, err)
	require.Greater(t, len(candidates), 1)

	// Later picks earn a positive distance to the already-selected set.
	assert.Zero(t, candidates[0].DiversityScore)
	for _, c := range candidates[1:] {
		assert.Greater(t, c.DiversityScore, 0.0)
	}
	ids := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		ids[c.ID] = struct{}{}
	}
	assert.Len(t, ids, len(candidates))
}

func TestFindNoFeasibleReportsBudget(t *testing.T) {
	eng := newCounterfactualEngine(t)
	inst := customer("cust-1", 2, 6, 250)
	// The bill lever alone can only bring the margin down to 1.6; nothing in
	// this range crosses the threshold.
	opts := SearchOptions{
		DesiredClass:    0,
		PermittedRanges: map[string]models.PermittedRange{"avg_monthly_bill": {Low: 50, High: 300}},
	}

	_, err := eng.Find(context.Background(), inst, "churn", opts)
	var noFeasible *models.NoFeasibleCounterfactualError
	require.ErrorAs(t, err, &noFeasible)
	assert.Equal(t, "cust-1", noFeasible.InstanceID)
	assert.Greater(t, noFeasible.Evaluated, 0)
	assert.Nil(t, noFeasible.Closest)
}

func TestFindIncludeClosestFallback(t *testing.T) {
	eng := newCounterfactualEngine(t)
	inst := customer("cust-1", 2, 6, 250)
	opts := SearchOptions{
		DesiredClass:    0,
		IncludeClosest:  true,
		PermittedRanges: map[string]models.PermittedRange{"avg_monthly_bill": {Low: 50, High: 300}},
	}

	_, err := eng.Find(context.Background(), inst, "churn", opts)
	var noFeasible *models.NoFeasibleCounterfactualError
	require.ErrorAs(t, err, &noFeasible)
	require.NotNil(t, noFeasible.Closest)
	assert.False(t, noFeasible.Closest.Feasible)
	assert.Less(t, noFeasible.Closest.ProbabilityAfter, noFeasible.Closest.ProbabilityBefore)
}

func TestFindRejectsMissingRanges(t *testing.T) {
	eng := newCounterfactualEngine(t)
	inst := customer("cust-1", 2, 6, 250)

	_, err := eng.Find(context.Background(), inst, "churn", SearchOptions{DesiredClass: 0})
	var invalid *models.InvalidRangeError
	assert.ErrorAs(t, err, &invalid)
}

func TestFindRejectsUnknownRangeFeature(t *testing.T) {
	eng := newCounterfactualEngine(t)
	inst := customer("cust-1", 2, 6, 250)
	opts := SearchOptions{
		DesiredClass:    0,
		PermittedRanges: map[string]models.PermittedRange{"loyalty_points": {Low: 0, High: 10}},
	}

	_, err := eng.Find(context.Background(), inst, "churn", opts)
	var invalid *models.InvalidRangeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "loyalty_points", invalid.Feature)
}

func TestFindRejectsNonOverlappingRange(t *testing.T) {
	eng := newCounterfactualEngine(t)
	inst := customer("cust-1", 2, 6, 250)
	// Schema caps satisfaction at 10, the permitted range starts above it.
	opts := SearchOptions{
		DesiredClass:    0,
		PermittedRanges: map[string]models.PermittedRange{"satisfaction_score": {Low: 20, High: 30}},
	}

	_, err := eng.Find(context.Background(), inst, "churn", opts)
	var invalid *models.InvalidRangeError
	require.ErrorAs(t, err, &invalid)
}

func TestFindIncompleteInstance(t *testing.T) {
	eng := newCounterfactualEngine(t)
	inst := models.Instance{ID: "cust-9", Values: map[string]models.Value{
		"satisfaction_score": models.NumericValue(2),
	}}

	_, err := eng.Find(context.Background(), inst, "churn", SearchOptions{PermittedRanges: retentionRanges()})
	var incomplete *models.IncompleteInstanceError
	assert.ErrorAs(t, err, &incomplete)
}
