package engine

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightgrid/explain-engine/internal/models"
)

func newComparator(t *testing.T) *Comparator {
	t.Helper()
	schemaReg := testSchema(t)
	reg := testRegistry(t, schemaReg)
	attribution := NewAttributionEngine(nil, reg, schemaReg)
	return NewComparator(nil, reg, attribution, 2)
}

func TestCompareInstanceRanksByOpportunity(t *testing.T) {
	comp := newComparator(t)
	inst := customer("cust-1", 2, 6, 250)

	result, err := comp.CompareInstance(context.Background(), inst, []string{"churn", "upsell_green_plan"}, "")
	require.NoError(t, err)

	churn := result.Results["churn"]
	upsell := result.Results["upsell_green_plan"]
	require.Empty(t, churn.Err)
	require.Empty(t, upsell.Err)

	// churn: p = sigmoid(2.3), undesirable positive class, so the
	// opportunity is the stay probability. upsell: p = sigmoid(-1).
	assert.InDelta(t, 1-1/(1+math.Exp(-2.3)), churn.Opportunity, 1e-9)
	assert.InDelta(t, 1/(1+math.Exp(1)), upsell.Opportunity, 1e-9)

	// The upsell play beats retention for this customer.
	assert.Equal(t, []string{"upsell_green_plan", "churn"}, result.Ranking)
}

func TestCompareInstanceIsolatesFailures(t *testing.T) {
	comp := newComparator(t)
	inst := customer("cust-1", 2, 6, 250)

	result, err := comp.CompareInstance(context.Background(), inst, []string{"fraud", "churn"}, "")
	require.NoError(t, err)

	assert.NotEmpty(t, result.Results["fraud"].Err)
	assert.Empty(t, result.Results["churn"].Err)
	// Failed models rank last.
	assert.Equal(t, []string{"churn", "fraud"}, result.Ranking)
}

func TestCompareInstanceDedupesModelIDs(t *testing.T) {
	comp := newComparator(t)
	inst := customer("cust-1", 2, 6, 250)

	result, err := comp.CompareInstance(context.Background(), inst, []string{"churn", "churn", ""}, "")
	require.NoError(t, err)
	assert.Len(t, result.Results, 1)
	assert.Equal(t, []string{"churn"}, result.Ranking)
}

func TestCompareCohort(t *testing.T) {
	comp := newComparator(t)
	instances := []models.Instance{
		customer("cust-1", 2, 6, 250),
		customer("cust-2", 2, 8, 260),
	}

	result, err := comp.CompareCohort(context.Background(), instances, "at-risk", []string{"churn", "upsell_green_plan"}, "")
	require.NoError(t, err)

	assert.Equal(t, "at-risk", result.CohortDescription)
	require.Len(t, result.Ranking, 2)
	for _, id := range result.Ranking {
		comparison := result.Results[id]
		require.Empty(t, comparison.Err)
		assert.NotEmpty(t, comparison.TopContributions)
		assert.Greater(t, comparison.Probability, 0.0)
	}
	assert.Equal(t, "upsell_green_plan", result.Ranking[0])
}

func TestCompareCohortAllInstancesFail(t *testing.T) {
	comp := newComparator(t)
	instances := []models.Instance{
		{ID: "cust-1", Values: map[string]models.Value{}},
	}

	result, err := comp.CompareCohort(context.Background(), instances, "", []string{"churn"}, "")
	require.NoError(t, err)
	assert.Contains(t, result.Results["churn"].Err, "no instance")
}
