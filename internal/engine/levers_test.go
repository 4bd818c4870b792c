package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightgrid/explain-engine/internal/models"
)

func TestMineLeversCountsAndShares(t *testing.T) {
	perInstance := []models.InstanceCounterfactuals{
		{
			InstanceID: "cust-1",
			Candidates: []models.CounterfactualCandidate{
				{Changes: map[string]models.Value{
					"satisfaction_score": models.NumericValue(6),
					"avg_monthly_bill":   models.NumericValue(100),
				}},
				{Changes: map[string]models.Value{
					"satisfaction_score": models.NumericValue(8),
				}},
			},
		},
		{
			InstanceID: "cust-2",
			Candidates: []models.CounterfactualCandidate{
				{Changes: map[string]models.Value{
					"satisfaction_score": models.NumericValue(7),
				}},
			},
		},
	}
	originals := map[string]models.Instance{
		"cust-1": customer("cust-1", 2, 6, 250),
		"cust-2": customer("cust-2", 3, 8, 200),
	}

	levers := mineLevers(perInstance, originals)
	require.Len(t, levers, 2)

	sat := levers[0]
	assert.Equal(t, "satisfaction_score", sat.Feature)
	assert.Equal(t, 3, sat.Occurrences)
	assert.InDelta(t, 1.0, sat.Share, 1e-9)
	// |6-2|, |8-2|, |7-3| average to 14/3.
	assert.InDelta(t, 14.0/3, sat.MeanAbsDelta, 1e-9)

	bill := levers[1]
	assert.Equal(t, "avg_monthly_bill", bill.Feature)
	assert.Equal(t, 1, bill.Occurrences)
	assert.InDelta(t, 0.5, bill.Share, 1e-9)
	assert.InDelta(t, 150, bill.MeanAbsDelta, 1e-9)
}

func TestMineLeversCategoricalHasNoDelta(t *testing.T) {
	perInstance := []models.InstanceCounterfactuals{
		{
			InstanceID: "cust-1",
			Candidates: []models.CounterfactualCandidate{
				{Changes: map[string]models.Value{
					"contract_type": models.CategoricalValue("two_year"),
				}},
			},
		},
	}
	originals := map[string]models.Instance{"cust-1": customer("cust-1", 2, 6, 250)}

	levers := mineLevers(perInstance, originals)
	require.Len(t, levers, 1)
	assert.Equal(t, "contract_type", levers[0].Feature)
	assert.Zero(t, levers[0].MeanAbsDelta)
}

func TestMineLeversEmpty(t *testing.T) {
	assert.Nil(t, mineLevers(nil, nil))
}

func TestMineLeversTieBreaksByName(t *testing.T) {
	perInstance := []models.InstanceCounterfactuals{
		{
			InstanceID: "cust-1",
			Candidates: []models.CounterfactualCandidate{
				{Changes: map[string]models.Value{
					"tenure_months":      models.NumericValue(24),
					"satisfaction_score": models.NumericValue(6),
				}},
			},
		},
	}
	originals := map[string]models.Instance{"cust-1": customer("cust-1", 2, 6, 250)}

	levers := mineLevers(perInstance, originals)
	require.Len(t, levers, 2)
	assert.Equal(t, "satisfaction_score", levers[0].Feature)
	assert.Equal(t, "tenure_months", levers[1].Feature)
}
