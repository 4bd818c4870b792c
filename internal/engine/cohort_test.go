package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightgrid/explain-engine/internal/models"
)

// fakeSource serves a fixed set of instances and counts fetches.
type fakeSource struct {
	instances map[string]models.Instance
	fetches   int
	err       error
}

func (f *fakeSource) FetchInstances(_ context.Context, ids []string) ([]models.Instance, error) {
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.Instance, 0, len(ids))
	for _, id := range ids {
		if inst, ok := f.instances[id]; ok {
			out = append(out, inst)
		}
	}
	return out, nil
}

func newAggregator(t *testing.T, source InstanceSource) *Aggregator {
	t.Helper()
	schemaReg := testSchema(t)
	reg := testRegistry(t, schemaReg)
	attribution := NewAttributionEngine(nil, reg, schemaReg)
	counterfactual := NewCounterfactualEngine(nil, reg, schemaReg)
	return NewAggregator(nil, attribution, counterfactual, source, 2)
}

func TestRunAttributionFromStore(t *testing.T) {
	source := &fakeSource{instances: map[string]models.Instance{
		"cust-1": customer("cust-1", 2, 6, 250),
		"cust-2": customer("cust-2", 2, 6, 200),
	}}
	agg := newAggregator(t, source)
	cohort := models.Cohort{
		Description: "low satisfaction segment",
		InstanceIDs: []string{"cust-1", "cust-2", "cust-404"},
	}

	summary, err := agg.RunAttribution(context.Background(), cohort, nil, "churn", "", 5)
	require.NoError(t, err)

	assert.Equal(t, "low satisfaction segment", summary.CohortDescription)
	assert.Equal(t, 3, summary.InstanceCount)
	assert.Equal(t, 2, summary.SucceededCount)
	assert.Equal(t, 1, summary.FailedCount)
	assert.Equal(t, "instance not found in store", summary.Failures["cust-404"])
	assert.Equal(t, 1, source.fetches)
}

func TestRunAttributionEmbeddedSkipsStore(t *testing.T) {
	source := &fakeSource{}
	agg := newAggregator(t, source)
	embedded := []models.Instance{customer("cust-1", 2, 6, 250)}

	summary, err := agg.RunAttribution(context.Background(), models.Cohort{InstanceIDs: []string{"ignored"}}, embedded, "churn", "", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SucceededCount)
	assert.Zero(t, source.fetches)
}

func TestRunAttributionWithoutSourceOrInstances(t *testing.T) {
	agg := newAggregator(t, nil)
	_, err := agg.RunAttribution(context.Background(), models.Cohort{InstanceIDs: []string{"cust-1"}}, nil, "churn", "", 5)
	assert.Error(t, err)
}

func TestRunAttributionStoreFailureAbortsBatch(t *testing.T) {
	source := &fakeSource{err: errors.New("connection refused")}
	agg := newAggregator(t, source)
	_, err := agg.RunAttribution(context.Background(), models.Cohort{InstanceIDs: []string{"cust-1"}}, nil, "churn", "", 5)
	assert.ErrorContains(t, err, "connection refused")
}

func TestRunCounterfactualsMinesLevers(t *testing.T) {
	agg := newAggregator(t, nil)
	embedded := []models.Instance{
		customer("cust-1", 2, 6, 250),
		customer("cust-2", 2, 8, 260),
	}
	opts := SearchOptions{DesiredClass: 0, TopN: 2, PermittedRanges: retentionRanges()}

	report, err := agg.RunCounterfactuals(context.Background(), models.Cohort{Description: "at-risk"}, embedded, "churn", opts)
	require.NoError(t, err)

	assert.Equal(t, 2, report.SucceededCount)
	assert.Zero(t, report.FailedCount)
	require.Len(t, report.PerInstance, 2)
	for _, pi := range report.PerInstance {
		assert.NotEmpty(t, pi.Candidates)
	}

	// Every feasible candidate moves both permitted levers, so both show up
	// with full cohort share.
	require.Len(t, report.Levers, 2)
	for _, lever := range report.Levers {
		assert.Contains(t, []string{"satisfaction_score", "avg_monthly_bill"}, lever.Feature)
		assert.InDelta(t, 1.0, lever.Share, 1e-9)
		assert.Greater(t, lever.MeanAbsDelta, 0.0)
	}
}

func TestRunCounterfactualsRecordsInfeasibleInstances(t *testing.T) {
	agg := newAggregator(t, nil)
	embedded := []models.Instance{
		customer("cust-1", 2, 6, 250),
	}
	// Bill alone cannot cross the threshold for this customer.
	opts := SearchOptions{
		DesiredClass:    0,
		PermittedRanges: map[string]models.PermittedRange{"avg_monthly_bill": {Low: 50, High: 300}},
	}

	report, err := agg.RunCounterfactuals(context.Background(), models.Cohort{}, embedded, "churn", opts)
	require.NoError(t, err)
	assert.Zero(t, report.SucceededCount)
	assert.Equal(t, 1, report.FailedCount)
	assert.Contains(t, report.Failures["cust-1"], "no feasible counterfactual")
	assert.Empty(t, report.Levers)
}
