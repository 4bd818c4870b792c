package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brightgrid/explain-engine/internal/models"
	"github.com/brightgrid/explain-engine/internal/registry"
	"github.com/brightgrid/explain-engine/internal/schema"
)

// The test models are hand-built so every margin is checkable on paper.
//
// churn (positive class undesirable):
//   satisfaction_score < 3   -> +1.2 else -0.8
//   tenure_months < 12       -> +0.6 else -0.4
//   avg_monthly_bill < 150   -> -0.2 else +0.5
// background row (8, 60, 80) scores -1.4, so a (2, 6, 250) customer sits at
// margin 2.3 and the three features contribute exactly 2.0, 1.0, and 0.7.
//
// upsell_green_plan (positive class desirable):
//   satisfaction_score < 5   -> -1.0 else +1.0

func testSchema(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.New([]schema.Feature{
		{Name: "satisfaction_score", Kind: models.KindNumeric, Min: 1, Max: 10},
		{Name: "tenure_months", Kind: models.KindNumeric, Min: 0, Max: 480},
		{Name: "avg_monthly_bill", Kind: models.KindNumeric, Min: 0, Max: 2000},
		{Name: "contract_type", Kind: models.KindCategorical, Categories: []string{"month_to_month", "one_year", "two_year"}},
	})
	require.NoError(t, err)
	return reg
}

func stumpJSON(feature int, threshold, left, right float64) map[string]any {
	return map[string]any{"nodes": []map[string]any{
		{"feature": feature, "threshold": threshold, "left": 1, "right": 2},
		{"leaf": true, "value": left},
		{"leaf": true, "value": right},
	}}
}

func writeArtifact(t *testing.T, dir, modelID string, trees []map[string]any) {
	t.Helper()
	background := []map[string]any{
		{"satisfaction_score": 8, "tenure_months": 60, "avg_monthly_bill": 80},
		{"satisfaction_score": 8, "tenure_months": 60, "avg_monthly_bill": 80},
	}
	artifact := map[string]any{
		"model_id":             modelID,
		"positive_class_label": "1",
		"features":             []string{"satisfaction_score", "tenure_months", "avg_monthly_bill"},
		"ensemble":             map[string]any{"base_score": 0, "trees": trees},
		"background":           background,
	}
	data, err := json.Marshal(artifact)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, modelID+".json"), data, 0o644))
}

func testRegistry(t *testing.T, schemaReg *schema.Registry) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	writeArtifact(t, dir, "churn", []map[string]any{
		stumpJSON(0, 3, 1.2, -0.8),
		stumpJSON(1, 12, 0.6, -0.4),
		stumpJSON(2, 150, -0.2, 0.5),
	})
	writeArtifact(t, dir, "upsell_green_plan", []map[string]any{
		stumpJSON(0, 5, -1.0, 1.0),
	})
	conventions := map[string]registry.Convention{
		"churn":             {PositiveClassDesirable: false, Threshold: 0.5},
		"upsell_green_plan": {PositiveClassDesirable: true, Threshold: 0.5},
	}
	return registry.New(dir, schemaReg, conventions, nil)
}

func customer(id string, satisfaction, tenure, bill float64) models.Instance {
	return models.Instance{ID: id, Values: map[string]models.Value{
		"satisfaction_score": models.NumericValue(satisfaction),
		"tenure_months":      models.NumericValue(tenure),
		"avg_monthly_bill":   models.NumericValue(bill),
	}}
}
