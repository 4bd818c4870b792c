package registry

import (
	"fmt"
	"time"

	"github.com/brightgrid/explain-engine/internal/ensemble"
	"github.com/brightgrid/explain-engine/internal/models"
)

// Artifact is one trained classifier plus everything the engines need to
// explain it: the ordered feature list, the background reference sample, and
// the per-model sign convention. Immutable once loaded; a refresh replaces
// the whole artifact atomically so in-flight requests keep a consistent
// snapshot.
type Artifact struct {
	ModelID            string
	PositiveClassLabel string
	// PositiveClassDesirable fixes the risk/protective sign convention:
	// churn's positive class is undesirable, an upsell acceptance is not.
	// Guessing this wrong silently inverts retention output, so it comes
	// from the per-model convention table in configuration, never from the
	// artifact bytes alone.
	PositiveClassDesirable bool
	Threshold              float64
	Features               []string
	Ensemble               *ensemble.Ensemble
	Background             [][]models.Value
	BaselineMargin         float64
	LoadedAt               time.Time
}

// Vector orders an instance's values to match the artifact's feature list.
// The instance must already have passed the schema completeness check.
func (a *Artifact) Vector(inst models.Instance) ([]models.Value, error) {
	x := make([]models.Value, len(a.Features))
	for i, name := range a.Features {
		v, ok := inst.Values[name]
		if !ok {
			return nil, &models.IncompleteInstanceError{InstanceID: inst.ID, Missing: []string{name}}
		}
		x[i] = v
	}
	return x, nil
}

// RiskDirection maps a margin-space score sign to the risk/protective label
// under this model's convention: a positive contribution pushes toward the
// positive class, which is a risk only when that class is undesirable.
func (a *Artifact) RiskDirection(score float64) models.Direction {
	positive := score > 0
	if a.PositiveClassDesirable {
		positive = !positive
	}
	if positive {
		return models.DirectionRisk
	}
	return models.DirectionProtective
}

// Opportunity converts a probability into a "bigger is better" scalar for
// cross-model ranking: the probability of the desirable outcome.
func (a *Artifact) Opportunity(probability float64) float64 {
	if a.PositiveClassDesirable {
		return probability
	}
	return 1 - probability
}

func (a *Artifact) String() string {
	return fmt.Sprintf("%s (%d features, %d trees, %d background rows)",
		a.ModelID, len(a.Features), len(a.Ensemble.Trees), len(a.Background))
}
