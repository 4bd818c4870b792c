// Package engine holds the explainability computations: per-instance and
// per-cohort attribution, counterfactual search, lever mining, and the
// multi-model comparator. Engines read model artifacts and the feature
// schema as shared immutable state; every computation is side-effect free.
package engine

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/brightgrid/explain-engine/internal/models"
	"github.com/brightgrid/explain-engine/internal/registry"
	"github.com/brightgrid/explain-engine/internal/schema"
)

// AttributionEngine computes signed per-feature contributions against a
// model's background baseline via the tree-ensemble Shapley decomposition.
type AttributionEngine struct {
	logger   *slog.Logger
	registry *registry.Registry
	schema   *schema.Registry
}

// NewAttributionEngine constructs an AttributionEngine.
func NewAttributionEngine(logger *slog.Logger, reg *registry.Registry, schemaReg *schema.Registry) *AttributionEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttributionEngine{logger: logger, registry: reg, schema: schemaReg}
}

// Attribute explains one instance under one model.
func (e *AttributionEngine) Attribute(ctx context.Context, inst models.Instance, modelID string) (models.AttributionResult, error) {
	art, err := e.registry.Get(modelID)
	if err != nil {
		return models.AttributionResult{}, err
	}
	return e.attributeWith(art, inst)
}

// attributeWith runs against a fixed artifact snapshot so cohort batches
// observe a single background sample even if the registry refreshes
// mid-batch.
func (e *AttributionEngine) attributeWith(art *registry.Artifact, inst models.Instance) (models.AttributionResult, error) {
	if err := e.schema.CheckInstance(inst, art.Features); err != nil {
		return models.AttributionResult{}, err
	}
	x, err := art.Vector(inst)
	if err != nil {
		return models.AttributionResult{}, err
	}

	phi := art.Ensemble.Contributions(x, art.Background)
	margin := art.Ensemble.Margin(x)

	contributions := make([]models.Contribution, len(art.Features))
	for i, name := range art.Features {
		contributions[i] = models.Contribution{
			Feature:   name,
			RawValue:  x[i],
			Score:     phi[i],
			Direction: art.RiskDirection(phi[i]),
		}
	}
	sortContributions(contributions)

	return models.AttributionResult{
		InstanceID:           inst.ID,
		ModelID:              art.ModelID,
		BaselineMargin:       art.BaselineMargin,
		PredictedMargin:      margin,
		BaselineProbability:  sigmoid(art.BaselineMargin),
		PredictedProbability: sigmoid(margin),
		Contributions:        contributions,
		CreatedAt:            time.Now().UTC(),
	}, nil
}

// sortContributions orders by absolute magnitude descending, feature name
// ascending on ties, so repeated runs produce identical results.
func sortContributions(contribs []models.Contribution) {
	sort.SliceStable(contribs, func(i, j int) bool {
		ai, aj := math.Abs(contribs[i].Score), math.Abs(contribs[j].Score)
		if ai != aj {
			return ai > aj
		}
		return contribs[i].Feature < contribs[j].Feature
	})
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// AttributeCohort batches many instances through the engine and folds the
// results into a cohort summary. The whole batch runs against one artifact
// snapshot and one precomputed baseline: a registry refresh mid-batch never
// mixes background samples. Instances run in parallel up to maxConcurrency;
// one instance's failure is recorded and the rest of the batch continues.
func (e *AttributionEngine) AttributeCohort(ctx context.Context, instances []models.Instance, modelID string, target models.Direction, topK, maxConcurrency int) (models.CohortAttributionSummary, error) {
	art, err := e.registry.Get(modelID)
	if err != nil {
		return models.CohortAttributionSummary{}, err
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	results, failures := e.attributeBatch(ctx, art, instances, maxConcurrency)

	meanProb := 0.0
	if len(results) > 0 {
		for _, r := range results {
			meanProb += r.PredictedProbability
		}
		meanProb /= float64(len(results))
	}

	summary := models.CohortAttributionSummary{
		ModelID:             art.ModelID,
		TargetDirection:     target,
		BaselineMargin:      art.BaselineMargin,
		BaselineProbability: sigmoid(art.BaselineMargin),
		MeanProbability:     meanProb,
		InstanceCount:       len(instances),
		SucceededCount:      len(results),
		FailedCount:         len(failures),
		Failures:            failures,
		Features:            e.summarize(art, results, target, topK),
		CreatedAt:           time.Now().UTC(),
	}
	return summary, nil
}

const defaultTopK = 5

// attributeBatch runs the per-instance computations with bounded
// parallelism. Cancellation is cooperative: checked between instances, not
// mid-instance, since a half-attributed instance has no meaningful partial
// result.
func (e *AttributionEngine) attributeBatch(ctx context.Context, art *registry.Artifact, instances []models.Instance, maxConcurrency int) ([]models.AttributionResult, map[string]string) {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	slots := make([]*models.AttributionResult, len(instances))
	failures := make(map[string]string)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for i, inst := range instances {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := e.attributeWith(art, inst)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[inst.ID] = err.Error()
				return nil
			}
			slots[i] = &res
			return nil
		})
	}
	_ = g.Wait()

	results := make([]models.AttributionResult, 0, len(instances))
	for i, r := range slots {
		if r != nil {
			results = append(results, *r)
		} else if _, recorded := failures[instances[i].ID]; !recorded {
			failures[instances[i].ID] = "cancelled before dispatch"
		}
	}
	return results, failures
}

// featureAccumulator gathers one feature's scores and raw values across a
// cohort batch.
type featureAccumulator struct {
	scores    []float64
	values    []models.Value
	topKCount int
}

// summarize folds per-instance results into per-feature cohort statistics:
// mean score, top-k membership share, and value-group breakdowns. Direction
// filtering happens last so means are taken over the full signed
// distribution.
func (e *AttributionEngine) summarize(art *registry.Artifact, results []models.AttributionResult, target models.Direction, topK int) []models.FeatureSummary {
	if len(results) == 0 {
		return nil
	}
	acc := make(map[string]*featureAccumulator, len(art.Features))
	for _, name := range art.Features {
		acc[name] = &featureAccumulator{}
	}
	for _, res := range results {
		for rank, c := range res.Contributions {
			a := acc[c.Feature]
			a.scores = append(a.scores, c.Score)
			a.values = append(a.values, c.RawValue)
			if rank < topK {
				a.topKCount++
			}
		}
	}

	n := float64(len(results))
	summaries := make([]models.FeatureSummary, 0, len(acc))
	for _, name := range art.Features {
		a := acc[name]
		if len(a.scores) == 0 {
			continue
		}
		mean := stat.Mean(a.scores, nil)
		feat, _ := e.schema.Lookup(name)
		summaries = append(summaries, models.FeatureSummary{
			Feature:   name,
			MeanScore: mean,
			TopKShare: float64(a.topKCount) / n,
			Direction: art.RiskDirection(mean),
			Groups:    groupSummaries(feat, a, art.BaselineMargin),
		})
	}

	if target != "" {
		filtered := summaries[:0]
		for _, s := range summaries {
			if s.Direction == target {
				filtered = append(filtered, s)
			}
		}
		summaries = filtered
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		ai, aj := math.Abs(summaries[i].MeanScore), math.Abs(summaries[j].MeanScore)
		if ai != aj {
			return ai > aj
		}
		return summaries[i].Feature < summaries[j].Feature
	})
	return summaries
}
