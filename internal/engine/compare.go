package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brightgrid/explain-engine/internal/models"
	"github.com/brightgrid/explain-engine/internal/registry"
)

// Comparator fans the same instance or cohort across several registered
// models and reduces the independent results into a side-by-side ranking.
// Models share no mutable state, so a failure in one is reported in its slot
// without blocking the others.
type Comparator struct {
	logger         *slog.Logger
	registry       *registry.Registry
	attribution    *AttributionEngine
	maxConcurrency int
	topContribs    int
}

// NewComparator constructs a Comparator.
func NewComparator(logger *slog.Logger, reg *registry.Registry, attribution *AttributionEngine, maxConcurrency int) *Comparator {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Comparator{
		logger:         logger,
		registry:       reg,
		attribution:    attribution,
		maxConcurrency: maxConcurrency,
		topContribs:    3,
	}
}

// CompareInstance scores and attributes one instance under every requested
// model. Ranking lists successful models by opportunity (probability of each
// model's desirable outcome) descending, then failed models in request order.
func (c *Comparator) CompareInstance(ctx context.Context, inst models.Instance, modelIDs []string, target models.Direction) (models.ComparisonResult, error) {
	ids := dedupe(modelIDs)
	results := make(map[string]models.ModelComparison, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrency)
	for _, modelID := range ids {
		g.Go(func() error {
			comparison := c.compareOne(gctx, inst, modelID, target)
			mu.Lock()
			results[modelID] = comparison
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return models.ComparisonResult{
		InstanceID:      inst.ID,
		TargetDirection: target,
		Results:         results,
		Ranking:         rank(ids, results),
		CreatedAt:       time.Now().UTC(),
	}, nil
}

func (c *Comparator) compareOne(ctx context.Context, inst models.Instance, modelID string, target models.Direction) models.ModelComparison {
	art, err := c.registry.Get(modelID)
	if err != nil {
		return models.ModelComparison{ModelID: modelID, Err: err.Error()}
	}
	res, err := c.attribution.Attribute(ctx, inst, modelID)
	if err != nil {
		return models.ModelComparison{ModelID: modelID, Err: err.Error()}
	}
	return models.ModelComparison{
		ModelID:          modelID,
		Probability:      res.PredictedProbability,
		Opportunity:      art.Opportunity(res.PredictedProbability),
		TopContributions: topByDirection(res.Contributions, target, c.topContribs),
	}
}

// CompareCohort runs the cohort's attribution summary under every requested
// model and ranks by mean opportunity across the cohort.
func (c *Comparator) CompareCohort(ctx context.Context, instances []models.Instance, description string, modelIDs []string, target models.Direction) (models.ComparisonResult, error) {
	ids := dedupe(modelIDs)
	results := make(map[string]models.ModelComparison, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrency)
	for _, modelID := range ids {
		g.Go(func() error {
			comparison := c.compareCohortOne(gctx, instances, modelID, target)
			mu.Lock()
			results[modelID] = comparison
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return models.ComparisonResult{
		CohortDescription: description,
		TargetDirection:   target,
		Results:           results,
		Ranking:           rank(ids, results),
		CreatedAt:         time.Now().UTC(),
	}, nil
}

func (c *Comparator) compareCohortOne(ctx context.Context, instances []models.Instance, modelID string, target models.Direction) models.ModelComparison {
	art, err := c.registry.Get(modelID)
	if err != nil {
		return models.ModelComparison{ModelID: modelID, Err: err.Error()}
	}
	summary, err := c.attribution.AttributeCohort(ctx, instances, modelID, target, defaultTopK, c.maxConcurrency)
	if err != nil {
		return models.ModelComparison{ModelID: modelID, Err: err.Error()}
	}
	if summary.SucceededCount == 0 {
		return models.ModelComparison{ModelID: modelID, Err: "no instance in the cohort could be attributed"}
	}

	contribs := make([]models.Contribution, 0, c.topContribs)
	for _, f := range summary.Features {
		if len(contribs) == c.topContribs {
			break
		}
		contribs = append(contribs, models.Contribution{
			Feature:   f.Feature,
			Score:     f.MeanScore,
			Direction: f.Direction,
		})
	}

	return models.ModelComparison{
		ModelID:          modelID,
		Probability:      summary.MeanProbability,
		Opportunity:      art.Opportunity(summary.MeanProbability),
		TopContributions: contribs,
	}
}

// rank orders successful models by opportunity descending, ties by request
// order, with failed models appended last in request order.
func rank(requested []string, results map[string]models.ModelComparison) []string {
	ok := make([]string, 0, len(requested))
	failed := make([]string, 0)
	for _, id := range requested {
		if results[id].Err == "" {
			ok = append(ok, id)
		} else {
			failed = append(failed, id)
		}
	}
	pos := make(map[string]int, len(requested))
	for i, id := range requested {
		pos[id] = i
	}
	sort.SliceStable(ok, func(i, j int) bool {
		oi, oj := results[ok[i]].Opportunity, results[ok[j]].Opportunity
		if oi != oj {
			return oi > oj
		}
		return pos[ok[i]] < pos[ok[j]]
	})
	return append(ok, failed...)
}

func topByDirection(contribs []models.Contribution, target models.Direction, limit int) []models.Contribution {
	out := make([]models.Contribution, 0, limit)
	for _, c := range contribs {
		if target != "" && c.Direction != target {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
