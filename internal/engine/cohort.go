package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brightgrid/explain-engine/internal/models"
)

// InstanceSource materialises pre-resolved cohort instance ids into typed
// records. The engine never resolves cohort predicates itself; it only
// consumes the id list the upstream collaborator produced.
type InstanceSource interface {
	FetchInstances(ctx context.Context, ids []string) ([]models.Instance, error)
}

// Aggregator batches a cohort through the attribution or counterfactual
// engine and merges results into ranked summaries. One instance's failure is
// recorded against its id and the batch continues.
type Aggregator struct {
	logger         *slog.Logger
	attribution    *AttributionEngine
	counterfactual *CounterfactualEngine
	source         InstanceSource
	maxConcurrency int
}

// NewAggregator constructs an Aggregator. source may be nil when callers
// always embed resolved instances in the request.
func NewAggregator(logger *slog.Logger, attribution *AttributionEngine, counterfactual *CounterfactualEngine, source InstanceSource, maxConcurrency int) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Aggregator{
		logger:         logger,
		attribution:    attribution,
		counterfactual: counterfactual,
		source:         source,
		maxConcurrency: maxConcurrency,
	}
}

// resolve returns the instances to process. Embedded instances win; ids the
// store cannot materialise become per-instance failures, not batch aborts.
func (a *Aggregator) resolve(ctx context.Context, cohort models.Cohort, embedded []models.Instance) ([]models.Instance, map[string]string, error) {
	if len(embedded) > 0 {
		return embedded, map[string]string{}, nil
	}
	if a.source == nil {
		return nil, nil, errors.New("cohort carries no instances and no instance source is configured")
	}
	fetched, err := a.source.FetchInstances(ctx, cohort.InstanceIDs)
	if err != nil {
		return nil, nil, err
	}
	failures := make(map[string]string)
	byID := make(map[string]struct{}, len(fetched))
	for _, inst := range fetched {
		byID[inst.ID] = struct{}{}
	}
	for _, id := range cohort.InstanceIDs {
		if _, ok := byID[id]; !ok {
			failures[id] = "instance not found in store"
		}
	}
	return fetched, failures, nil
}

// RunAttribution aggregates per-feature attribution across the cohort.
func (a *Aggregator) RunAttribution(ctx context.Context, cohort models.Cohort, embedded []models.Instance, modelID string, target models.Direction, topK int) (models.CohortAttributionSummary, error) {
	instances, resolveFailures, err := a.resolve(ctx, cohort, embedded)
	if err != nil {
		return models.CohortAttributionSummary{}, err
	}

	summary, err := a.attribution.AttributeCohort(ctx, instances, modelID, target, topK, a.maxConcurrency)
	if err != nil {
		return models.CohortAttributionSummary{}, err
	}

	summary.CohortDescription = cohort.Description
	for id, reason := range resolveFailures {
		summary.Failures[id] = reason
	}
	summary.FailedCount = len(summary.Failures)
	summary.InstanceCount = len(instances) + len(resolveFailures)
	return summary, nil
}

// RunCounterfactuals searches per instance and reports per-instance
// candidate sets plus the cohort-level lever summary. Counterfactuals stay
// grouped by instance; only the lever frequencies merge across the cohort.
func (a *Aggregator) RunCounterfactuals(ctx context.Context, cohort models.Cohort, embedded []models.Instance, modelID string, opts SearchOptions) (models.CohortCounterfactualReport, error) {
	instances, failures, err := a.resolve(ctx, cohort, embedded)
	if err != nil {
		return models.CohortCounterfactualReport{}, err
	}

	slots := make([]*models.InstanceCounterfactuals, len(instances))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.maxConcurrency)
	for i, inst := range instances {
		// Cooperative cancellation between instances; a search already
		// running finishes its own budget.
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			candidates, err := a.counterfactual.Find(gctx, inst, modelID, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[inst.ID] = err.Error()
				return nil
			}
			slots[i] = &models.InstanceCounterfactuals{InstanceID: inst.ID, Candidates: candidates}
			return nil
		})
	}
	_ = g.Wait()

	perInstance := make([]models.InstanceCounterfactuals, 0, len(instances))
	originals := make(map[string]models.Instance, len(instances))
	for i, s := range slots {
		if s != nil {
			perInstance = append(perInstance, *s)
			originals[s.InstanceID] = instances[i]
		} else if _, recorded := failures[instances[i].ID]; !recorded {
			failures[instances[i].ID] = "cancelled before dispatch"
		}
	}

	report := models.CohortCounterfactualReport{
		ModelID:           modelID,
		CohortDescription: cohort.Description,
		PerInstance:       perInstance,
		Levers:            mineLevers(perInstance, originals),
		SucceededCount:    len(perInstance),
		FailedCount:       len(failures),
		Failures:          failures,
		CreatedAt:         time.Now().UTC(),
	}
	return report, nil
}
