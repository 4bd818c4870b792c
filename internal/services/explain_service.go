// Package services exposes the explanation engines behind a single facade
// that the transport layer calls. The facade owns cross-cutting concerns:
// metrics, latency tracking, and cohort summary caching.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/brightgrid/explain-engine/internal/cache"
	"github.com/brightgrid/explain-engine/internal/engine"
	"github.com/brightgrid/explain-engine/internal/metrics"
	"github.com/brightgrid/explain-engine/internal/models"
	"github.com/brightgrid/explain-engine/internal/registry"
	"github.com/brightgrid/explain-engine/internal/utils"
)

// ExplainService is the application facade over the attribution,
// counterfactual, cohort, and comparison engines.
type ExplainService struct {
	logger         *slog.Logger
	registry       *registry.Registry
	attribution    *engine.AttributionEngine
	counterfactual *engine.CounterfactualEngine
	aggregator     *engine.Aggregator
	comparator     *engine.Comparator
	source         engine.InstanceSource
	cache          cache.Provider
	summaryTTL     time.Duration
	latencies      *utils.LatencyTracker
}

// NewExplainService constructs the facade. source and cacheProvider may be
// nil; a nil cache disables cohort summary caching.
func NewExplainService(
	logger *slog.Logger,
	reg *registry.Registry,
	attribution *engine.AttributionEngine,
	counterfactual *engine.CounterfactualEngine,
	aggregator *engine.Aggregator,
	comparator *engine.Comparator,
	source engine.InstanceSource,
	cacheProvider cache.Provider,
	summaryTTL time.Duration,
) *ExplainService {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheProvider == nil {
		cacheProvider = &cache.NoopProvider{}
	}
	return &ExplainService{
		logger:         logger,
		registry:       reg,
		attribution:    attribution,
		counterfactual: counterfactual,
		aggregator:     aggregator,
		comparator:     comparator,
		source:         source,
		cache:          cacheProvider,
		summaryTTL:     summaryTTL,
		latencies:      utils.NewLatencyTracker(1024),
	}
}

// ModelIDs lists the registered models in stable order.
func (s *ExplainService) ModelIDs() []string {
	return s.registry.ModelIDs()
}

// Refresh reloads every configured model artifact from disk. Models whose
// artifact cannot be reloaded keep serving their previous copy.
func (s *ExplainService) Refresh() map[string]error {
	failures := make(map[string]error)
	for _, id := range s.registry.ModelIDs() {
		if _, err := s.registry.Refresh(id); err != nil {
			failures[id] = err
			s.logger.Error("artifact refresh failed", slog.String("model_id", id), slog.Any("error", err))
		}
	}
	return failures
}

// Explain attributes one instance under one model.
func (s *ExplainService) Explain(ctx context.Context, inst models.Instance, modelID string) (models.AttributionResult, error) {
	start := time.Now()
	result, err := s.attribution.Attribute(ctx, inst, modelID)
	duration := time.Since(start)
	if err != nil {
		metrics.ObserveAttribution(duration, metrics.OutcomeError)
		return models.AttributionResult{}, err
	}
	metrics.ObserveAttribution(duration, metrics.OutcomeSuccess)

	s.latencies.Observe(duration)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("attribution latency",
			slog.Duration("p95", s.latencies.Percentile(95)),
			slog.Int("samples", count))
	}
	return result, nil
}

// FindCounterfactuals searches for feasible recommendations for one instance.
// An exhausted search is observed as infeasible, not as an engine error.
func (s *ExplainService) FindCounterfactuals(ctx context.Context, inst models.Instance, modelID string, opts engine.SearchOptions) ([]models.CounterfactualCandidate, error) {
	start := time.Now()
	candidates, err := s.counterfactual.Find(ctx, inst, modelID, opts)
	duration := time.Since(start)
	if err != nil {
		var noFeasible *models.NoFeasibleCounterfactualError
		if errors.As(err, &noFeasible) {
			metrics.ObserveCounterfactual(duration, metrics.OutcomeInfeasible)
		} else {
			metrics.ObserveCounterfactual(duration, metrics.OutcomeError)
		}
		return nil, err
	}
	metrics.ObserveCounterfactual(duration, metrics.OutcomeSuccess)
	return candidates, nil
}

// ExplainCohort aggregates attributions across a cohort. Summaries for
// id-addressed cohorts are cached; cohorts with embedded instances are not,
// since the key would have to hash full payloads for little gain.
func (s *ExplainService) ExplainCohort(ctx context.Context, cohort models.Cohort, embedded []models.Instance, modelID string, target models.Direction, topK int) (models.CohortAttributionSummary, error) {
	cacheable := len(embedded) == 0 && s.summaryTTL > 0
	key := summaryCacheKey(modelID, cohort, target, topK)

	if cacheable {
		if data, err := s.cache.Get(ctx, key); err == nil {
			var cached models.CohortAttributionSummary
			if err := json.Unmarshal(data, &cached); err == nil {
				s.logger.Debug("cohort summary served from cache", slog.String("model_id", modelID))
				return cached, nil
			}
		}
	}

	metrics.ObserveCohortBatch(cohortSize(cohort, embedded))
	summary, err := s.aggregator.RunAttribution(ctx, cohort, embedded, modelID, target, topK)
	if err != nil {
		return models.CohortAttributionSummary{}, err
	}

	if cacheable {
		if data, err := json.Marshal(summary); err == nil {
			if err := s.cache.Set(ctx, key, data, s.summaryTTL); err != nil {
				s.logger.Warn("caching cohort summary failed", slog.Any("error", err))
			}
		}
	}
	return summary, nil
}

// CohortCounterfactuals searches per cohort member and mines the shared
// levers. Reports are never cached: permitted ranges vary per request.
func (s *ExplainService) CohortCounterfactuals(ctx context.Context, cohort models.Cohort, embedded []models.Instance, modelID string, opts engine.SearchOptions) (models.CohortCounterfactualReport, error) {
	metrics.ObserveCohortBatch(cohortSize(cohort, embedded))
	return s.aggregator.RunCounterfactuals(ctx, cohort, embedded, modelID, opts)
}

// CompareInstance ranks several models for one instance.
func (s *ExplainService) CompareInstance(ctx context.Context, inst models.Instance, modelIDs []string, target models.Direction) (models.ComparisonResult, error) {
	return s.comparator.CompareInstance(ctx, inst, modelIDs, target)
}

// CompareCohort ranks several models across a cohort. Id-addressed cohorts
// are materialised through the instance store first.
func (s *ExplainService) CompareCohort(ctx context.Context, cohort models.Cohort, embedded []models.Instance, modelIDs []string, target models.Direction) (models.ComparisonResult, error) {
	instances := embedded
	if len(instances) == 0 {
		if s.source == nil {
			return models.ComparisonResult{}, errors.New("cohort carries no instances and no instance source is configured")
		}
		fetched, err := s.source.FetchInstances(ctx, cohort.InstanceIDs)
		if err != nil {
			return models.ComparisonResult{}, err
		}
		instances = fetched
	}
	return s.comparator.CompareCohort(ctx, instances, cohort.Description, modelIDs, target)
}

// LatencyP95 returns the current p95 attribution latency.
func (s *ExplainService) LatencyP95() time.Duration {
	return s.latencies.Percentile(95)
}

func cohortSize(cohort models.Cohort, embedded []models.Instance) int {
	if len(embedded) > 0 {
		return len(embedded)
	}
	return len(cohort.InstanceIDs)
}

// summaryCacheKey folds the cohort ids into a stable hash so keys stay short
// for arbitrarily large cohorts.
func summaryCacheKey(modelID string, cohort models.Cohort, target models.Direction, topK int) string {
	h := fnv.New64a()
	for _, id := range cohort.InstanceIDs {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("cohort:%s:%s:%d:%x", modelID, target, topK, h.Sum64())
}
