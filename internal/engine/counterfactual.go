package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand"
	"sort"

	"github.com/google/uuid"

	"github.com/brightgrid/explain-engine/internal/models"
	"github.com/brightgrid/explain-engine/internal/registry"
	"github.com/brightgrid/explain-engine/internal/schema"
)

// SearchOptions configures one counterfactual search.
type SearchOptions struct {
	// DesiredClass is the target outcome relative to the model's positive
	// class: 1 means "reach the positive side of the threshold", 0 the
	// negative side.
	DesiredClass int
	TopN         int
	// DiversityWeight trades change cost against spread among the selected
	// set; 0 reduces selection to pure cost order.
	DiversityWeight float64
	// PermittedRanges lists the features a candidate may perturb and how
	// far. Features absent here are frozen at their original value.
	PermittedRanges map[string]models.PermittedRange
	// MaxEvaluations bounds the number of model evaluations spent
	// generating the candidate pool.
	MaxEvaluations int
	// IncludeClosest asks for the best infeasible candidate inside the
	// NoFeasibleCounterfactualError when the search comes up empty.
	IncludeClosest bool
}

const (
	defaultTopN        = 3
	defaultEvaluations = 2000
	// maxChangedFeatures caps how many features one candidate may perturb;
	// recommendations touching more than a handful of levers are not
	// actionable advice.
	maxChangedFeatures = 3
	// sparsityWeight prices each additional changed feature into the cost
	// on top of the normalized change magnitudes.
	sparsityWeight = 0.5
)

// CounterfactualEngine searches the permitted-range space for a small
// diverse set of minimal perturbations that move an instance across the
// model's decision threshold.
type CounterfactualEngine struct {
	logger   *slog.Logger
	registry *registry.Registry
	schema   *schema.Registry
}

// NewCounterfactualEngine constructs a CounterfactualEngine.
func NewCounterfactualEngine(logger *slog.Logger, reg *registry.Registry, schemaReg *schema.Registry) *CounterfactualEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &CounterfactualEngine{logger: logger, registry: reg, schema: schemaReg}
}

// mutableFeature is one perturbable coordinate with its effective bounds:
// the permitted range intersected with the schema domain.
type mutableFeature struct {
	index      int
	name       string
	kind       models.FeatureKind
	low, high  float64
	categories []string
}

// candidate is pool-internal search state around a CounterfactualCandidate.
type candidate struct {
	result   models.CounterfactualCandidate
	vector   []models.Value
	genIndex int
}

// Find returns up to TopN feasible candidates ordered by the greedy
// diversity-aware selection. The whole search is deterministic for a fixed
// (instance, model, options) triple on an unchanged artifact: the random
// source is seeded from the instance and model ids and ties break by change
// cost, then generation order. An exhausted budget with zero feasible
// candidates returns an empty list and a NoFeasibleCounterfactualError.
func (e *CounterfactualEngine) Find(ctx context.Context, inst models.Instance, modelID string, opts SearchOptions) ([]models.CounterfactualCandidate, error) {
	art, err := e.registry.Get(modelID)
	if err != nil {
		return nil, err
	}
	if err := e.schema.CheckInstance(inst, art.Features); err != nil {
		return nil, err
	}
	if err := e.schema.ValidateRanges(opts.PermittedRanges); err != nil {
		return nil, err
	}
	if len(opts.PermittedRanges) == 0 {
		return nil, &models.InvalidRangeError{Feature: "", Reason: "no permitted ranges supplied; every feature is frozen"}
	}
	if opts.TopN <= 0 {
		opts.TopN = defaultTopN
	}
	if opts.MaxEvaluations <= 0 {
		opts.MaxEvaluations = defaultEvaluations
	}

	x, err := art.Vector(inst)
	if err != nil {
		return nil, err
	}
	mutable, err := e.mutableFeatures(art, x, opts.PermittedRanges)
	if err != nil {
		return nil, err
	}

	probBefore := art.Ensemble.Score(x)
	pool, evaluated := e.generatePool(ctx, art, inst, x, mutable, probBefore, opts)

	feasible := make([]*candidate, 0, len(pool))
	var closest *candidate
	for _, c := range pool {
		if c.result.Feasible {
			feasible = append(feasible, c)
			continue
		}
		if closest == nil || infeasibleDistance(c.result.ProbabilityAfter, art.Threshold, opts.DesiredClass) < infeasibleDistance(closest.result.ProbabilityAfter, art.Threshold, opts.DesiredClass) {
			closest = c
		}
	}

	if len(feasible) == 0 {
		searchErr := &models.NoFeasibleCounterfactualError{
			InstanceID: inst.ID,
			ModelID:    art.ModelID,
			Evaluated:  evaluated,
		}
		if opts.IncludeClosest && closest != nil {
			res := closest.result
			searchErr.Closest = &res
		}
		return nil, searchErr
	}

	selected := selectDiverse(feasible, mutable, opts.TopN, opts.DiversityWeight)
	out := make([]models.CounterfactualCandidate, len(selected))
	for i, c := range selected {
		out[i] = c.result
	}
	return out, nil
}

// mutableFeatures intersects the permitted ranges with the schema domains in
// artifact feature order, so candidate generation iterates a stable list.
func (e *CounterfactualEngine) mutableFeatures(art *registry.Artifact, x []models.Value, ranges map[string]models.PermittedRange) ([]mutableFeature, error) {
	var mutable []mutableFeature
	for i, name := range art.Features {
		pr, ok := ranges[name]
		if !ok {
			continue
		}
		feat, _ := e.schema.Lookup(name)
		mf := mutableFeature{index: i, name: name, kind: feat.Kind}
		switch feat.Kind {
		case models.KindNumeric:
			mf.low = math.Max(pr.Low, feat.Min)
			mf.high = math.Min(pr.High, feat.Max)
			if mf.low > mf.high {
				return nil, &models.InvalidRangeError{Feature: name, Reason: fmt.Sprintf("permitted range [%g, %g] does not overlap domain [%g, %g]", pr.Low, pr.High, feat.Min, feat.Max)}
			}
		case models.KindCategorical:
			for _, c := range pr.Categories {
				if c != x[i].Cat {
					mf.categories = append(mf.categories, c)
				}
			}
			if len(mf.categories) == 0 {
				// Permitted set collapses to the current value; nothing to move.
				continue
			}
		}
		mutable = append(mutable, mf)
	}
	if len(mutable) == 0 {
		return nil, &models.InvalidRangeError{Feature: "", Reason: "permitted ranges leave no perturbable feature"}
	}
	return mutable, nil
}

// generatePool runs randomized coordinate search inside the permitted
// ranges. Every evaluation perturbs between one and maxChangedFeatures
// features; numeric samples alternate between a coarse grid over the range
// and uniform draws so both boundary moves and fine adjustments appear.
func (e *CounterfactualEngine) generatePool(ctx context.Context, art *registry.Artifact, inst models.Instance, x []models.Value, mutable []mutableFeature, probBefore float64, opts SearchOptions) ([]*candidate, int) {
	rng := rand.New(rand.NewSource(searchSeed(inst.ID, art.ModelID)))
	maxChange := min(maxChangedFeatures, len(mutable))

	pool := make([]*candidate, 0, 64)
	seen := make(map[string]struct{})
	evaluated := 0

	// Duplicate draws skip evaluation; the attempt cap keeps a small
	// discrete search space from spinning once every combination is seen.
	for attempts := 0; evaluated < opts.MaxEvaluations && attempts < opts.MaxEvaluations*4; attempts++ {
		if ctx.Err() != nil {
			break
		}
		k := 1 + rng.Intn(maxChange)
		picks := rng.Perm(len(mutable))[:k]
		sort.Ints(picks)

		vec := make([]models.Value, len(x))
		copy(vec, x)
		changes := make(map[string]models.Value, k)
		for _, pi := range picks {
			mf := mutable[pi]
			v := sampleValue(rng, mf)
			if v.Equal(x[mf.index]) {
				continue
			}
			vec[mf.index] = v
			changes[mf.name] = v
		}
		if len(changes) == 0 {
			continue
		}
		key := changeKey(changes)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		probAfter := art.Ensemble.Score(vec)
		evaluated++

		c := &candidate{
			vector:   vec,
			genIndex: len(pool),
			result: models.CounterfactualCandidate{
				ID:                uuid.NewSHA1(uuid.NameSpaceOID, []byte(inst.ID+"|"+art.ModelID+"|"+key)).String(),
				InstanceID:        inst.ID,
				ModelID:           art.ModelID,
				Changes:           changes,
				ProbabilityBefore: probBefore,
				ProbabilityAfter:  probAfter,
				NumChanged:        len(changes),
				ChangeCost:        changeCost(x, changes, mutable),
				Feasible:          classOf(probAfter, art.Threshold) == opts.DesiredClass,
			},
		}
		pool = append(pool, c)
	}
	return pool, evaluated
}

func searchSeed(instanceID, modelID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(instanceID))
	h.Write([]byte{'|'})
	h.Write([]byte(modelID))
	return int64(h.Sum64())
}

func sampleValue(rng *rand.Rand, mf mutableFeature) models.Value {
	if mf.kind == models.KindCategorical {
		return models.CategoricalValue(mf.categories[rng.Intn(len(mf.categories))])
	}
	if mf.high == mf.low {
		return models.NumericValue(mf.low)
	}
	// Alternate coarse grid points and uniform draws.
	if rng.Intn(2) == 0 {
		const gridPoints = 9
		step := rng.Intn(gridPoints)
		return models.NumericValue(mf.low + (mf.high-mf.low)*float64(step)/float64(gridPoints-1))
	}
	return models.NumericValue(mf.low + rng.Float64()*(mf.high-mf.low))
}

func classOf(probability, threshold float64) int {
	if probability >= threshold {
		return 1
	}
	return 0
}

// infeasibleDistance measures how far an infeasible candidate remains from
// the threshold on the wrong side; used only for the explicit closest-
// candidate fallback.
func infeasibleDistance(probability, threshold float64, desired int) float64 {
	if desired == 1 {
		return threshold - probability
	}
	return probability - threshold
}

// changeCost prices a perturbation: each numeric move costs its magnitude
// normalized by the feature's effective range width, each categorical swap
// costs one unit, and every touched feature adds a sparsity penalty.
func changeCost(x []models.Value, changes map[string]models.Value, mutable []mutableFeature) float64 {
	cost := sparsityWeight * float64(len(changes))
	for _, mf := range mutable {
		v, ok := changes[mf.name]
		if !ok {
			continue
		}
		if mf.kind == models.KindCategorical {
			cost++
			continue
		}
		width := mf.high - mf.low
		if width <= 0 {
			cost++
			continue
		}
		cost += math.Abs(v.Num-x[mf.index].Num) / width
	}
	return cost
}

func changeKey(changes map[string]models.Value) string {
	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	sort.Strings(names)
	key := ""
	for _, name := range names {
		key += name + "=" + changes[name].String() + ";"
	}
	return key
}

// selectDiverse greedily picks topN candidates minimizing
// cost - diversityWeight * (distance to the already-selected set). The first
// pick is pure cost order; later picks reward spreading across different
// feature subsets and values. Ties break by lower cost, then generation
// order, so selection is reproducible.
func selectDiverse(pool []*candidate, mutable []mutableFeature, topN int, diversityWeight float64) []*candidate {
	remaining := make([]*candidate, len(pool))
	copy(remaining, pool)
	selected := make([]*candidate, 0, topN)

	for len(selected) < topN && len(remaining) > 0 {
		bestIdx := -1
		bestScore, bestCost := math.Inf(1), math.Inf(1)
		var bestDiv float64
		for i, c := range remaining {
			div := minDistance(c, selected, mutable)
			score := c.result.ChangeCost - diversityWeight*div
			better := score < bestScore ||
				(score == bestScore && c.result.ChangeCost < bestCost) ||
				(score == bestScore && c.result.ChangeCost == bestCost && bestIdx >= 0 && c.genIndex < remaining[bestIdx].genIndex)
			if better {
				bestIdx, bestScore, bestCost, bestDiv = i, score, c.result.ChangeCost, div
			}
		}
		pick := remaining[bestIdx]
		pick.result.DiversityScore = bestDiv
		selected = append(selected, pick)
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

// minDistance is the candidate's distance to the nearest already-selected
// candidate: Jaccard distance over the changed-feature sets plus the mean
// normalized value gap on shared features. Zero against an empty set.
func minDistance(c *candidate, selected []*candidate, mutable []mutableFeature) float64 {
	if len(selected) == 0 {
		return 0
	}
	minDist := math.Inf(1)
	for _, s := range selected {
		if d := pairDistance(c, s, mutable); d < minDist {
			minDist = d
		}
	}
	return minDist
}

func pairDistance(a, b *candidate, mutable []mutableFeature) float64 {
	shared, union := 0, 0
	var valueGap float64
	sharedCount := 0
	for _, mf := range mutable {
		av, aok := a.result.Changes[mf.name]
		bv, bok := b.result.Changes[mf.name]
		if aok || bok {
			union++
		}
		if aok && bok {
			shared++
			sharedCount++
			if mf.kind == models.KindCategorical {
				if av.Cat != bv.Cat {
					valueGap++
				}
			} else if width := mf.high - mf.low; width > 0 {
				valueGap += math.Abs(av.Num-bv.Num) / width
			}
		}
	}
	if union == 0 {
		return 0
	}
	jaccard := 1 - float64(shared)/float64(union)
	if sharedCount > 0 {
		return jaccard + valueGap/float64(sharedCount)
	}
	return jaccard
}
