package engine

import (
	"fmt"
	"sort"

	"github.com/montanaflynn/stats"

	"github.com/brightgrid/explain-engine/internal/models"
	"github.com/brightgrid/explain-engine/internal/schema"
)

// groupSummaries breaks one feature's cohort contributions down by value
// band: decile bins over the cohort's raw values for numeric features, one
// group per label for categorical ones. The probability delta is the shift
// the group's mean score would apply on top of the baseline.
func groupSummaries(feat schema.Feature, a *featureAccumulator, baseline float64) []models.GroupSummary {
	grouped := make(map[string][]float64)

	if feat.Kind == models.KindCategorical {
		for i, v := range a.values {
			grouped[v.Cat] = append(grouped[v.Cat], a.scores[i])
		}
	} else {
		bounds := decileBounds(a.values)
		for i, v := range a.values {
			grouped[binLabel(v.Num, bounds)] = append(grouped[binLabel(v.Num, bounds)], a.scores[i])
		}
	}

	summaries := make([]models.GroupSummary, 0, len(grouped))
	for label, scores := range grouped {
		mean := 0.0
		for _, s := range scores {
			mean += s
		}
		mean /= float64(len(scores))
		summaries = append(summaries, models.GroupSummary{
			Group:                label,
			MeanScore:            mean,
			MeanProbabilityDelta: sigmoid(baseline+mean) - sigmoid(baseline),
			Count:                len(scores),
		})
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].MeanScore != summaries[j].MeanScore {
			return summaries[i].MeanScore > summaries[j].MeanScore
		}
		return summaries[i].Group < summaries[j].Group
	})
	return summaries
}

// decileBounds returns the interior decile cut points of the observed
// values. Small or constant cohorts collapse to a single bin.
func decileBounds(values []models.Value) []float64 {
	nums := make([]float64, len(values))
	for i, v := range values {
		nums[i] = v.Num
	}
	var bounds []float64
	for p := 10.0; p < 100; p += 10 {
		q, err := stats.Percentile(nums, p)
		if err != nil {
			return nil
		}
		if len(bounds) == 0 || q > bounds[len(bounds)-1] {
			bounds = append(bounds, q)
		}
	}
	return bounds
}

func binLabel(v float64, bounds []float64) string {
	if len(bounds) == 0 {
		return "all"
	}
	lo := "-inf"
	for _, b := range bounds {
		if v <= b {
			return fmt.Sprintf("(%s, %.4g]", lo, b)
		}
		lo = fmt.Sprintf("%.4g", b)
	}
	return fmt.Sprintf("(%s, +inf)", lo)
}
