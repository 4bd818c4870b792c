package engine

import (
	"math"
	"sort"

	"github.com/brightgrid/explain-engine/internal/models"
)

// mineLevers aggregates which features appear most often across the
// cohort's feasible counterfactual sets. A feature that keeps showing up as
// a perturbation is the segment's most actionable lever, which is the
// cohort-level answer counterfactuals can give even though individual
// candidate sets never merge.
func mineLevers(perInstance []models.InstanceCounterfactuals, originals map[string]models.Instance) []models.Lever {
	if len(perInstance) == 0 {
		return nil
	}

	aggs := make(map[string]*leverAggregate)
	for _, pi := range perInstance {
		orig := originals[pi.InstanceID]
		touched := make(map[string]struct{})
		for _, cand := range pi.Candidates {
			for feature, v := range cand.Changes {
				agg := ensureLever(aggs, feature)
				agg.occurrences++
				touched[feature] = struct{}{}
				if v.Kind == models.KindNumeric {
					if before, ok := orig.Values[feature]; ok {
						agg.deltaSum += math.Abs(v.Num - before.Num)
						agg.deltaCount++
					}
				}
			}
		}
		for feature := range touched {
			ensureLever(aggs, feature).instances++
		}
	}

	levers := make([]models.Lever, 0, len(aggs))
	for feature, agg := range aggs {
		lever := models.Lever{
			Feature:     feature,
			Occurrences: agg.occurrences,
			Share:       float64(agg.instances) / float64(len(perInstance)),
		}
		if agg.deltaCount > 0 {
			lever.MeanAbsDelta = agg.deltaSum / float64(agg.deltaCount)
		}
		levers = append(levers, lever)
	}

	sort.SliceStable(levers, func(i, j int) bool {
		if levers[i].Occurrences != levers[j].Occurrences {
			return levers[i].Occurrences > levers[j].Occurrences
		}
		return levers[i].Feature < levers[j].Feature
	})
	return levers
}

type leverAggregate struct {
	occurrences int
	instances   int
	deltaSum    float64
	deltaCount  int
}

func ensureLever(m map[string]*leverAggregate, feature string) *leverAggregate {
	agg, ok := m[feature]
	if !ok {
		agg = &leverAggregate{}
		m[feature] = agg
	}
	return agg
}
