package models

import "time"

// Direction labels which side of the decision boundary a contribution pushes
// toward. The mapping from raw sign to risk/protective is fixed per model by
// its positive-class desirability flag; callers choose which side they want
// surfaced via a target direction, never by re-deriving signs themselves.
type Direction string

const (
	DirectionRisk       Direction = "risk"
	DirectionProtective Direction = "protective"
)

// Contribution is one feature's signed share of a prediction.
type Contribution struct {
	Feature   string    `json:"feature"`
	RawValue  Value     `json:"raw_value"`
	Score     float64   `json:"score"`
	Direction Direction `json:"direction"`
}

// AttributionResult explains a single prediction against a model's background
// baseline. Scores live in margin (log-odds) space so that they sum exactly
// to PredictedMargin - BaselineMargin; probabilities are the sigmoid view the
// narration layer usually wants.
type AttributionResult struct {
	InstanceID           string         `json:"instance_id"`
	ModelID              string         `json:"model_id"`
	BaselineMargin       float64        `json:"baseline_margin"`
	PredictedMargin      float64        `json:"predicted_margin"`
	BaselineProbability  float64        `json:"baseline_probability"`
	PredictedProbability float64        `json:"predicted_probability"`
	Contributions        []Contribution `json:"contributions"`
	CreatedAt            time.Time      `json:"created_at"`
}

// GroupSummary aggregates contributions for one value band of a feature:
// decile bins for numeric features, one entry per label for categorical ones.
type GroupSummary struct {
	Group                string  `json:"group"`
	MeanScore            float64 `json:"mean_score"`
	MeanProbabilityDelta float64 `json:"mean_probability_delta"`
	Count                int     `json:"count"`
}

// FeatureSummary aggregates one feature's influence across a cohort.
type FeatureSummary struct {
	Feature   string         `json:"feature"`
	MeanScore float64        `json:"mean_score"`
	TopKShare float64        `json:"top_k_share"`
	Direction Direction      `json:"direction"`
	Groups    []GroupSummary `json:"groups,omitempty"`
}

// CohortAttributionSummary surfaces the most consistently influential
// factors across a cohort rather than any single instance.
type CohortAttributionSummary struct {
	ModelID             string            `json:"model_id"`
	CohortDescription   string            `json:"cohort_description,omitempty"`
	TargetDirection     Direction         `json:"target_direction"`
	BaselineMargin      float64           `json:"baseline_margin"`
	BaselineProbability float64           `json:"baseline_probability"`
	MeanProbability     float64           `json:"mean_probability"`
	InstanceCount       int               `json:"instance_count"`
	SucceededCount      int               `json:"succeeded_count"`
	FailedCount         int               `json:"failed_count"`
	Failures            map[string]string `json:"failures,omitempty"`
	Features            []FeatureSummary  `json:"features"`
	CreatedAt           time.Time         `json:"created_at"`
}
