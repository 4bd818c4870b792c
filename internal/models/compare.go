package models

import "time"

// ModelComparison is one model's independently computed view of an input.
// Err is set, and the numeric fields zeroed, when that model's computation
// failed; a failure in one model never blocks the others.
type ModelComparison struct {
	ModelID          string         `json:"model_id"`
	Probability      float64        `json:"probability"`
	Opportunity      float64        `json:"opportunity"`
	TopContributions []Contribution `json:"top_contributions,omitempty"`
	Err              string         `json:"error,omitempty"`
}

// ComparisonResult fans the same instance or cohort across several models and
// ranks them for "which opportunity is strongest" decisions. Ranking lists
// model ids best-first by Opportunity, with failed models last in request
// order so the output stays deterministic.
type ComparisonResult struct {
	InstanceID        string                     `json:"instance_id,omitempty"`
	CohortDescription string                     `json:"cohort_description,omitempty"`
	TargetDirection   Direction                  `json:"target_direction"`
	Results           map[string]ModelComparison `json:"results"`
	Ranking           []string                   `json:"ranking"`
	CreatedAt         time.Time                  `json:"created_at"`
}
