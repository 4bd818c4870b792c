package models

import "time"

// PermittedRange restricts which perturbations of one feature are considered
// actionable. Numeric features use the closed interval [Low, High];
// categorical features use the label set. A feature absent from the permitted
// map is frozen at its original value for every candidate.
type PermittedRange struct {
	Low        float64  `json:"low,omitempty" yaml:"low"`
	High       float64  `json:"high,omitempty" yaml:"high"`
	Categories []string `json:"categories,omitempty" yaml:"categories"`
}

// CounterfactualCandidate is one minimal perturbation that moves an instance
// to (or toward) the desired side of the model's decision threshold.
// Changes carries only the features that differ from the original.
type CounterfactualCandidate struct {
	ID                string           `json:"id"`
	InstanceID        string           `json:"instance_id"`
	ModelID           string           `json:"model_id"`
	Changes           map[string]Value `json:"changes"`
	ProbabilityBefore float64          `json:"probability_before"`
	ProbabilityAfter  float64          `json:"probability_after"`
	NumChanged        int              `json:"num_changed"`
	ChangeCost        float64          `json:"change_cost"`
	DiversityScore    float64          `json:"diversity_score"`
	Feasible          bool             `json:"feasible"`
}

// InstanceCounterfactuals groups one instance's candidate set; counterfactuals
// are inherently per-instance and never merged into a single global answer.
type InstanceCounterfactuals struct {
	InstanceID string                    `json:"instance_id"`
	Candidates []CounterfactualCandidate `json:"candidates"`
}

// Lever counts how often a feature appears in feasible counterfactual sets
// across a cohort - a proxy for the most actionable levers for that segment.
type Lever struct {
	Feature      string  `json:"feature"`
	Occurrences  int     `json:"occurrences"`
	Share        float64 `json:"share"`
	MeanAbsDelta float64 `json:"mean_abs_delta,omitempty"`
}

// CohortCounterfactualReport collects per-instance candidate sets plus the
// cohort-level lever summary and partial-failure accounting.
type CohortCounterfactualReport struct {
	ModelID           string                    `json:"model_id"`
	CohortDescription string                    `json:"cohort_description,omitempty"`
	PerInstance       []InstanceCounterfactuals `json:"per_instance"`
	Levers            []Lever                   `json:"levers"`
	SucceededCount    int                       `json:"succeeded_count"`
	FailedCount       int                       `json:"failed_count"`
	Failures          map[string]string         `json:"failures,omitempty"`
	CreatedAt         time.Time                 `json:"created_at"`
}
