package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrModelNotFound signals an unknown model id. Fatal to the single request,
// never to a batch.
var ErrModelNotFound = errors.New("model not found")

// SchemaMismatchError means an artifact references a feature that is absent
// from, or incompatible with, the feature schema registry. Raised at load
// time; the artifact is not registered.
type SchemaMismatchError struct {
	ModelID string
	Feature string
	Reason  string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("model %s: feature %q: %s", e.ModelID, e.Feature, e.Reason)
}

// IncompleteInstanceError names the required features an instance is missing.
// Recoverable at batch granularity: recorded and skipped, never imputed.
type IncompleteInstanceError struct {
	InstanceID string
	Missing    []string
}

func (e *IncompleteInstanceError) Error() string {
	return fmt.Sprintf("instance %s missing features: %s", e.InstanceID, strings.Join(e.Missing, ", "))
}

// NoFeasibleCounterfactualError reports an exhausted search budget with zero
// constraint-satisfying candidates. Evaluated tells the caller how much
// budget was spent; Closest carries the best infeasible candidate only when
// the caller explicitly asked for that fallback.
type NoFeasibleCounterfactualError struct {
	InstanceID string
	ModelID    string
	Evaluated  int
	Closest    *CounterfactualCandidate
}

func (e *NoFeasibleCounterfactualError) Error() string {
	return fmt.Sprintf("no feasible counterfactual for instance %s on model %s after %d evaluations", e.InstanceID, e.ModelID, e.Evaluated)
}

// InvalidRangeError flags a malformed permitted range or feature domain,
// e.g. low > high or an empty category set. Caught at configuration load,
// before any search runs.
type InvalidRangeError struct {
	Feature string
	Reason  string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range for feature %q: %s", e.Feature, e.Reason)
}
