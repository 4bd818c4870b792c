package models

import "fmt"

// FeatureKind enumerates the two feature data kinds shared across models.
type FeatureKind string

const (
	KindNumeric     FeatureKind = "numeric"
	KindCategorical FeatureKind = "categorical"
)

// Value holds a single feature value of either kind.
type Value struct {
	Kind FeatureKind `json:"kind"`
	Num  float64     `json:"num,omitempty"`
	Cat  string      `json:"cat,omitempty"`
}

// NumericValue wraps a float as a numeric feature value.
func NumericValue(v float64) Value {
	return Value{Kind: KindNumeric, Num: v}
}

// CategoricalValue wraps a label as a categorical feature value.
func CategoricalValue(c string) Value {
	return Value{Kind: KindCategorical, Cat: c}
}

// Equal reports whether two values are identical in kind and content.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	if v.Kind == KindCategorical {
		return v.Cat == o.Cat
	}
	return v.Num == o.Num
}

func (v Value) String() string {
	if v.Kind == KindCategorical {
		return v.Cat
	}
	return fmt.Sprintf("%g", v.Num)
}

// Instance is one customer's feature vector, keyed by feature name.
// Instances arrive pre-resolved from the cohort collaborator and are
// read-only to the engines; perturbation always works on a clone.
type Instance struct {
	ID     string           `json:"instance_id"`
	Values map[string]Value `json:"values"`
}

// Clone returns a deep copy safe to perturb.
func (i Instance) Clone() Instance {
	values := make(map[string]Value, len(i.Values))
	for name, v := range i.Values {
		values[name] = v
	}
	return Instance{ID: i.ID, Values: values}
}

// Cohort is a named, pre-resolved set of instance ids. Predicate resolution
// happens upstream; the engine only consumes the id list.
type Cohort struct {
	Description string   `json:"description"`
	InstanceIDs []string `json:"instance_ids"`
}
