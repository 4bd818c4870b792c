// Package schema holds the static feature schema shared by every model:
// feature names, kinds, and permitted domains. The registry is loaded once
// at startup and treated as read-only for the process lifetime.
package schema

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/brightgrid/explain-engine/internal/models"
)

// Feature describes one column of the shared tabular schema. Numeric
// features carry a closed interval [Min, Max]; categorical features carry an
// enumerated label set.
type Feature struct {
	Name       string             `yaml:"name" json:"name"`
	Kind       models.FeatureKind `yaml:"kind" json:"kind"`
	Min        float64            `yaml:"min" json:"min,omitempty"`
	Max        float64            `yaml:"max" json:"max,omitempty"`
	Categories []string           `yaml:"categories" json:"categories,omitempty"`
}

// Validate checks the feature's domain for internal consistency.
func (f Feature) Validate() error {
	switch f.Kind {
	case models.KindNumeric:
		if f.Min > f.Max {
			return &models.InvalidRangeError{Feature: f.Name, Reason: fmt.Sprintf("low %g > high %g", f.Min, f.Max)}
		}
	case models.KindCategorical:
		if len(f.Categories) == 0 {
			return &models.InvalidRangeError{Feature: f.Name, Reason: "empty category set"}
		}
	default:
		return &models.InvalidRangeError{Feature: f.Name, Reason: fmt.Sprintf("unknown kind %q", f.Kind)}
	}
	return nil
}

// Contains reports whether a value lies inside the feature's domain.
func (f Feature) Contains(v models.Value) bool {
	if v.Kind != f.Kind {
		return false
	}
	if f.Kind == models.KindCategorical {
		return slices.Contains(f.Categories, v.Cat)
	}
	return v.Num >= f.Min && v.Num <= f.Max
}

// Registry is the read-only feature schema lookup shared across models.
type Registry struct {
	features map[string]Feature
	ordered  []string
}

type schemaFile struct {
	Features []Feature `yaml:"features"`
}

// Load reads the schema from a YAML file and validates every domain.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	var file schemaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return New(file.Features)
}

// New builds a registry from an explicit feature list.
func New(features []Feature) (*Registry, error) {
	reg := &Registry{features: make(map[string]Feature, len(features))}
	for _, f := range features {
		if f.Name == "" {
			return nil, &models.InvalidRangeError{Feature: f.Name, Reason: "feature without a name"}
		}
		if _, ok := reg.features[f.Name]; ok {
			return nil, fmt.Errorf("duplicate feature %q in schema", f.Name)
		}
		if err := f.Validate(); err != nil {
			return nil, err
		}
		reg.features[f.Name] = f
		reg.ordered = append(reg.ordered, f.Name)
	}
	return reg, nil
}

// Lookup returns the feature description for a name.
func (r *Registry) Lookup(name string) (Feature, bool) {
	f, ok := r.features[name]
	return f, ok
}

// Names lists feature names in schema order.
func (r *Registry) Names() []string {
	return slices.Clone(r.ordered)
}

// Len reports the number of features in the schema.
func (r *Registry) Len() int { return len(r.ordered) }

// CheckInstance verifies that an instance carries a type-correct value for
// every required feature. Missing features are collected into one
// IncompleteInstanceError; values are never imputed.
func (r *Registry) CheckInstance(inst models.Instance, required []string) error {
	var missing []string
	for _, name := range required {
		feat, ok := r.features[name]
		if !ok {
			return &models.SchemaMismatchError{Feature: name, Reason: "not in schema"}
		}
		v, ok := inst.Values[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		if v.Kind != feat.Kind {
			return fmt.Errorf("instance %s: feature %q has kind %s, schema expects %s", inst.ID, name, v.Kind, feat.Kind)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return &models.IncompleteInstanceError{InstanceID: inst.ID, Missing: missing}
	}
	return nil
}

// ValidateRanges checks a permitted-range pack against the schema. Every
// entry must name a schema feature and describe a well-formed, kind-matching
// restriction. Runs at configuration load so malformed packs never reach a
// search.
func (r *Registry) ValidateRanges(ranges map[string]models.PermittedRange) error {
	for name, pr := range ranges {
		feat, ok := r.features[name]
		if !ok {
			return &models.InvalidRangeError{Feature: name, Reason: "not in schema"}
		}
		switch feat.Kind {
		case models.KindNumeric:
			if len(pr.Categories) > 0 {
				return &models.InvalidRangeError{Feature: name, Reason: "category set on numeric feature"}
			}
			if pr.Low > pr.High {
				return &models.InvalidRangeError{Feature: name, Reason: fmt.Sprintf("low %g > high %g", pr.Low, pr.High)}
			}
		case models.KindCategorical:
			if len(pr.Categories) == 0 {
				return &models.InvalidRangeError{Feature: name, Reason: "empty category set"}
			}
			for _, c := range pr.Categories {
				if !slices.Contains(feat.Categories, c) {
					return &models.InvalidRangeError{Feature: name, Reason: fmt.Sprintf("category %q outside feature domain", c)}
				}
			}
		}
	}
	return nil
}
