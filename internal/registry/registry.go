// Package registry loads and caches immutable trained model artifacts.
// Loading is idempotent; a refresh builds the replacement off to the side
// and swaps the cache entry under the write lock, so readers never observe
// a half-updated artifact.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/brightgrid/explain-engine/internal/ensemble"
	"github.com/brightgrid/explain-engine/internal/models"
	"github.com/brightgrid/explain-engine/internal/schema"
)

// Convention is the per-model decision-boundary bookkeeping that cannot be
// derived from the artifact bytes.
type Convention struct {
	PositiveClassDesirable bool
	Threshold              float64
}

// Registry caches loaded artifacts keyed by model id.
type Registry struct {
	dir         string
	schema      *schema.Registry
	conventions map[string]Convention
	logger      *slog.Logger

	mu        sync.RWMutex
	artifacts map[string]*Artifact
}

// New constructs a registry over an artifact directory. conventions lists
// every servable model id; ids outside it are rejected as not found.
func New(dir string, schemaReg *schema.Registry, conventions map[string]Convention, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:         dir,
		schema:      schemaReg,
		conventions: conventions,
		logger:      logger,
		artifacts:   make(map[string]*Artifact),
	}
}

// ModelIDs lists the configured model ids in stable order.
func (r *Registry) ModelIDs() []string {
	ids := make([]string, 0, len(r.conventions))
	for id := range r.conventions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns the cached artifact for a model id, loading it on first use.
// Repeated calls return the same immutable artifact without re-reading disk.
func (r *Registry) Get(modelID string) (*Artifact, error) {
	r.mu.RLock()
	art, ok := r.artifacts[modelID]
	r.mu.RUnlock()
	if ok {
		return art, nil
	}

	loaded, err := r.load(modelID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another request may have loaded it meanwhile; keep the first copy so
	// concurrent callers observe a single artifact.
	if existing, ok := r.artifacts[modelID]; ok {
		return existing, nil
	}
	r.artifacts[modelID] = loaded
	return loaded, nil
}

// Background returns the model's background reference sample.
func (r *Registry) Background(modelID string) ([][]models.Value, error) {
	art, err := r.Get(modelID)
	if err != nil {
		return nil, err
	}
	return art.Background, nil
}

// Refresh re-reads the artifact from disk and swaps it in atomically.
// Requests already holding the old artifact complete against it.
func (r *Registry) Refresh(modelID string) (*Artifact, error) {
	loaded, err := r.load(modelID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.artifacts[modelID] = loaded
	r.mu.Unlock()
	r.logger.Info("model artifact refreshed", slog.String("model_id", modelID))
	return loaded, nil
}

type artifactFile struct {
	ModelID            string              `json:"model_id"`
	PositiveClassLabel string              `json:"positive_class_label"`
	Features           []string            `json:"features"`
	Ensemble           ensemble.Ensemble   `json:"ensemble"`
	Background         []map[string]any    `json:"background"`
}

func (r *Registry) load(modelID string) (*Artifact, error) {
	conv, ok := r.conventions[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrModelNotFound, modelID)
	}

	path := filepath.Join(r.dir, modelID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (no artifact at %s)", models.ErrModelNotFound, modelID, path)
		}
		return nil, fmt.Errorf("read artifact %s: %w", modelID, err)
	}

	var file artifactFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", modelID, err)
	}
	if len(file.Features) == 0 {
		return nil, fmt.Errorf("artifact %s declares no features", modelID)
	}

	// Schema-mismatch check: every referenced feature must exist in the
	// shared schema with a compatible kind, or the artifact is not
	// registered at all.
	kinds := make([]models.FeatureKind, len(file.Features))
	for i, name := range file.Features {
		feat, ok := r.schema.Lookup(name)
		if !ok {
			return nil, &models.SchemaMismatchError{ModelID: modelID, Feature: name, Reason: "not in feature schema"}
		}
		kinds[i] = feat.Kind
	}

	if err := file.Ensemble.Validate(len(file.Features)); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", modelID, err)
	}
	if len(file.Background) == 0 {
		return nil, fmt.Errorf("artifact %s has an empty background sample", modelID)
	}

	background := make([][]models.Value, len(file.Background))
	for ri, row := range file.Background {
		vec := make([]models.Value, len(file.Features))
		for fi, name := range file.Features {
			raw, ok := row[name]
			if !ok {
				return nil, &models.SchemaMismatchError{ModelID: modelID, Feature: name, Reason: fmt.Sprintf("missing from background row %d", ri)}
			}
			v, err := coerceValue(raw, kinds[fi])
			if err != nil {
				return nil, &models.SchemaMismatchError{ModelID: modelID, Feature: name, Reason: err.Error()}
			}
			vec[fi] = v
		}
		background[ri] = vec
	}

	if conv.Threshold <= 0 || conv.Threshold >= 1 {
		conv.Threshold = 0.5
	}

	ens := file.Ensemble
	art := &Artifact{
		ModelID:                modelID,
		PositiveClassLabel:     file.PositiveClassLabel,
		PositiveClassDesirable: conv.PositiveClassDesirable,
		Threshold:              conv.Threshold,
		Features:               file.Features,
		Ensemble:               &ens,
		Background:             background,
		BaselineMargin:         ens.MeanMargin(background),
		LoadedAt:               time.Now().UTC(),
	}

	r.logger.Info("model artifact loaded",
		slog.String("model_id", modelID),
		slog.Int("features", len(art.Features)),
		slog.Int("trees", len(art.Ensemble.Trees)),
		slog.Int("background_rows", len(art.Background)),
	)
	return art, nil
}

func coerceValue(raw any, kind models.FeatureKind) (models.Value, error) {
	switch kind {
	case models.KindNumeric:
		switch n := raw.(type) {
		case float64:
			return models.NumericValue(n), nil
		case int:
			return models.NumericValue(float64(n)), nil
		default:
			return models.Value{}, fmt.Errorf("expected numeric value, got %T", raw)
		}
	case models.KindCategorical:
		s, ok := raw.(string)
		if !ok {
			return models.Value{}, fmt.Errorf("expected categorical value, got %T", raw)
		}
		return models.CategoricalValue(s), nil
	}
	return models.Value{}, fmt.Errorf("unknown feature kind %q", kind)
}
