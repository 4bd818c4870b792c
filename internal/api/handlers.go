package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/brightgrid/explain-engine/internal/config"
	"github.com/brightgrid/explain-engine/internal/engine"
	"github.com/brightgrid/explain-engine/internal/models"
	"github.com/brightgrid/explain-engine/internal/services"
)

// Handler adapts HTTP requests onto the explain service.
type Handler struct {
	logger   *slog.Logger
	service  *services.ExplainService
	defaults config.EngineConfig
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *services.ExplainService, defaults config.EngineConfig) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, defaults: defaults}
}

// Routes mounts every endpoint on the router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.health)
	r.Get("/v1/models", h.listModels)
	r.Post("/v1/models/refresh", h.refreshModels)
	r.Post("/v1/models/{model}/attributions", h.attribute)
	r.Post("/v1/models/{model}/counterfactuals", h.counterfactuals)
	r.Post("/v1/models/{model}/cohort/attributions", h.cohortAttributions)
	r.Post("/v1/models/{model}/cohort/counterfactuals", h.cohortCounterfactuals)
	r.Post("/v1/compare", h.compare)
}

// instancePayload accepts plain JSON feature values: numbers become numeric
// values, strings categorical. The engine's schema check rejects kind
// mismatches downstream.
type instancePayload struct {
	ID     string         `json:"instance_id"`
	Values map[string]any `json:"values"`
}

func (p instancePayload) toInstance() (models.Instance, error) {
	inst := models.Instance{ID: p.ID, Values: make(map[string]models.Value, len(p.Values))}
	for name, raw := range p.Values {
		switch v := raw.(type) {
		case float64:
			inst.Values[name] = models.NumericValue(v)
		case string:
			inst.Values[name] = models.CategoricalValue(v)
		default:
			return models.Instance{}, fmt.Errorf("feature %q: unsupported value type %T", name, raw)
		}
	}
	return inst, nil
}

func toInstances(payloads []instancePayload) ([]models.Instance, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	out := make([]models.Instance, len(payloads))
	for i, p := range payloads {
		inst, err := p.toInstance()
		if err != nil {
			return nil, err
		}
		out[i] = inst
	}
	return out, nil
}

type searchPayload struct {
	DesiredClass    int                              `json:"desired_class"`
	TopN            int                              `json:"top_n"`
	DiversityWeight *float64                         `json:"diversity_weight"`
	PermittedRanges map[string]models.PermittedRange `json:"permitted_ranges"`
	MaxEvaluations  int                              `json:"max_evaluations"`
	IncludeClosest  bool                             `json:"include_closest"`
}

func (h *Handler) searchOptions(p searchPayload) engine.SearchOptions {
	opts := engine.SearchOptions{
		DesiredClass:    p.DesiredClass,
		TopN:            p.TopN,
		DiversityWeight: h.defaults.DefaultDiversityWeight,
		PermittedRanges: p.PermittedRanges,
		MaxEvaluations:  p.MaxEvaluations,
		IncludeClosest:  p.IncludeClosest,
	}
	if opts.TopN <= 0 {
		opts.TopN = h.defaults.DefaultTopN
	}
	if p.DiversityWeight != nil {
		opts.DiversityWeight = *p.DiversityWeight
	}
	if opts.MaxEvaluations <= 0 {
		opts.MaxEvaluations = h.defaults.SearchBudget
	}
	return opts
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "SERVING"})
}

func (h *Handler) listModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": h.service.ModelIDs()})
}

func (h *Handler) refreshModels(w http.ResponseWriter, _ *http.Request) {
	failures := h.service.Refresh()
	resp := map[string]any{"refreshed": len(h.service.ModelIDs()) - len(failures)}
	if len(failures) > 0 {
		msgs := make(map[string]string, len(failures))
		for id, err := range failures {
			msgs[id] = err.Error()
		}
		resp["failures"] = msgs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) attribute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Instance instancePayload `json:"instance"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	inst, err := req.Instance.toInstance()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.service.Explain(r.Context(), inst, chi.URLParam(r, "model"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) counterfactuals(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Instance instancePayload `json:"instance"`
		searchPayload
	}
	if !h.decode(w, r, &req) {
		return
	}
	inst, err := req.Instance.toInstance()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	candidates, err := h.service.FindCounterfactuals(r.Context(), inst, chi.URLParam(r, "model"), h.searchOptions(req.searchPayload))
	if err != nil {
		var noFeasible *models.NoFeasibleCounterfactualError
		if errors.As(err, &noFeasible) {
			// Exhausted budget is a legitimate answer, not a failure.
			writeJSON(w, http.StatusOK, map[string]any{
				"instance_id": noFeasible.InstanceID,
				"model_id":    noFeasible.ModelID,
				"feasible":    false,
				"evaluated":   noFeasible.Evaluated,
				"closest":     noFeasible.Closest,
				"candidates":  []models.CounterfactualCandidate{},
			})
			return
		}
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance_id": inst.ID,
		"model_id":    chi.URLParam(r, "model"),
		"feasible":    true,
		"candidates":  candidates,
	})
}

func (h *Handler) cohortAttributions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cohort          models.Cohort     `json:"cohort"`
		Instances       []instancePayload `json:"instances"`
		TargetDirection models.Direction  `json:"target_direction"`
		TopK            int               `json:"top_k"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	embedded, err := toInstances(req.Instances)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	topK := req.TopK
	if topK <= 0 {
		topK = h.defaults.DefaultTopK
	}

	summary, err := h.service.ExplainCohort(r.Context(), req.Cohort, embedded, chi.URLParam(r, "model"), req.TargetDirection, topK)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) cohortCounterfactuals(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cohort    models.Cohort     `json:"cohort"`
		Instances []instancePayload `json:"instances"`
		searchPayload
	}
	if !h.decode(w, r, &req) {
		return
	}
	embedded, err := toInstances(req.Instances)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	report, err := h.service.CohortCounterfactuals(r.Context(), req.Cohort, embedded, chi.URLParam(r, "model"), h.searchOptions(req.searchPayload))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) compare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Instance        *instancePayload  `json:"instance"`
		Cohort          *models.Cohort    `json:"cohort"`
		Instances       []instancePayload `json:"instances"`
		ModelIDs        []string          `json:"model_ids"`
		TargetDirection models.Direction  `json:"target_direction"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.ModelIDs) == 0 {
		h.writeError(w, http.StatusBadRequest, errors.New("model_ids is required"))
		return
	}

	switch {
	case req.Instance != nil:
		inst, err := req.Instance.toInstance()
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := h.service.CompareInstance(r.Context(), inst, req.ModelIDs, req.TargetDirection)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case req.Cohort != nil || len(req.Instances) > 0:
		embedded, err := toInstances(req.Instances)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		var cohort models.Cohort
		if req.Cohort != nil {
			cohort = *req.Cohort
		}
		result, err := h.service.CompareCohort(r.Context(), cohort, embedded, req.ModelIDs, req.TargetDirection)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		h.writeError(w, http.StatusBadRequest, errors.New("request must carry an instance or a cohort"))
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return false
	}
	return true
}

// writeDomainError maps domain error types to HTTP statuses: unknown model is
// 404, rejected input is 422, anything else is an internal failure.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var (
		incomplete   *models.IncompleteInstanceError
		invalidRange *models.InvalidRangeError
		mismatch     *models.SchemaMismatchError
	)
	switch {
	case errors.Is(err, models.ErrModelNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case errors.As(err, &incomplete), errors.As(err, &invalidRange), errors.As(err, &mismatch):
		h.writeError(w, http.StatusUnprocessableEntity, err)
	default:
		h.logger.Error("request failed", slog.Any("error", err))
		h.writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
