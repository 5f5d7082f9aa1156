package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/patternmesh/patternd/internal/domain"
	"github.com/patternmesh/patternd/internal/service"
)

type PatternHandler struct {
	svc *service.EngineService
}

func NewPatternHandler(svc *service.EngineService) *PatternHandler {
	return &PatternHandler{svc: svc}
}

type registerPatternRequest struct {
	ID                string          `json:"id,omitempty"`
	Type              string          `json:"type"`
	Description       string          `json:"description,omitempty"`
	TriggerConditions []string        `json:"trigger_conditions"`
	Actions           []domain.Action `json:"actions"`
	Confidence        float64         `json:"confidence,omitempty"`
}

type patternResponse struct {
	ID                 string          `json:"id"`
	Type               string          `json:"type"`
	Description        string          `json:"description"`
	TriggerConditions  []string        `json:"trigger_conditions"`
	Actions            []domain.Action `json:"actions"`
	Confidence         float64         `json:"confidence"`
	UsageCount         int             `json:"usage_count"`
	SuccessCount       int             `json:"success_count"`
	FailureCount       int             `json:"failure_count"`
	SuccessRate        float64         `json:"success_rate"`
	TotalExecutionTime float64         `json:"total_execution_time"`
	AvgExecutionTime   float64         `json:"avg_execution_time"`
	LastUsedAt         string          `json:"last_used_at,omitempty"`
	SourceNode         string          `json:"source_node"`
	Version            int64           `json:"version"`
	CreatedAt          string          `json:"created_at"`
	UpdatedAt          string          `json:"updated_at"`
}

type listPatternsResponse struct {
	Patterns []patternResponse `json:"patterns"`
	Count    int               `json:"count"`
}

// Register creates a pattern owned by this node.
// POST /patterns
func (h *PatternHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerPatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := h.svc.Register(r.Context(), service.RegisterInput{
		ID:                req.ID,
		Type:              domain.PatternType(req.Type),
		Description:       req.Description,
		TriggerConditions: req.TriggerConditions,
		Actions:           req.Actions,
		Confidence:        req.Confidence,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidPatternType):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrPatternExists):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to register pattern")
		}
		return
	}

	writeJSON(w, http.StatusCreated, toPatternResponse(p))
}

// List returns patterns, optionally filtered by ?type=.
// GET /patterns
func (h *PatternHandler) List(w http.ResponseWriter, r *http.Request) {
	patterns, err := h.svc.List(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		if errors.Is(err, service.ErrInvalidPatternType) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to list patterns")
		return
	}

	resp := listPatternsResponse{
		Patterns: make([]patternResponse, len(patterns)),
		Count:    len(patterns),
	}
	for i, p := range patterns {
		resp.Patterns[i] = toPatternResponse(p)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetByID retrieves a specific pattern.
// GET /patterns/{id}
func (h *PatternHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := h.svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrPatternNotFound) {
			writeError(w, http.StatusNotFound, "pattern not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get pattern")
		return
	}

	writeJSON(w, http.StatusOK, toPatternResponse(p))
}

// Delete tombstones a pattern and propagates the deletion to peers.
// DELETE /patterns/{id}
func (h *PatternHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.svc.Delete(r.Context(), id); err != nil {
		if errors.Is(err, service.ErrPatternNotFound) {
			writeError(w, http.StatusNotFound, "pattern not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete pattern")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type outcomeRequest struct {
	PatternID     string  `json:"pattern_id"`
	Success       bool    `json:"success"`
	ExecutionTime float64 `json:"execution_time,omitempty"`
}

// UpdateOutcome records the success/failure of applying a pattern.
// POST /patterns/update
func (h *PatternHandler) UpdateOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PatternID == "" {
		writeError(w, http.StatusBadRequest, "pattern_id is required")
		return
	}

	p, err := h.svc.RecordOutcome(r.Context(), req.PatternID, req.Success, req.ExecutionTime)
	if err != nil {
		if errors.Is(err, service.ErrPatternNotFound) {
			writeError(w, http.StatusNotFound, "pattern not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to record outcome")
		return
	}

	writeJSON(w, http.StatusOK, toPatternResponse(p))
}

// Helper to convert domain.Pattern to API response.
func toPatternResponse(p *domain.Pattern) patternResponse {
	resp := patternResponse{
		ID:                 p.ID,
		Type:               string(p.Type),
		Description:        p.Description,
		TriggerConditions:  p.TriggerConditions,
		Actions:            p.Actions,
		Confidence:         p.Confidence,
		UsageCount:         p.UsageCount,
		SuccessCount:       p.SuccessCount,
		FailureCount:       p.FailureCount,
		SuccessRate:        p.SuccessRate,
		TotalExecutionTime: p.TotalExecutionTime,
		AvgExecutionTime:   p.AvgExecutionTime,
		SourceNode:         p.SourceNode,
		Version:            p.Version,
		CreatedAt:          p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          p.UpdatedAt.Format(time.RFC3339),
	}
	if p.LastUsedAt != nil {
		resp.LastUsedAt = p.LastUsedAt.Format(time.RFC3339)
	}

	// Ensure slices aren't nil for JSON
	if resp.TriggerConditions == nil {
		resp.TriggerConditions = []string{}
	}
	if resp.Actions == nil {
		resp.Actions = []domain.Action{}
	}
	return resp
}
