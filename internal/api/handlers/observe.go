package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/patternmesh/patternd/internal/domain"
	"github.com/patternmesh/patternd/internal/service"
)

type ObserveHandler struct {
	svc *service.EngineService
}

func NewObserveHandler(svc *service.EngineService) *ObserveHandler {
	return &ObserveHandler{svc: svc}
}

type observeRequest struct {
	Task           string         `json:"task,omitempty"`
	Tool           string         `json:"tool,omitempty"`
	Error          string         `json:"error,omitempty"`
	RecoveryAction string         `json:"recovery_action,omitempty"`
	ExecutionTime  float64        `json:"execution_time,omitempty"`
	Success        bool           `json:"success"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      string         `json:"timestamp,omitempty"`
}

func (req *observeRequest) toObservation() domain.Observation {
	obs := domain.Observation{
		Task:           req.Task,
		Tool:           req.Tool,
		Error:          req.Error,
		RecoveryAction: req.RecoveryAction,
		ExecutionTime:  req.ExecutionTime,
		Success:        req.Success,
		Metadata:       req.Metadata,
		Timestamp:      time.Now().UTC(),
	}
	if req.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
			obs.Timestamp = ts
		}
	}
	return obs
}

// Observe ingests one operational event.
// POST /observe
func (h *ObserveHandler) Observe(w http.ResponseWriter, r *http.Request) {
	var req observeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.svc.Observe(r.Context(), req.toObservation())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to process observation")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type batchObserveRequest struct {
	Observations []observeRequest `json:"observations"`
}

type batchObserveResponse struct {
	Results []*service.ObserveResult `json:"results"`
	Count   int                      `json:"count"`
}

// ObserveBatch ingests an ordered list of observations.
// POST /batch/observe
func (h *ObserveHandler) ObserveBatch(w http.ResponseWriter, r *http.Request) {
	var req batchObserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Observations) == 0 {
		writeError(w, http.StatusBadRequest, "observations are required")
		return
	}

	observations := make([]domain.Observation, len(req.Observations))
	for i := range req.Observations {
		observations[i] = req.Observations[i].toObservation()
	}

	results, err := h.svc.ObserveBatch(r.Context(), observations)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to process batch")
		return
	}

	writeJSON(w, http.StatusOK, batchObserveResponse{Results: results, Count: len(results)})
}
