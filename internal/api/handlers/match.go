package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/patternmesh/patternd/internal/service"
)

type MatchHandler struct {
	svc *service.EngineService
}

func NewMatchHandler(svc *service.EngineService) *MatchHandler {
	return &MatchHandler{svc: svc}
}

type matchRequest struct {
	Context map[string]any `json:"context"`
	// Pointer so an explicit 0 ("all matches") is distinguishable from an
	// omitted field, which gets the default.
	Threshold *float64 `json:"threshold,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

type matchEntry struct {
	Pattern patternResponse `json:"pattern"`
	Score   float64         `json:"score"`
}

type matchResponse struct {
	Matches []matchEntry `json:"matches"`
	Count   int          `json:"count"`
}

// Match scores patterns against a query context.
// POST /match
func (h *MatchHandler) Match(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	threshold := service.DefaultMatchThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	matches := h.svc.Match(r.Context(), req.Context, threshold, req.Limit)

	resp := matchResponse{
		Matches: make([]matchEntry, len(matches)),
		Count:   len(matches),
	}
	for i, m := range matches {
		resp.Matches[i] = matchEntry{Pattern: toPatternResponse(m.Pattern), Score: m.Score}
	}
	writeJSON(w, http.StatusOK, resp)
}

type recommendRequest struct {
	Context map[string]any `json:"context"`
	Limit   int            `json:"limit,omitempty"`
}

type recommendResponse struct {
	Recommendations []service.RecommendedAction `json:"recommendations"`
	Count           int                         `json:"count"`
}

// Recommend returns ranked action descriptors from matched patterns.
// POST /recommend
func (h *MatchHandler) Recommend(w http.ResponseWriter, r *http.Request) {
	var req recommendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	recommendations := h.svc.Recommend(r.Context(), req.Context, req.Limit)
	if recommendations == nil {
		recommendations = []service.RecommendedAction{}
	}

	writeJSON(w, http.StatusOK, recommendResponse{
		Recommendations: recommendations,
		Count:           len(recommendations),
	})
}
