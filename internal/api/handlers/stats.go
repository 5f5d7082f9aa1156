package handlers

import (
	"net/http"

	"github.com/patternmesh/patternd/internal/federation"
	"github.com/patternmesh/patternd/internal/hub"
	"github.com/patternmesh/patternd/internal/service"
)

type StatsHandler struct {
	svc *service.EngineService
	fed *federation.Service
	hub *hub.Hub
}

func NewStatsHandler(svc *service.EngineService, fed *federation.Service, h *hub.Hub) *StatsHandler {
	return &StatsHandler{svc: svc, fed: fed, hub: h}
}

type statisticsResponse struct {
	*service.Statistics
	Observers       int              `json:"observers"`
	FederationState federation.State `json:"federation_state"`
}

// Statistics returns aggregate pattern counts plus live observer and
// federation state.
// GET /statistics
func (h *StatsHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statisticsResponse{
		Statistics:      h.svc.Statistics(r.Context()),
		Observers:       h.hub.Count(),
		FederationState: h.fed.State(),
	})
}
