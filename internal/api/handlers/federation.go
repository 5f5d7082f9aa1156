package handlers

import (
	"errors"
	"net/http"

	"github.com/patternmesh/patternd/internal/federation"
)

type FederationHandler struct {
	fed *federation.Service
}

func NewFederationHandler(fed *federation.Service) *FederationHandler {
	return &FederationHandler{fed: fed}
}

// Status reports connection state, known peers and pattern counts.
// GET /federation/status
func (h *FederationHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.fed.Status())
}

type syncResponse struct {
	Applied int              `json:"applied"`
	State   federation.State `json:"state"`
}

// Sync pulls the shared snapshot and folds every entry into the local
// store.
// POST /federation/sync
func (h *FederationHandler) Sync(w http.ResponseWriter, r *http.Request) {
	applied, err := h.fed.Sync(r.Context())
	if err != nil {
		if errors.Is(err, federation.ErrBrokerUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "federation broker unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{Applied: applied, State: h.fed.State()})
}
