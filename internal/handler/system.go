package handler

import (
	"net/http"
	"time"

	"github.com/linkpulse/linkpulse/internal/burst"
	"github.com/linkpulse/linkpulse/internal/handler/dto"
)

// SystemHandler exposes the pipeline's operational state.
type SystemHandler struct {
	load *burst.Controller
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(load *burst.Controller) *SystemHandler {
	return &SystemHandler{load: load}
}

// GetLoad handles GET /api/v1/system/load.
// Returns the global load state plus the hottest tracked links, most loaded
// first. The snapshot is advisory: rates are EWMA estimates as of the last
// controller tick.
func (h *SystemHandler) GetLoad(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 20, 100)
	global, links := h.load.Snapshot(limit)

	writeJSON(w, http.StatusOK, dto.LoadResponse{
		Global:      global,
		Links:       links,
		GeneratedAt: time.Now().UTC(),
	})
}
