package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/linkpulse/linkpulse/internal/handler/dto"
	"github.com/linkpulse/linkpulse/internal/model"
	"github.com/linkpulse/linkpulse/internal/service"
)

// maxEventBody bounds the request body; a click report is a few hundred
// bytes, so anything near this limit is garbage.
const maxEventBody = 16 << 10

// IngestHandler accepts click events from the redirect edge.
type IngestHandler struct {
	svc    *service.IngestService
	logger *slog.Logger
}

// NewIngestHandler creates a new IngestHandler.
func NewIngestHandler(svc *service.IngestService, logger *slog.Logger) *IngestHandler {
	return &IngestHandler{
		svc:    svc,
		logger: logger.With("component", "handler.ingest"),
	}
}

// CreateEvent handles POST /api/v1/events.
//
// The disposition maps onto status codes: accepted clicks get 202 with the
// assigned event id, validation refusals get 400 with the reason code, and
// a saturated buffer under the reject policy gets 429 so the edge knows to
// resubmit.
func (h *IngestHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEventBody)

	var req dto.ClickEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be a JSON click event", "")
		return
	}

	result := h.svc.RecordClick(h.buildInput(r, req))

	switch {
	case result.Accepted:
		writeJSON(w, http.StatusAccepted, dto.EventAcceptedResponse{
			EventID:       result.EventID,
			PendingClicks: result.PendingClicks,
		})

	case result.Retryable:
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusTooManyRequests, strings.ToUpper(result.Reason),
			"Ingestion is saturated, retry shortly", "")

	default:
		h.writeError(w, http.StatusBadRequest, strings.ToUpper(result.Reason),
			"Click event failed validation", result.Field)
	}
}

// buildInput maps the request onto a ClickInput, filling attributes the body
// leaves blank from the transport: a thin edge can post {"link_id": ...} and
// let the proxy headers describe the client.
func (h *IngestHandler) buildInput(r *http.Request, req dto.ClickEventRequest) service.ClickInput {
	input := service.ClickInput{
		LinkID:         req.LinkID,
		UserID:         req.UserID,
		ClientIP:       req.ClientIP,
		UserAgent:      req.UserAgent,
		Referrer:       req.Referrer,
		HTTPMethod:     req.HTTPMethod,
		StatusCode:     req.StatusCode,
		ResponseTimeMs: req.ResponseTimeMs,
		IsBot:          req.IsBot,
		CountryCode:    req.CountryCode,
		UTMSource:      req.UTMSource,
		UTMMedium:      req.UTMMedium,
		UTMCampaign:    req.UTMCampaign,
	}
	if req.OccurredAt != nil {
		input.OccurredAt = *req.OccurredAt
	}

	if input.ClientIP == "" {
		input.ClientIP = getClientIP(r)
	}
	if input.UserAgent == "" {
		input.UserAgent = r.Header.Get("User-Agent")
	}
	if input.Referrer == "" {
		input.Referrer = r.Header.Get("Referer")
	}
	if input.CountryCode == "" {
		input.CountryCode = model.ExtractCountryCode(r.Header.Get("CF-IPCountry"))
	}

	return input
}

// writeError writes a JSON error response for ingest failures.
func (h *IngestHandler) writeError(w http.ResponseWriter, status int, code, message, field string) {
	writeJSON(w, status, dto.ErrorResponse{
		Error: message,
		Code:  code,
		Field: field,
	})
}
