// Package dto provides Data Transfer Objects for API requests and responses.
package dto

import "time"

// ClickEventRequest represents the request body for reporting a click.
// Fields the redirect edge leaves blank (client IP, user agent, referrer,
// country) are filled from request headers by the handler.
type ClickEventRequest struct {
	LinkID         string     `json:"link_id"`
	UserID         string     `json:"user_id,omitempty"`
	ClientIP       string     `json:"client_ip,omitempty"`
	UserAgent      string     `json:"user_agent,omitempty"`
	Referrer       string     `json:"referrer,omitempty"`
	HTTPMethod     string     `json:"http_method,omitempty"`
	StatusCode     int        `json:"status_code"`
	ResponseTimeMs int        `json:"response_time_ms"`
	IsBot          bool       `json:"is_bot,omitempty"`
	CountryCode    string     `json:"country_code,omitempty"`
	UTMSource      string     `json:"utm_source,omitempty"`
	UTMMedium      string     `json:"utm_medium,omitempty"`
	UTMCampaign    string     `json:"utm_campaign,omitempty"`
	OccurredAt     *time.Time `json:"occurred_at,omitempty"`
}

// EventAcceptedResponse is returned when a click has been taken in. The
// pending count is the link's hot-counter delta after this click, so the
// edge can surface a live total without a second request.
type EventAcceptedResponse struct {
	EventID       string `json:"event_id"`
	PendingClicks int64  `json:"pending_clicks"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}
