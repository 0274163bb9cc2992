package model

import (
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	maxIDLength    = 64
	maxMetaLength  = 500
	maxUTMLength   = 100
	maxResponseMs  = 600000 // 10 minutes, anything above is a clock artifact
	eventIDLength  = 26     // ULID canonical encoding
	visitorHashLen = 16
)

// RejectReason is a machine-readable code for why an event was refused at the
// ingestion boundary. Reasons feed the rejection metrics and the API response.
type RejectReason string

const (
	ReasonBadEventID      RejectReason = "bad_event_id"
	ReasonMissingLinkID   RejectReason = "missing_link_id"
	ReasonBadLinkID       RejectReason = "bad_link_id"
	ReasonBadUserID       RejectReason = "bad_user_id"
	ReasonMissingTime     RejectReason = "missing_timestamp"
	ReasonFutureTime      RejectReason = "future_timestamp"
	ReasonBadMethod       RejectReason = "bad_method"
	ReasonBadStatusCode   RejectReason = "bad_status_code"
	ReasonBadResponseTime RejectReason = "bad_response_time"
	ReasonBadClientIP     RejectReason = "bad_client_ip"
	ReasonBadVisitorHash  RejectReason = "bad_visitor_hash"
	ReasonBadCountryCode  RejectReason = "bad_country_code"
	ReasonMetaTooLong     RejectReason = "meta_too_long"
)

// ValidationError reports a rejected EventRecord. Never coerces: the caller
// sees exactly which field failed and why.
type ValidationError struct {
	Reason RejectReason
	Field  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s (%s)", e.Field, e.Reason)
}

func reject(reason RejectReason, field string) *ValidationError {
	return &ValidationError{Reason: reason, Field: field}
}

// ReasonOf extracts the rejection reason from a validation error.
// Returns "invalid" for any other error.
func ReasonOf(err error) RejectReason {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Reason
	}
	return "invalid"
}

var allowedMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"PATCH": true, "DELETE": true, "OPTIONS": true,
}

// ValidateEvent checks an EventRecord at the ingestion boundary.
// maxFutureSkew bounds how far occurred_at may sit ahead of the local clock.
func ValidateEvent(e EventRecord, now time.Time, maxFutureSkew time.Duration) error {
	if len(e.EventID) != eventIDLength || !isULID(e.EventID) {
		return reject(ReasonBadEventID, "event_id")
	}
	if e.LinkID == "" {
		return reject(ReasonMissingLinkID, "link_id")
	}
	if len(e.LinkID) > maxIDLength || !isIdentifier(e.LinkID) {
		return reject(ReasonBadLinkID, "link_id")
	}
	if e.UserID != "" && (len(e.UserID) > maxIDLength || !isIdentifier(e.UserID)) {
		return reject(ReasonBadUserID, "user_id")
	}
	if e.OccurredAt.IsZero() {
		return reject(ReasonMissingTime, "occurred_at")
	}
	if e.OccurredAt.After(now.Add(maxFutureSkew)) {
		return reject(ReasonFutureTime, "occurred_at")
	}
	if !allowedMethods[e.HTTPMethod] {
		return reject(ReasonBadMethod, "http_method")
	}
	if e.StatusCode < 100 || e.StatusCode > 599 {
		return reject(ReasonBadStatusCode, "status_code")
	}
	if e.ResponseTimeMs < 0 || e.ResponseTimeMs > maxResponseMs {
		return reject(ReasonBadResponseTime, "response_time_ms")
	}
	if e.ClientIP != "" && net.ParseIP(e.ClientIP) == nil {
		return reject(ReasonBadClientIP, "client_ip")
	}
	if len(e.VisitorHash) != visitorHashLen || !isHex(e.VisitorHash) {
		return reject(ReasonBadVisitorHash, "visitor_hash")
	}
	if e.CountryCode != "" && !isCountryCode(e.CountryCode) {
		return reject(ReasonBadCountryCode, "country_code")
	}
	if len(e.Referrer) > maxMetaLength {
		return reject(ReasonMetaTooLong, "referrer")
	}
	if len(e.UserAgent) > maxMetaLength {
		return reject(ReasonMetaTooLong, "user_agent")
	}
	if len(e.UTMSource) > maxUTMLength {
		return reject(ReasonMetaTooLong, "utm_source")
	}
	if len(e.UTMMedium) > maxUTMLength {
		return reject(ReasonMetaTooLong, "utm_medium")
	}
	if len(e.UTMCampaign) > maxUTMLength {
		return reject(ReasonMetaTooLong, "utm_campaign")
	}
	return nil
}

func isHex(value string) bool {
	for i := 0; i < len(value); i++ {
		ch := value[i]
		if (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F') {
			continue
		}
		return false
	}
	return true
}

// isULID reports whether value uses the Crockford base32 alphabet ULIDs
// encode with (no I, L, O, U).
func isULID(value string) bool {
	for i := 0; i < len(value); i++ {
		ch := value[i]
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'A' && ch <= 'Z' && ch != 'I' && ch != 'L' && ch != 'O' && ch != 'U':
		default:
			return false
		}
	}
	return true
}

func isIdentifier(value string) bool {
	for i := 0; i < len(value); i++ {
		ch := value[i]
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch == '-' || ch == '_':
		default:
			return false
		}
	}
	return true
}

func isCountryCode(value string) bool {
	if len(value) != 2 {
		return false
	}
	return value[0] >= 'A' && value[0] <= 'Z' && value[1] >= 'A' && value[1] <= 'Z'
}
