// Package model defines domain entities for the click pipeline.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// EventRecord represents a single accepted click against a shortened link.
// Immutable once created; it travels the pipeline by value.
type EventRecord struct {
	EventID string `json:"event_id"`          // ULID, idempotency key
	LinkID  string `json:"link_id"`           // Owned by the link-management collaborator
	UserID  string `json:"user_id,omitempty"` // Present only for authenticated clicks

	// Request metadata
	ClientIP       string `json:"client_ip,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"` // Truncated to 500 chars
	Referrer       string `json:"referrer,omitempty"`   // Sanitized, truncated to 500 chars
	HTTPMethod     string `json:"http_method"`
	StatusCode     int    `json:"status_code"`
	ResponseTimeMs int    `json:"response_time_ms"`
	IsBot          bool   `json:"is_bot"` // Classified upstream, passed through

	// Privacy-safe visitor identification
	VisitorHash string `json:"visitor_hash"` // SHA256(IP + UA + daily_salt)[0:16]

	// Optional geo (from CF-IPCountry header)
	CountryCode string `json:"country_code,omitempty"` // ISO 3166-1 alpha-2

	// Campaign attribution
	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`

	OccurredAt time.Time `json:"occurred_at"` // Sub-second precision
}

// VisitorKey returns the identity used for unique-visitor estimation.
// Authenticated clicks key by user id; anonymous clicks by visitor hash.
func (e EventRecord) VisitorKey() string {
	if e.UserID != "" {
		return "u:" + e.UserID
	}
	return "v:" + e.VisitorHash
}

// ApproxSize estimates the wire size of the record in bytes. Used by the
// buffer shards for byte-threshold accounting; it only needs to be stable,
// not exact.
func (e EventRecord) ApproxSize() int {
	const fixed = 64 // timestamps, ints, bool, struct overhead
	return fixed + len(e.EventID) + len(e.LinkID) + len(e.UserID) +
		len(e.ClientIP) + len(e.UserAgent) + len(e.Referrer) +
		len(e.HTTPMethod) + len(e.VisitorHash) + len(e.CountryCode) +
		len(e.UTMSource) + len(e.UTMMedium) + len(e.UTMCampaign)
}

// GenerateVisitorHash creates a privacy-safe visitor identifier.
// Uses SHA256(IP + UserAgent + daily_salt) truncated to 16 hex chars.
func GenerateVisitorHash(ip, userAgent string, occurredAt time.Time) string {
	// Daily salt rotates at midnight UTC
	dailySalt := fmt.Sprintf("linkpulse:%s", occurredAt.UTC().Format("2006-01-02"))

	data := ip + userAgent + dailySalt
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])[:16]
}

// SanitizeReferrer cleans and truncates the referrer URL.
// Strips query parameters and fragments for privacy.
func SanitizeReferrer(ref string) string {
	if ref == "" {
		return ""
	}

	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}

	// Keep only scheme + host + path; strip query params and fragments
	parsed.RawQuery = ""
	parsed.Fragment = ""

	sanitized := parsed.String()
	if len(sanitized) > maxMetaLength {
		return sanitized[:maxMetaLength]
	}
	return sanitized
}

// TruncateUserAgent truncates user agent to max 500 chars.
func TruncateUserAgent(ua string) string {
	if len(ua) > maxMetaLength {
		return ua[:maxMetaLength]
	}
	return ua
}

// ExtractCountryCode extracts country code from Cloudflare header.
// Returns empty string if header is missing or invalid.
func ExtractCountryCode(cfIPCountry string) string {
	if cfIPCountry != "" && len(cfIPCountry) == 2 {
		return strings.ToUpper(cfIPCountry)
	}
	return ""
}

// ExtractReferrerDomain extracts the domain from a referrer URL.
// Returns "(direct)" for empty referrer.
func ExtractReferrerDomain(ref string) string {
	if ref == "" {
		return "(direct)"
	}

	parsed, err := url.Parse(ref)
	if err != nil || parsed.Host == "" {
		return "(unknown)"
	}

	return parsed.Host
}
