// Package config provides application configuration management.
// Configuration is loaded from environment variables following 12-factor principles.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration.
// All fields are populated from environment variables.
type Config struct {
	// Application settings
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	AppPort int    `env:"APP_PORT" envDefault:"8080"`

	// Database (PostgreSQL)
	DatabaseURL string `env:"DATABASE_URL,required"`

	// Cache / streams (Redis)
	RedisURL string `env:"REDIS_URL,required"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server timeouts
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Ingestion boundary
	MaxFutureSkew      time.Duration `env:"MAX_FUTURE_SKEW" envDefault:"30s"`
	MaxRequestBodySize int64         `env:"MAX_REQUEST_BODY_SIZE" envDefault:"1048576"`

	// Buffer manager
	BufferShards       int           `env:"BUFFER_SHARDS" envDefault:"8"`
	BufferMinRows      int           `env:"BUFFER_MIN_ROWS" envDefault:"100"`
	BufferMaxRows      int           `env:"BUFFER_MAX_ROWS" envDefault:"1000"`
	BufferMinBytes     int           `env:"BUFFER_MIN_BYTES" envDefault:"65536"`
	BufferMaxBytes     int           `env:"BUFFER_MAX_BYTES" envDefault:"1048576"`
	BufferMinAge       time.Duration `env:"BUFFER_MIN_AGE" envDefault:"500ms"`
	BufferMaxAge       time.Duration `env:"BUFFER_MAX_AGE" envDefault:"2s"`
	BufferPendingLimit int           `env:"BUFFER_PENDING_LIMIT" envDefault:"4000"`
	BufferFullPolicy   string        `env:"BUFFER_FULL_POLICY" envDefault:"drop"` // "drop" or "reject"
	FlushTimeout       time.Duration `env:"FLUSH_TIMEOUT" envDefault:"5s"`
	FlushMaxRetries    int           `env:"FLUSH_MAX_RETRIES" envDefault:"3"`

	// Burst control: thresholds are events/sec against the EWMA rate signal.
	// Relaxed thresholds apply to buffer flushing while in BURST.
	BurstTick             time.Duration `env:"BURST_TICK" envDefault:"1s"`
	BurstEWMAAlpha        float64       `env:"BURST_EWMA_ALPHA" envDefault:"0.3"`
	ElevatedEnterRate     float64       `env:"ELEVATED_ENTER_RATE" envDefault:"50"`
	ElevatedExitRate      float64       `env:"ELEVATED_EXIT_RATE" envDefault:"30"`
	BurstEnterRate        float64       `env:"BURST_ENTER_RATE" envDefault:"200"`
	BurstExitRate         float64       `env:"BURST_EXIT_RATE" envDefault:"120"`
	BurstLinkEnterRate    float64       `env:"BURST_LINK_ENTER_RATE" envDefault:"80"`
	BurstLinkExitRate     float64       `env:"BURST_LINK_EXIT_RATE" envDefault:"40"`
	ElevatedLinkEnterRate float64       `env:"ELEVATED_LINK_ENTER_RATE" envDefault:"20"`
	ElevatedLinkExitRate  float64       `env:"ELEVATED_LINK_EXIT_RATE" envDefault:"10"`
	BurstExitDwell        time.Duration `env:"BURST_EXIT_DWELL" envDefault:"10s"`
	BurstSampleN          int           `env:"BURST_SAMPLE_N" envDefault:"8"`
	BurstMaxRowsFactor    int           `env:"BURST_MAX_ROWS_FACTOR" envDefault:"4"`
	BurstMaxAgeFactor     int           `env:"BURST_MAX_AGE_FACTOR" envDefault:"3"`

	// Aggregation engine
	AggregatePersistInterval time.Duration `env:"AGGREGATE_PERSIST_INTERVAL" envDefault:"10s"`
	AggregateRetention       time.Duration `env:"AGGREGATE_RETENTION" envDefault:"48h"`
	DedupWindow              time.Duration `env:"DEDUP_WINDOW" envDefault:"10m"`
	PersistTimeout           time.Duration `env:"PERSIST_TIMEOUT" envDefault:"10s"`

	// Reconciliation
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5s"`
	ReconcileTimeout  time.Duration `env:"RECONCILE_TIMEOUT" envDefault:"10s"`
	ReconcileLagAlert time.Duration `env:"RECONCILE_LAG_ALERT" envDefault:"60s"`

	// Overflow spill (Redis streams)
	SpillStream       string        `env:"SPILL_STREAM" envDefault:"stream:event_spill"`
	SpillDLQStream    string        `env:"SPILL_DLQ_STREAM" envDefault:"stream:event_spill:dlq"`
	SpillMaxLen       int64         `env:"SPILL_MAX_LEN" envDefault:"100000"`
	SpillGroup        string        `env:"SPILL_GROUP" envDefault:"spill-replayers"`
	SpillBlock        time.Duration `env:"SPILL_BLOCK" envDefault:"5s"`
	SpillBatchSize    int           `env:"SPILL_BATCH_SIZE" envDefault:"100"`
	SpillMaxRetries   int           `env:"SPILL_MAX_RETRIES" envDefault:"3"`
	SpillClaimIdle    time.Duration `env:"SPILL_CLAIM_IDLE" envDefault:"60s"`
	SpillClaimEvery   time.Duration `env:"SPILL_CLAIM_EVERY" envDefault:"30s"`
	BurstSignalStream string        `env:"BURST_SIGNAL_STREAM" envDefault:"stream:load_transitions"`

	// Partition maintenance
	PartitionDaysAhead int           `env:"PARTITION_DAYS_AHEAD" envDefault:"2"`
	PartitionInterval  time.Duration `env:"PARTITION_INTERVAL" envDefault:"6h"`

	// Burst alert webhook (optional; disabled when URL is empty)
	AlertWebhookURL    string        `env:"ALERT_WEBHOOK_URL" envDefault:""`
	AlertWebhookSecret string        `env:"ALERT_WEBHOOK_SECRET" envDefault:""`
	AlertTimeout       time.Duration `env:"ALERT_TIMEOUT" envDefault:"5s"`

	// Rate limiting (read API only; the ingest path manages its own backpressure)
	RateLimitStatsEnabled bool `env:"RATE_LIMIT_STATS_ENABLED" envDefault:"true"`
	RateLimitStatsRPS     int  `env:"RATE_LIMIT_STATS_RPS" envDefault:"50"`
	RateLimitStatsBurst   int  `env:"RATE_LIMIT_STATS_BURST" envDefault:"100"`

	// CORS configuration
	// Comma-separated list of allowed origins (e.g., "https://example.com,https://app.example.com")
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:""`
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// GetCORSAllowedOrigins parses the comma-separated origins string into a slice.
func (c *Config) GetCORSAllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}

	origins := strings.Split(c.CORSAllowedOrigins, ",")
	result := make([]string, 0, len(origins))

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// Validate checks cross-field constraints that env tags cannot express.
// A config that fails here must stop the process at startup.
func (c *Config) Validate() error {
	if c.BufferShards < 1 {
		return fmt.Errorf("BUFFER_SHARDS must be >= 1, got %d", c.BufferShards)
	}
	if c.BufferMaxRows < 1 || c.BufferMinRows < 1 {
		return fmt.Errorf("buffer row thresholds must be >= 1")
	}
	if c.BufferMinRows > c.BufferMaxRows {
		return fmt.Errorf("BUFFER_MIN_ROWS %d exceeds BUFFER_MAX_ROWS %d", c.BufferMinRows, c.BufferMaxRows)
	}
	if c.BufferMinBytes > c.BufferMaxBytes {
		return fmt.Errorf("BUFFER_MIN_BYTES %d exceeds BUFFER_MAX_BYTES %d", c.BufferMinBytes, c.BufferMaxBytes)
	}
	if c.BufferMinAge > c.BufferMaxAge {
		return fmt.Errorf("BUFFER_MIN_AGE %s exceeds BUFFER_MAX_AGE %s", c.BufferMinAge, c.BufferMaxAge)
	}
	if c.BufferFullPolicy != "drop" && c.BufferFullPolicy != "reject" {
		return fmt.Errorf("BUFFER_FULL_POLICY must be \"drop\" or \"reject\", got %q", c.BufferFullPolicy)
	}
	if c.BurstEWMAAlpha <= 0 || c.BurstEWMAAlpha > 1 {
		return fmt.Errorf("BURST_EWMA_ALPHA must be in (0, 1], got %g", c.BurstEWMAAlpha)
	}
	if c.ElevatedExitRate >= c.ElevatedEnterRate {
		return fmt.Errorf("ELEVATED_EXIT_RATE must sit below ELEVATED_ENTER_RATE")
	}
	if c.BurstExitRate >= c.BurstEnterRate {
		return fmt.Errorf("BURST_EXIT_RATE must sit below BURST_ENTER_RATE")
	}
	if c.ElevatedLinkExitRate >= c.ElevatedLinkEnterRate {
		return fmt.Errorf("ELEVATED_LINK_EXIT_RATE must sit below ELEVATED_LINK_ENTER_RATE")
	}
	if c.BurstLinkExitRate >= c.BurstLinkEnterRate {
		return fmt.Errorf("BURST_LINK_EXIT_RATE must sit below BURST_LINK_ENTER_RATE")
	}
	if c.ElevatedEnterRate > c.BurstEnterRate {
		return fmt.Errorf("ELEVATED_ENTER_RATE must not exceed BURST_ENTER_RATE")
	}
	if c.BurstSampleN < 1 {
		return fmt.Errorf("BURST_SAMPLE_N must be >= 1, got %d", c.BurstSampleN)
	}
	if c.BurstMaxRowsFactor < 1 || c.BurstMaxAgeFactor < 1 {
		return fmt.Errorf("burst relaxation factors must be >= 1")
	}
	if c.FlushMaxRetries < 0 || c.SpillMaxRetries < 0 {
		return fmt.Errorf("retry limits must be >= 0")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive, got %s", c.ReconcileInterval)
	}
	if c.PartitionDaysAhead < 1 {
		return fmt.Errorf("PARTITION_DAYS_AHEAD must be >= 1, got %d", c.PartitionDaysAhead)
	}
	if c.AlertWebhookURL != "" && c.AlertWebhookSecret == "" {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required when ALERT_WEBHOOK_URL is set")
	}
	if c.RateLimitStatsEnabled && (c.RateLimitStatsRPS < 1 || c.RateLimitStatsBurst < 1) {
		return fmt.Errorf("stats rate limit needs RPS and burst >= 1 when enabled")
	}
	return nil
}

// Load parses environment variables and returns a Config.
// Returns an error if required variables are missing or constraints fail.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
