package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/linkpulse/linkpulse/internal/model"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// RequireEnv returns an environment variable or skips the test if missing.
func RequireEnv(t testing.TB, key string) string {
	t.Helper()
	value := os.Getenv(key)
	if value == "" {
		t.Skipf("%s not set", key)
	}
	return value
}

const advisoryLockID int64 = 517031

// AcquireDBLock grabs a global advisory lock to serialize DB tests.
func AcquireDBLock(ctx context.Context, pool *pgxpool.Pool) (func() error, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	unlock := func() error {
		defer conn.Release()
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockID); err != nil {
			return fmt.Errorf("release advisory lock: %w", err)
		}
		return nil
	}

	return unlock, nil
}

// resetSchema applies one migration's down then up files.
func resetSchema(ctx context.Context, pool *pgxpool.Pool, migration string) error {
	root, err := ProjectRoot()
	if err != nil {
		return err
	}

	downPath := filepath.Join(root, "migrations", migration+".down.sql")
	upPath := filepath.Join(root, "migrations", migration+".up.sql")

	downSQL, err := os.ReadFile(downPath)
	if err != nil {
		return fmt.Errorf("read %s down migration: %w", migration, err)
	}
	if _, err := pool.Exec(ctx, string(downSQL)); err != nil {
		return fmt.Errorf("apply %s down migration: %w", migration, err)
	}

	upSQL, err := os.ReadFile(upPath)
	if err != nil {
		return fmt.Errorf("read %s up migration: %w", migration, err)
	}
	if _, err := pool.Exec(ctx, string(upSQL)); err != nil {
		return fmt.Errorf("apply %s up migration: %w", migration, err)
	}

	return nil
}

// ResetLinksSchema drops and recreates the links table for tests.
func ResetLinksSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return resetSchema(ctx, pool, "000002_links")
}

// ResetEventsSchema drops and recreates the partitioned click_events table
// for tests. The default partition makes inserts work without the partition
// maintainer having run.
func ResetEventsSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return resetSchema(ctx, pool, "000003_click_events")
}

// ResetBucketsSchema drops and recreates the aggregate_buckets table for
// tests.
func ResetBucketsSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return resetSchema(ctx, pool, "000004_aggregate_buckets")
}

// ResetPipelineSchema resets every table the pipeline touches.
func ResetPipelineSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if err := ResetLinksSchema(ctx, pool); err != nil {
		return err
	}
	if err := ResetEventsSchema(ctx, pool); err != nil {
		return err
	}
	return ResetBucketsSchema(ctx, pool)
}

// FlushRedis clears the current Redis database.
func FlushRedis(ctx context.Context, client *redis.Client) error {
	return client.FlushDB(ctx).Err()
}

// ProjectRoot returns the project root directory.
func ProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to resolve testutil path")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
	return root, nil
}

// ============================================================================
// Test Data Factories
// ============================================================================

// InsertTestLink seeds a links row so counter and stats tests have a real
// foreign target. Idempotent per id.
func InsertTestLink(ctx context.Context, pool *pgxpool.Pool, id string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO links (id, short_code, destination, redirect_type, owner_id)
		VALUES ($1, 'sc-' || $1, 'https://example.com/' || $1, 302, 'test-owner')
		ON CONFLICT (id) DO NOTHING
	`, id)
	if err != nil {
		return fmt.Errorf("insert test link: %w", err)
	}
	return nil
}

// NewTestEvent returns a valid click event for a link, occurring now.
// Timestamps are truncated to microseconds so values survive a database
// round trip unchanged.
func NewTestEvent(t testing.TB, linkID string) model.EventRecord {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	return model.EventRecord{
		EventID:        ulid.Make().String(),
		LinkID:         linkID,
		ClientIP:       "203.0.113.7",
		UserAgent:      "integration-test-agent",
		HTTPMethod:     "GET",
		StatusCode:     302,
		ResponseTimeMs: 12,
		VisitorHash:    model.GenerateVisitorHash("203.0.113.7", "integration-test-agent", now),
		OccurredAt:     now,
	}
}

// UniqueID generates a unique ID for tests.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
