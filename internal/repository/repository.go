// Package repository provides the PostgreSQL access layer: the durable event
// store, the aggregate bucket store, the link counter sink, and the partition
// maintainer for the time-partitioned events table.
package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository holds the pgx pool shared by the event, bucket, link, and
// partition repositories.
type Repository struct {
	pool *pgxpool.Pool
}

// New parses the database URL, sizes the pool, and verifies connectivity.
func New(ctx context.Context, databaseURL string) (*Repository, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Persister batches and the reconciler each hold a conn during their
	// flush windows; ten is plenty alongside the stats read path.
	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Repository{pool: pool}, nil
}

// Ping checks database connectivity. Used by the health endpoint.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the connection pool.
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool for the per-table
// repositories built on top of this one.
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}
