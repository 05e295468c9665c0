// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

// Package postgres implements storage.Store backed by PostgreSQL via pgx,
// for deployments that need the Queue Store to survive a process restart.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Store implements storage.Store for PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// schema is applied by NewStore on first connect. bundles is the single
// table backing all six queues: queue is just another column, so Move is a
// single UPDATE and every query the spec requires is a WHERE on it. The
// primary key is the (bundle_id, queue) pair, not bundle_id alone, because
// invariant 5 allows a bundle to genuinely occupy both outbox and inbox at
// once — a bundle_id-only key would let the second row overwrite the first
// instead of adding a second membership.
const schema = `
CREATE TABLE IF NOT EXISTS bundles (
	bundle_id         TEXT NOT NULL,
	queue             TEXT NOT NULL,
	priority          TEXT NOT NULL,
	priority_rank     SMALLINT NOT NULL,
	audience          TEXT NOT NULL,
	topic             TEXT NOT NULL,
	tags              TEXT[] NOT NULL DEFAULT '{}',
	payload_type      TEXT NOT NULL,
	payload           BYTEA NOT NULL,
	hop_count         INT NOT NULL,
	hop_limit         INT NOT NULL,
	receipt_policy    TEXT NOT NULL,
	signature         BYTEA NOT NULL,
	author_public_key BYTEA NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	expires_at        TIMESTAMPTZ NOT NULL,
	size_bytes        INT NOT NULL,
	PRIMARY KEY (bundle_id, queue)
);
CREATE INDEX IF NOT EXISTS bundles_queue_order_idx ON bundles (queue, priority_rank, created_at);
CREATE INDEX IF NOT EXISTS bundles_expires_at_idx ON bundles (queue, expires_at);
CREATE INDEX IF NOT EXISTS bundles_topic_idx ON bundles (topic);
`

// NewStore opens a pooled connection and ensures the schema exists.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	return NewStoreFromDSN(ctx, connString)
}

// NewStoreFromDSN opens a pooled connection from a single connection
// string (the postgres_dsn configuration knob) and ensures the schema
// exists. Equivalent to NewStore for callers that already carry one DSN
// rather than its constituent fields.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
