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

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/commons-mesh/bundleengine/bundle"
)

func (s *Store) Create(ctx context.Context, b *bundle.Bundle, queue bundle.Queue) error {
	rows, err := s.pool.Query(ctx, `SELECT queue FROM bundles WHERE bundle_id = $1`, b.BundleID)
	if err != nil {
		return fmt.Errorf("checking existing bundle: %w", err)
	}
	var existingQueues []bundle.Queue
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			rows.Close()
			return fmt.Errorf("checking existing bundle: %w", err)
		}
		existingQueues = append(existingQueues, bundle.Queue(q))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("checking existing bundle: %w", err)
	}
	for _, q := range existingQueues {
		if !outboxInboxPair(q, queue) {
			return fmt.Errorf("bundle %s: %w", b.BundleID, bundle.ErrDuplicate)
		}
	}

	// Each queue membership is its own row (bundle_id, queue) so the
	// outbox/inbox coexistence allowed by invariant 5 is additive, not an
	// overwrite: inserting the inbox copy of an already-authored bundle
	// never touches its outbox row.
	query := `
		INSERT INTO bundles (
			bundle_id, queue, priority, priority_rank, audience, topic, tags,
			payload_type, payload, hop_count, hop_limit, receipt_policy,
			signature, author_public_key, created_at, expires_at, size_bytes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`
	_, err = s.pool.Exec(ctx, query,
		b.BundleID, string(queue), string(b.Priority), b.Priority.Rank(),
		string(b.Audience), b.Topic, b.Tags, b.PayloadType, b.Payload,
		b.HopCount, b.HopLimit, string(b.ReceiptPolicy), b.Signature,
		b.AuthorPublicKey, b.CreatedAt, b.ExpiresAt, b.SizeBytes(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("bundle %s: %w", b.BundleID, bundle.ErrDuplicate)
		}
		return fmt.Errorf("creating bundle %s: %w", b.BundleID, err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505) — the race where two Creates for the same
// (bundle_id, queue) pair land concurrently.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func outboxInboxPair(existing, target bundle.Queue) bool {
	return (existing == bundle.QueueOutbox && target == bundle.QueueInbox) ||
		(existing == bundle.QueueInbox && target == bundle.QueueOutbox)
}

func scanBundle(row interface {
	Scan(dest ...interface{}) error
}) (*bundle.Bundle, bundle.Queue, error) {
	var b bundle.Bundle
	var queue, priority, audience, receiptPolicy string

	err := row.Scan(
		&b.BundleID, &queue, &priority, &audience, &b.Topic, &b.Tags,
		&b.PayloadType, &b.Payload, &b.HopCount, &b.HopLimit, &receiptPolicy,
		&b.Signature, &b.AuthorPublicKey, &b.CreatedAt, &b.ExpiresAt,
	)
	if err != nil {
		return nil, "", err
	}
	b.Priority = bundle.Priority(priority)
	b.Audience = bundle.Audience(audience)
	b.ReceiptPolicy = bundle.ReceiptPolicy(receiptPolicy)
	return &b, bundle.Queue(queue), nil
}

const selectColumns = `bundle_id, queue, priority, audience, topic, tags, payload_type, payload, hop_count, hop_limit, receipt_policy, signature, author_public_key, created_at, expires_at`

// getOrder picks a deterministic copy when bundleID occupies more than one
// queue (the outbox/inbox pair of invariant 5); it mirrors bundle.AllQueues.
const getOrder = `CASE queue
	WHEN 'inbox' THEN 0
	WHEN 'outbox' THEN 1
	WHEN 'pending' THEN 2
	WHEN 'delivered' THEN 3
	WHEN 'expired' THEN 4
	WHEN 'quarantine' THEN 5
	ELSE 6
END`

func (s *Store) Get(ctx context.Context, bundleID string) (*bundle.Bundle, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM bundles WHERE bundle_id = $1 ORDER BY `+getOrder+` LIMIT 1`,
		bundleID,
	)
	b, _, err := scanBundle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bundle %s: %w", bundleID, bundle.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting bundle %s: %w", bundleID, err)
	}
	return b, nil
}

func (s *Store) List(ctx context.Context, queue bundle.Queue, limit, offset int) ([]*bundle.Bundle, error) {
	query := `SELECT ` + selectColumns + ` FROM bundles WHERE queue = $1 ORDER BY priority_rank ASC, created_at ASC LIMIT $2 OFFSET $3`
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.pool.Query(ctx, query, string(queue), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing queue %s: %w", queue, err)
	}
	defer rows.Close()

	var out []*bundle.Bundle
	for rows.Next() {
		b, _, err := scanBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bundle: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue %s: %w", queue, err)
	}
	if out == nil {
		out = []*bundle.Bundle{}
	}
	return out, nil
}

func (s *Store) Move(ctx context.Context, bundleID string, from, to bundle.Queue) error {
	result, err := s.pool.Exec(ctx,
		`UPDATE bundles SET queue = $1 WHERE bundle_id = $2 AND queue = $3`,
		string(to), bundleID, string(from),
	)
	if err != nil {
		return fmt.Errorf("moving bundle %s: %w", bundleID, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("bundle %s not in %s: %w", bundleID, from, bundle.ErrNotFound)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, bundleID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM bundles WHERE bundle_id = $1`, bundleID)
	if err != nil {
		return fmt.Errorf("deleting bundle %s: %w", bundleID, err)
	}
	return nil
}

func (s *Store) DeleteFrom(ctx context.Context, bundleID string, queue bundle.Queue) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM bundles WHERE bundle_id = $1 AND queue = $2`, bundleID, string(queue))
	if err != nil {
		return fmt.Errorf("deleting bundle %s from %s: %w", bundleID, queue, err)
	}
	return nil
}

func (s *Store) ExistsIn(ctx context.Context, bundleID string, queues ...bundle.Queue) (bool, error) {
	if len(queues) == 0 {
		return false, nil
	}
	names := make([]string, len(queues))
	for i, q := range queues {
		names[i] = string(q)
	}
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM bundles WHERE bundle_id = $1 AND queue = ANY($2))`,
		bundleID, names,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking existence of %s: %w", bundleID, err)
	}
	return exists, nil
}

func (s *Store) ExpiredIn(ctx context.Context, queue bundle.Queue, now time.Time) ([]*bundle.Bundle, error) {
	query := `SELECT ` + selectColumns + ` FROM bundles WHERE queue = $1 AND expires_at < $2 ORDER BY expires_at ASC`
	rows, err := s.pool.Query(ctx, query, string(queue), now)
	if err != nil {
		return nil, fmt.Errorf("listing expired in %s: %w", queue, err)
	}
	defer rows.Close()

	var out []*bundle.Bundle
	for rows.Next() {
		b, _, err := scanBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning expired bundle: %w", err)
		}
		out = append(out, b)
	}
	if out == nil {
		out = []*bundle.Bundle{}
	}
	return out, rows.Err()
}

// TotalBytes reports the on-disk footprint across every queue (§4.4).
func (s *Store) TotalBytes(ctx context.Context) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM bundles`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing bundle bytes: %w", err)
	}
	return total, nil
}

func (s *Store) QueueCounts(ctx context.Context) (map[bundle.Queue]int, error) {
	counts := make(map[bundle.Queue]int, len(bundle.AllQueues))
	for _, q := range bundle.AllQueues {
		counts[q] = 0
	}

	rows, err := s.pool.Query(ctx, `SELECT queue, COUNT(*) FROM bundles GROUP BY queue`)
	if err != nil {
		return nil, fmt.Errorf("counting queues: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var queue string
		var count int
		if err := rows.Scan(&queue, &count); err != nil {
			return nil, fmt.Errorf("scanning queue count: %w", err)
		}
		counts[bundle.Queue(queue)] = count
	}
	return counts, rows.Err()
}
