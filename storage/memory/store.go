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

// Package memory implements storage.Store entirely in process memory. It is
// the default Queue Store backend: no external dependency, lost on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/commons-mesh/bundleengine/bundle"
)

// Store implements storage.Store with bundles keyed by (bundleID, queue),
// guarded by one mutex. The Queue Store is specified as single-writer/
// multi-reader (§4.4); a plain RWMutex satisfies that without needing
// per-queue locks. Keying by the pair, not bundleID alone, is what lets
// invariant 5's outbox+inbox coexistence hold two real memberships instead
// of one overwriting the other.
type Store struct {
	mu      sync.RWMutex
	records map[string]map[bundle.Queue]*bundle.Bundle
}

// NewStore creates an empty in-memory Queue Store.
func NewStore() *Store {
	return &Store{records: make(map[string]map[bundle.Queue]*bundle.Bundle)}
}

// outboxInboxPair reports whether bundleID is already present in exactly the
// queue allowed to coexist with the one being inserted into, per invariant 5
// (outbox+inbox is the sole permitted overlap).
func outboxInboxPair(existing, target bundle.Queue) bool {
	return (existing == bundle.QueueOutbox && target == bundle.QueueInbox) ||
		(existing == bundle.QueueInbox && target == bundle.QueueOutbox)
}

// getPreference is the deterministic order Get picks a copy from when
// bundleID occupies more than one queue (the outbox/inbox pair); it mirrors
// bundle.AllQueues.
var getPreference = bundle.AllQueues

func (s *Store) Create(ctx context.Context, b *bundle.Bundle, queue bundle.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.records[b.BundleID]
	for q := range existing {
		if !outboxInboxPair(q, queue) {
			return fmt.Errorf("bundle %s: %w", b.BundleID, bundle.ErrDuplicate)
		}
	}

	if existing == nil {
		existing = make(map[bundle.Queue]*bundle.Bundle)
		s.records[b.BundleID] = existing
	}
	cp := *b
	existing[queue] = &cp
	return nil
}

func (s *Store) Get(ctx context.Context, bundleID string) (*bundle.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byQueue := s.records[bundleID]
	for _, q := range getPreference {
		if b, ok := byQueue[q]; ok {
			cp := *b
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("bundle %s: %w", bundleID, bundle.ErrNotFound)
}

func (s *Store) List(ctx context.Context, queue bundle.Queue, limit, offset int) ([]*bundle.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*bundle.Bundle
	for _, byQueue := range s.records {
		if b, ok := byQueue[queue]; ok {
			cp := *b
			matched = append(matched, &cp)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority.Rank() != matched[j].Priority.Rank() {
			return matched[i].Priority.Rank() < matched[j].Priority.Rank()
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return []*bundle.Bundle{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (s *Store) Move(ctx context.Context, bundleID string, from, to bundle.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byQueue, ok := s.records[bundleID]
	if !ok {
		return fmt.Errorf("bundle %s not in %s: %w", bundleID, from, bundle.ErrNotFound)
	}
	b, ok := byQueue[from]
	if !ok {
		return fmt.Errorf("bundle %s not in %s: %w", bundleID, from, bundle.ErrNotFound)
	}
	delete(byQueue, from)
	byQueue[to] = b
	return nil
}

func (s *Store) Delete(ctx context.Context, bundleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, bundleID)
	return nil
}

func (s *Store) DeleteFrom(ctx context.Context, bundleID string, queue bundle.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byQueue, ok := s.records[bundleID]
	if !ok {
		return nil
	}
	delete(byQueue, queue)
	if len(byQueue) == 0 {
		delete(s.records, bundleID)
	}
	return nil
}

func (s *Store) ExistsIn(ctx context.Context, bundleID string, queues ...bundle.Queue) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byQueue, ok := s.records[bundleID]
	if !ok {
		return false, nil
	}
	for _, q := range queues {
		if _, ok := byQueue[q]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ExpiredIn(ctx context.Context, queue bundle.Queue, now time.Time) ([]*bundle.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []*bundle.Bundle
	for _, byQueue := range s.records {
		if b, ok := byQueue[queue]; ok && b.ExpiresAt.Before(now) {
			cp := *b
			expired = append(expired, &cp)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	return expired, nil
}

// TotalBytes reports the on-disk footprint across every queue (§4.4):
// expired and quarantined bundles still occupy space, which is exactly why
// the Cache Budget Manager's eviction order (§4.6) clears them first. A
// bundle coexisting in both outbox and inbox is counted twice: it genuinely
// occupies storage twice, as two distinct queue memberships.
func (s *Store) TotalBytes(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, byQueue := range s.records {
		for _, b := range byQueue {
			total += int64(b.SizeBytes())
		}
	}
	return total, nil
}

func (s *Store) QueueCounts(ctx context.Context) (map[bundle.Queue]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[bundle.Queue]int, len(bundle.AllQueues))
	for _, q := range bundle.AllQueues {
		counts[q] = 0
	}
	for _, byQueue := range s.records {
		for q := range byQueue {
			counts[q]++
		}
	}
	return counts, nil
}

func (s *Store) Close() error {
	return nil
}
