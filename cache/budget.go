// Package cache implements the Cache Budget Manager (§4.6): it enforces a
// configured byte budget over the Queue Store and evicts bundles in a fixed
// order when usage crosses 95% of the budget, rejecting admission outright
// past 100%.
package cache

import (
	"context"
	"fmt"
	"sort"

	"github.com/commons-mesh/bundleengine/bundle"
	"github.com/commons-mesh/bundleengine/internal/logger"
	"github.com/commons-mesh/bundleengine/internal/metrics"
	"github.com/commons-mesh/bundleengine/storage"
)

// highWatermark and fullWatermark are fractions of the configured budget, as
// fixed by §4.6: eviction runs at 95%, admission is refused past 100%.
const (
	highWatermark = 0.95
	fullWatermark = 1.0
)

// Result reports what an eviction pass accomplished, for the stats control
// operation and for logging.
type Result struct {
	BundlesEvicted int
	BytesFreed     int64
}

// Manager enforces the cache byte budget. It holds no long-term locks; it is
// invoked only from the Intake Pipeline and, manually, from administrative
// control (§5).
type Manager struct {
	store   storage.Store
	budget  int64
	log     logger.Logger
	metrics *metrics.Collector
}

// NewManager constructs a budget manager over store with a total budget of
// budgetBytes (the cache_bytes_budget configuration knob, §6). mc may be nil
// (tests and standalone callers that don't need Prometheus instrumentation).
func NewManager(store storage.Store, budgetBytes int64, log logger.Logger, mc *metrics.Collector) *Manager {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Manager{
		store:   store,
		budget:  budgetBytes,
		log:     log.WithFields(logger.String("component", "cache")),
		metrics: mc,
	}
}

// BudgetBytes returns the configured total budget.
func (m *Manager) BudgetBytes() int64 {
	return m.budget
}

// Admit decides whether a bundle of the given size may be created without
// exceeding the budget, running eviction first if admitting it would push
// usage past the high watermark. Returns bundle.ErrOverBudget if, even after
// eviction, the bundle would not fit.
func (m *Manager) Admit(ctx context.Context, sizeBytes int) error {
	used, err := m.store.TotalBytes(ctx)
	if err != nil {
		return fmt.Errorf("reading cache usage: %w", err)
	}

	if float64(used+int64(sizeBytes)) > float64(m.budget)*highWatermark {
		if _, err := m.Evict(ctx, int64(float64(m.budget)*highWatermark)); err != nil {
			return fmt.Errorf("evicting to admit bundle: %w", err)
		}
		used, err = m.store.TotalBytes(ctx)
		if err != nil {
			return fmt.Errorf("reading cache usage after eviction: %w", err)
		}
	}

	if float64(used+int64(sizeBytes)) > float64(m.budget)*fullWatermark {
		return fmt.Errorf("%w: %d bytes used, %d requested, %d budget", bundle.ErrOverBudget, used, sizeBytes, m.budget)
	}
	return nil
}

// Evict runs the eviction ordering of §4.6 until usage is at or below
// target, or there is nothing left eligible to evict.
func (m *Manager) Evict(ctx context.Context, target int64) (Result, error) {
	var result Result

	steps := []func(context.Context) ([]evictionCandidate, error){
		m.expiredOldestFirst,
		m.quarantineOldestFirst,
		m.lowPriorityInboxPending,
		m.normalPublicLocalInboxPending,
		m.remainingNonAuthored,
	}

	for _, step := range steps {
		used, err := m.store.TotalBytes(ctx)
		if err != nil {
			return result, fmt.Errorf("reading cache usage: %w", err)
		}
		if used <= target {
			break
		}

		candidates, err := step(ctx)
		if err != nil {
			return result, err
		}
		for _, c := range candidates {
			if used <= target {
				break
			}
			// DeleteFrom, not Delete: a candidate surfaced from inbox or
			// pending may also sit in outbox (the coexisting pair allowed
			// by invariant 5), and outbox is never eligible for eviction
			// (§4.6). Removing only this queue's membership leaves that
			// self-authored copy untouched.
			if err := m.store.DeleteFrom(ctx, c.b.BundleID, c.queue); err != nil {
				return result, fmt.Errorf("evicting bundle %s: %w", c.b.BundleID, err)
			}
			used -= int64(c.b.SizeBytes())
			result.BundlesEvicted++
			result.BytesFreed += int64(c.b.SizeBytes())
		}
	}

	if m.metrics != nil && (result.BundlesEvicted > 0 || result.BytesFreed > 0) {
		m.metrics.RecordEviction("budget", result.BundlesEvicted, result.BytesFreed)
	}
	m.log.Info("eviction pass complete",
		logger.Int("bundles_evicted", result.BundlesEvicted),
		logger.Int64("bytes_freed", result.BytesFreed),
	)
	return result, nil
}

// evictionCandidate pairs a bundle with the specific queue it was surfaced
// from, so Evict can delete only that membership (DeleteFrom) rather than
// every membership the bundleID holds (Delete) — a candidate drawn from
// inbox or pending may also coexist in outbox (invariant 5), which must
// survive eviction untouched (§4.6).
type evictionCandidate struct {
	b     *bundle.Bundle
	queue bundle.Queue
}

func (m *Manager) expiredOldestFirst(ctx context.Context) ([]evictionCandidate, error) {
	all, err := m.store.List(ctx, bundle.QueueExpired, 0, 0)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ExpiresAt.Before(all[j].ExpiresAt) })
	return tag(all, bundle.QueueExpired), nil
}

func (m *Manager) quarantineOldestFirst(ctx context.Context) ([]evictionCandidate, error) {
	all, err := m.store.List(ctx, bundle.QueueQuarantine, 0, 0)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return tag(all, bundle.QueueQuarantine), nil
}

func tag(bundles []*bundle.Bundle, queue bundle.Queue) []evictionCandidate {
	out := make([]evictionCandidate, len(bundles))
	for i, b := range bundles {
		out[i] = evictionCandidate{b: b, queue: queue}
	}
	return out
}

var inboxPendingQueues = []bundle.Queue{bundle.QueueInbox, bundle.QueuePending}

func (m *Manager) lowPriorityInboxPending(ctx context.Context) ([]evictionCandidate, error) {
	return m.filterInboxPending(ctx, func(b *bundle.Bundle) bool {
		return b.Priority == bundle.PriorityLow
	})
}

func (m *Manager) normalPublicLocalInboxPending(ctx context.Context) ([]evictionCandidate, error) {
	return m.filterInboxPending(ctx, func(b *bundle.Bundle) bool {
		return b.Priority == bundle.PriorityNormal &&
			(b.Audience == bundle.AudiencePublic || b.Audience == bundle.AudienceLocal)
	})
}

// remainingNonAuthored evicts whatever is left in inbox/pending, oldest
// first, skipping outbox and delivered entirely (never eligible, §4.6).
func (m *Manager) remainingNonAuthored(ctx context.Context) ([]evictionCandidate, error) {
	return m.filterInboxPending(ctx, func(*bundle.Bundle) bool { return true })
}

func (m *Manager) filterInboxPending(ctx context.Context, match func(*bundle.Bundle) bool) ([]evictionCandidate, error) {
	var matched []evictionCandidate
	for _, q := range inboxPendingQueues {
		all, err := m.store.List(ctx, q, 0, 0)
		if err != nil {
			return nil, err
		}
		for _, b := range all {
			if match(b) {
				matched = append(matched, evictionCandidate{b: b, queue: q})
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].b.CreatedAt.Before(matched[j].b.CreatedAt) })
	return matched, nil
}
