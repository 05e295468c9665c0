// Package storage defines the Queue Store contract: the durable,
// transactional, multi-reader/single-writer store over the six named queues
// a bundle can occupy (§4.4). Every mutator is an atomic transaction against
// the underlying backend; the Queue Store is the sole mutator of persisted
// bundle state (§5).
package storage

import (
	"context"
	"time"

	"github.com/commons-mesh/bundleengine/bundle"
)

// Store is the Queue Store contract. Implementations: storage/memory (the
// default, in-process backend) and storage/postgres (durable, for
// multi-process or restart-surviving deployments).
type Store interface {
	// Create inserts a new bundle into queue. Returns bundle.ErrDuplicate if
	// the bundleId already exists in any queue other than the explicit
	// outbox/inbox pairing allowed by invariant 5.
	Create(ctx context.Context, b *bundle.Bundle, queue bundle.Queue) error

	// Get retrieves a bundle by id regardless of which queue holds it.
	// Returns bundle.ErrNotFound if absent.
	Get(ctx context.Context, bundleID string) (*bundle.Bundle, error)

	// List returns bundles in queue ordered by (priority descending,
	// createdAt ascending), paginated by limit/offset.
	List(ctx context.Context, queue bundle.Queue, limit, offset int) ([]*bundle.Bundle, error)

	// Move atomically relocates a bundle from one queue to another. Returns
	// bundle.ErrNotFound if from does not contain the id.
	Move(ctx context.Context, bundleID string, from, to bundle.Queue) error

	// Delete unconditionally removes a bundle from every queue holding it.
	// Ordinarily that is one queue; for the outbox/inbox pair allowed by
	// invariant 5 it is both. A no-op, not an error, if the id is already
	// absent. Callers that must preserve a coexisting membership (e.g. the
	// Cache Budget Manager evicting from inbox/pending without touching a
	// self-authored outbox copy) use DeleteFrom instead.
	Delete(ctx context.Context, bundleID string) error

	// DeleteFrom removes bundleID's membership in queue only, leaving any
	// other coexisting membership (the outbox/inbox pair of invariant 5)
	// untouched. A no-op, not an error, if bundleID is not in queue.
	DeleteFrom(ctx context.Context, bundleID string, queue bundle.Queue) error

	// ExistsIn reports whether bundleID is present in any of queues.
	ExistsIn(ctx context.Context, bundleID string, queues ...bundle.Queue) (bool, error)

	// ExpiredIn returns bundles in queue whose expiresAt is before now.
	ExpiredIn(ctx context.Context, queue bundle.Queue, now time.Time) ([]*bundle.Bundle, error)

	// TotalBytes returns the current on-disk footprint, in bytes, across
	// every queue including expired and quarantine — they still occupy
	// budget, which is why the Cache Budget Manager's eviction order clears
	// them first.
	TotalBytes(ctx context.Context) (int64, error)

	// QueueCounts returns the number of bundles currently in each queue, for
	// the stats control operation.
	QueueCounts(ctx context.Context) (map[bundle.Queue]int, error)

	// Close releases any resources held by the backend.
	Close() error
}
