package cache

import (
	"context"
	"testing"
	"time"

	"github.com/commons-mesh/bundleengine/bundle"
	"github.com/commons-mesh/bundleengine/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bigBundle(id string, priority bundle.Priority, audience bundle.Audience, createdAt time.Time, payloadSize int) *bundle.Bundle {
	return &bundle.Bundle{
		BundleID:  id,
		Priority:  priority,
		Audience:  audience,
		Topic:     "chatter",
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(time.Hour),
		HopLimit:  20,
		Payload:   make([]byte, payloadSize),
	}
}

func TestAdmitAllowsWithinBudget(t *testing.T) {
	store := memory.NewStore()
	m := NewManager(store, 10_000, nil, nil)

	err := m.Admit(context.Background(), 100)
	assert.NoError(t, err)
}

func TestAdmitRejectsOverBudget(t *testing.T) {
	store := memory.NewStore()
	m := NewManager(store, 1000, nil, nil)

	err := m.Admit(context.Background(), 2000)
	assert.ErrorIs(t, err, bundle.ErrOverBudget)
}

func TestEvictionOrderExpiredBeforeQuarantine(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Now()

	expired := bigBundle("b:sha256:expired", bundle.PriorityNormal, bundle.AudiencePublic, now, 500)
	quarantined := bigBundle("b:sha256:quarantined", bundle.PriorityNormal, bundle.AudiencePublic, now, 500)

	require.NoError(t, store.Create(ctx, expired, bundle.QueueExpired))
	require.NoError(t, store.Create(ctx, quarantined, bundle.QueueQuarantine))

	m := NewManager(store, 10_000, nil, nil)
	result, err := m.Evict(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, result.BundlesEvicted)

	_, err = store.Get(ctx, expired.BundleID)
	assert.ErrorIs(t, err, bundle.ErrNotFound)
}

func TestEvictionStopsOnceTargetMet(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Now()

	a := bigBundle("b:sha256:a", bundle.PriorityNormal, bundle.AudiencePublic, now, 500)
	b := bigBundle("b:sha256:b", bundle.PriorityNormal, bundle.AudiencePublic, now.Add(time.Minute), 500)

	require.NoError(t, store.Create(ctx, a, bundle.QueueQuarantine))
	require.NoError(t, store.Create(ctx, b, bundle.QueueQuarantine))

	m := NewManager(store, 10_000, nil, nil)
	used, err := store.TotalBytes(ctx)
	require.NoError(t, err)

	result, err := m.Evict(ctx, used) // usage already at or below target: nothing to do
	require.NoError(t, err)
	assert.Equal(t, 0, result.BundlesEvicted)
}

func TestEvictionNeverTouchesOutboxOrDelivered(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Now()

	authored := bigBundle("b:sha256:authored", bundle.PriorityLow, bundle.AudiencePublic, now, 500)
	delivered := bigBundle("b:sha256:delivered", bundle.PriorityLow, bundle.AudiencePublic, now, 500)

	require.NoError(t, store.Create(ctx, authored, bundle.QueueOutbox))
	require.NoError(t, store.Create(ctx, delivered, bundle.QueueDelivered))

	m := NewManager(store, 10_000, nil, nil)
	_, err := m.Evict(ctx, 0)
	require.NoError(t, err)

	_, err = store.Get(ctx, authored.BundleID)
	assert.NoError(t, err)
	_, err = store.Get(ctx, delivered.BundleID)
	assert.NoError(t, err)
}

func TestEvictionOfInboxCopyPreservesCoexistingOutbox(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Now()

	relayed := bigBundle("b:sha256:relayed-back", bundle.PriorityLow, bundle.AudiencePublic, now, 500)

	// A bundle this node authored (outbox) that a peer has relayed back
	// (inbox): the sole coexistence invariant 5 allows.
	require.NoError(t, store.Create(ctx, relayed, bundle.QueueOutbox))
	require.NoError(t, store.Create(ctx, relayed, bundle.QueueInbox))

	m := NewManager(store, 10_000, nil, nil)
	_, err := m.Evict(ctx, 0)
	require.NoError(t, err)

	// Evicting the inbox membership must not delete the coexisting
	// self-authored outbox membership: outbox is never eligible (§4.6).
	inOutbox, err := store.ExistsIn(ctx, relayed.BundleID, bundle.QueueOutbox)
	require.NoError(t, err)
	assert.True(t, inOutbox)

	inInbox, err := store.ExistsIn(ctx, relayed.BundleID, bundle.QueueInbox)
	require.NoError(t, err)
	assert.False(t, inInbox)
}

func TestEvictionPrefersLowPriorityBeforeNormal(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Now()

	low := bigBundle("b:sha256:low", bundle.PriorityLow, bundle.AudiencePublic, now, 500)
	normal := bigBundle("b:sha256:normal", bundle.PriorityNormal, bundle.AudiencePublic, now, 500)

	require.NoError(t, store.Create(ctx, low, bundle.QueueInbox))
	require.NoError(t, store.Create(ctx, normal, bundle.QueueInbox))

	m := NewManager(store, 10_000, nil, nil)
	// target reached exactly once the low-priority bundle alone is gone
	_, err := m.Evict(ctx, int64(normal.SizeBytes()))
	require.NoError(t, err)

	_, err = store.Get(ctx, low.BundleID)
	assert.ErrorIs(t, err, bundle.ErrNotFound)
	_, err = store.Get(ctx, normal.BundleID)
	assert.NoError(t, err)
}
