package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/commons-mesh/bundleengine/bundle"
	"github.com/commons-mesh/bundleengine/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickMovesExpiredBundlesFromLiveQueues(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Now()

	expired := &bundle.Bundle{BundleID: "b:sha256:1", Priority: bundle.PriorityNormal, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}
	fresh := &bundle.Bundle{BundleID: "b:sha256:2", Priority: bundle.PriorityNormal, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	require.NoError(t, store.Create(ctx, expired, bundle.QueueInbox))
	require.NoError(t, store.Create(ctx, fresh, bundle.QueueInbox))

	r := New(store, time.Minute, 7*24*time.Hour, nil, nil)
	result, err := r.Tick(ctx, now)
	require.NoError(t, err)

	assert.Equal(t, 1, result.MovedToExpired)
	inExpired, _ := store.ExistsIn(ctx, expired.BundleID, bundle.QueueExpired)
	assert.True(t, inExpired)
	inInbox, _ := store.ExistsIn(ctx, fresh.BundleID, bundle.QueueInbox)
	assert.True(t, inInbox)
}

func TestTickPurgesPastRetentionWindow(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Now()
	retention := 7 * 24 * time.Hour

	overstayed := &bundle.Bundle{BundleID: "b:sha256:old", Priority: bundle.PriorityNormal, CreatedAt: now.Add(-10 * 24 * time.Hour), ExpiresAt: now.Add(-8 * 24 * time.Hour)}
	withinWindow := &bundle.Bundle{BundleID: "b:sha256:recent", Priority: bundle.PriorityNormal, CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}

	require.NoError(t, store.Create(ctx, overstayed, bundle.QueueExpired))
	require.NoError(t, store.Create(ctx, withinWindow, bundle.QueueExpired))

	r := New(store, time.Minute, retention, nil, nil)
	result, err := r.Tick(ctx, now)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Purged)
	_, err = store.Get(ctx, overstayed.BundleID)
	assert.ErrorIs(t, err, bundle.ErrNotFound)
	_, err = store.Get(ctx, withinWindow.BundleID)
	assert.NoError(t, err)
}

func TestTickSweepsInboxOutboxAndPendingOnly(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Now()

	expiredOutbox := &bundle.Bundle{BundleID: "b:sha256:outbox", Priority: bundle.PriorityNormal, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}
	expiredPending := &bundle.Bundle{BundleID: "b:sha256:pending", Priority: bundle.PriorityNormal, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}
	expiredDelivered := &bundle.Bundle{BundleID: "b:sha256:delivered", Priority: bundle.PriorityNormal, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}

	require.NoError(t, store.Create(ctx, expiredOutbox, bundle.QueueOutbox))
	require.NoError(t, store.Create(ctx, expiredPending, bundle.QueuePending))
	require.NoError(t, store.Create(ctx, expiredDelivered, bundle.QueueDelivered))

	r := New(store, time.Minute, 7*24*time.Hour, nil, nil)
	result, err := r.Tick(ctx, now)
	require.NoError(t, err)

	assert.Equal(t, 2, result.MovedToExpired) // delivered is not swept
	stillDelivered, _ := store.ExistsIn(ctx, expiredDelivered.BundleID, bundle.QueueDelivered)
	assert.True(t, stillDelivered)
}

func TestStartAndStopRunLoop(t *testing.T) {
	store := memory.NewStore()
	r := New(store, 10*time.Millisecond, time.Hour, nil, nil)
	r.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	r.Stop()
}
