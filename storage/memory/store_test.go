package memory

import (
	"context"
	"testing"
	"time"

	"github.com/commons-mesh/bundleengine/bundle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBundle(id string, priority bundle.Priority, createdAt time.Time) *bundle.Bundle {
	return &bundle.Bundle{
		BundleID:  id,
		Priority:  priority,
		Audience:  bundle.AudiencePublic,
		Topic:     "chatter",
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(time.Hour),
		HopLimit:  20,
		Payload:   []byte("x"),
	}
}

func TestCreateAndGet(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	b := newTestBundle("b:sha256:1", bundle.PriorityNormal, time.Now())

	require.NoError(t, s.Create(ctx, b, bundle.QueueOutbox))

	got, err := s.Get(ctx, b.BundleID)
	require.NoError(t, err)
	assert.Equal(t, b.BundleID, got.BundleID)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := NewStore()
	_, err := s.Get(context.Background(), "b:sha256:missing")
	assert.ErrorIs(t, err, bundle.ErrNotFound)
}

func TestCreateDuplicateRejected(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	b := newTestBundle("b:sha256:1", bundle.PriorityNormal, time.Now())

	require.NoError(t, s.Create(ctx, b, bundle.QueueOutbox))
	err := s.Create(ctx, b, bundle.QueuePending)
	assert.ErrorIs(t, err, bundle.ErrDuplicate)
}

func TestCreateAllowsOutboxInboxPair(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	b := newTestBundle("b:sha256:1", bundle.PriorityNormal, time.Now())

	require.NoError(t, s.Create(ctx, b, bundle.QueueOutbox))
	require.NoError(t, s.Create(ctx, b, bundle.QueueInbox))

	inInbox, err := s.ExistsIn(ctx, b.BundleID, bundle.QueueInbox)
	require.NoError(t, err)
	assert.True(t, inInbox)

	// The second Create must be additive, not an overwrite: the outbox
	// membership created first has to survive the inbox Create that follows.
	inOutbox, err := s.ExistsIn(ctx, b.BundleID, bundle.QueueOutbox)
	require.NoError(t, err)
	assert.True(t, inOutbox)

	counts, err := s.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[bundle.QueueInbox])
	assert.Equal(t, 1, counts[bundle.QueueOutbox])
}

func TestListOrdersByPriorityThenCreatedAt(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()

	older := newTestBundle("b:sha256:normal-old", bundle.PriorityNormal, now.Add(-time.Hour))
	newer := newTestBundle("b:sha256:normal-new", bundle.PriorityNormal, now)
	urgent := newTestBundle("b:sha256:emergency", bundle.PriorityEmergency, now)

	for _, b := range []*bundle.Bundle{newer, older, urgent} {
		require.NoError(t, s.Create(ctx, b, bundle.QueueOutbox))
	}

	got, err := s.List(ctx, bundle.QueueOutbox, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, urgent.BundleID, got[0].BundleID)
	assert.Equal(t, older.BundleID, got[1].BundleID)
	assert.Equal(t, newer.BundleID, got[2].BundleID)
}

func TestListPagination(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		b := newTestBundle("b:sha256:"+string(rune('a'+i)), bundle.PriorityNormal, now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.Create(ctx, b, bundle.QueueOutbox))
	}

	page, err := s.List(ctx, bundle.QueueOutbox, 2, 1)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestMoveRelocatesBundle(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	b := newTestBundle("b:sha256:1", bundle.PriorityNormal, time.Now())
	require.NoError(t, s.Create(ctx, b, bundle.QueueOutbox))

	require.NoError(t, s.Move(ctx, b.BundleID, bundle.QueueOutbox, bundle.QueuePending))

	inPending, _ := s.ExistsIn(ctx, b.BundleID, bundle.QueuePending)
	inOutbox, _ := s.ExistsIn(ctx, b.BundleID, bundle.QueueOutbox)
	assert.True(t, inPending)
	assert.False(t, inOutbox)
}

func TestMoveFromWrongSourceFails(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	b := newTestBundle("b:sha256:1", bundle.PriorityNormal, time.Now())
	require.NoError(t, s.Create(ctx, b, bundle.QueueOutbox))

	err := s.Move(ctx, b.BundleID, bundle.QueueInbox, bundle.QueuePending)
	assert.ErrorIs(t, err, bundle.ErrNotFound)
}

func TestDeleteIsUnconditional(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	b := newTestBundle("b:sha256:1", bundle.PriorityNormal, time.Now())
	require.NoError(t, s.Create(ctx, b, bundle.QueueOutbox))

	require.NoError(t, s.Delete(ctx, b.BundleID))
	require.NoError(t, s.Delete(ctx, b.BundleID)) // deleting twice is a no-op

	_, err := s.Get(ctx, b.BundleID)
	assert.ErrorIs(t, err, bundle.ErrNotFound)
}

func TestExpiredInFiltersAndOrders(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()

	expiredOld := &bundle.Bundle{BundleID: "b:sha256:old", Priority: bundle.PriorityNormal, ExpiresAt: now.Add(-2 * time.Hour), CreatedAt: now.Add(-3 * time.Hour)}
	expiredNew := &bundle.Bundle{BundleID: "b:sha256:new", Priority: bundle.PriorityNormal, ExpiresAt: now.Add(-time.Hour), CreatedAt: now.Add(-2 * time.Hour)}
	fresh := &bundle.Bundle{BundleID: "b:sha256:fresh", Priority: bundle.PriorityNormal, ExpiresAt: now.Add(time.Hour), CreatedAt: now}

	for _, b := range []*bundle.Bundle{fresh, expiredNew, expiredOld} {
		require.NoError(t, s.Create(ctx, b, bundle.QueueInbox))
	}

	expired, err := s.ExpiredIn(ctx, bundle.QueueInbox, now)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, "b:sha256:old", expired[0].BundleID)
	assert.Equal(t, "b:sha256:new", expired[1].BundleID)
}

func TestTotalBytesCountsEveryQueue(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()

	counted := newTestBundle("b:sha256:counted", bundle.PriorityNormal, now)
	expired := newTestBundle("b:sha256:expired", bundle.PriorityNormal, now)
	quarantined := newTestBundle("b:sha256:quarantined", bundle.PriorityNormal, now)

	require.NoError(t, s.Create(ctx, counted, bundle.QueueOutbox))
	require.NoError(t, s.Create(ctx, expired, bundle.QueueExpired))
	require.NoError(t, s.Create(ctx, quarantined, bundle.QueueQuarantine))

	total, err := s.TotalBytes(ctx)
	require.NoError(t, err)
	want := int64(counted.SizeBytes() + expired.SizeBytes() + quarantined.SizeBytes())
	assert.Equal(t, want, total)
}

func TestQueueCountsCoversAllQueues(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	b := newTestBundle("b:sha256:1", bundle.PriorityNormal, time.Now())
	require.NoError(t, s.Create(ctx, b, bundle.QueueOutbox))

	counts, err := s.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[bundle.QueueOutbox])
	assert.Equal(t, 0, counts[bundle.QueueInbox])
	assert.Len(t, counts, len(bundle.AllQueues))
}
