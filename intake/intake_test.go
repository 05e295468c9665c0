package intake

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commons-mesh/bundleengine/bundle"
	"github.com/commons-mesh/bundleengine/cache"
	"github.com/commons-mesh/bundleengine/storage/memory"
)

type testSigner struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return &testSigner{pub: pub, priv: priv}
}

func (s *testSigner) Sign(message []byte) ([]byte, error) { return ed25519.Sign(s.priv, message), nil }
func (s *testSigner) PublicKeyBytes() []byte               { return []byte(s.pub) }

func newPipeline(t *testing.T) (*Pipeline, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	mgr := cache.NewManager(store, 10_000_000, nil, nil)
	return New(store, mgr, nil, nil), store
}

func validBundle(t *testing.T, signer *testSigner, now time.Time) *bundle.Bundle {
	t.Helper()
	b, err := bundle.New(signer, bundle.Params{
		Priority:    bundle.PriorityNormal,
		Audience:    bundle.AudiencePublic,
		Topic:       "chatter",
		PayloadType: "text/plain",
		Payload:     []byte("hi"),
	}, now)
	require.NoError(t, err)
	return b
}

func TestSubmitAcceptsValidBundle(t *testing.T) {
	p, store := newPipeline(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	b := validBundle(t, newTestSigner(t), now)

	res, err := p.Submit(context.Background(), b, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)

	got, err := store.Get(context.Background(), b.BundleID)
	require.NoError(t, err)
	in, err := store.ExistsIn(context.Background(), got.BundleID, bundle.QueueInbox)
	require.NoError(t, err)
	assert.True(t, in)
}

func TestSubmitQuarantinesTamperedPayload(t *testing.T) {
	p, store := newPipeline(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	b := validBundle(t, newTestSigner(t), now)
	b.Payload[0] ^= 0xFF // flip a byte after signing

	res, err := p.Submit(context.Background(), b, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuarantined, res.Outcome)

	inInbox, _ := store.ExistsIn(context.Background(), b.BundleID, bundle.QueueInbox)
	assert.False(t, inInbox)
	inQuarantine, _ := store.ExistsIn(context.Background(), b.BundleID, bundle.QueueQuarantine)
	assert.True(t, inQuarantine)
}

func TestSubmitDropsExpiredBundleSilently(t *testing.T) {
	p, store := newPipeline(t)
	createdAt := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	expiresAt := createdAt.Add(time.Hour)

	signer := newTestSigner(t)
	now := createdAt.Add(2 * time.Hour)
	expired, err := bundle.New(signer, bundle.Params{
		Priority:    bundle.PriorityNormal,
		Audience:    bundle.AudiencePublic,
		Topic:       "chatter",
		PayloadType: "text/plain",
		Payload:     []byte("stale"),
		ExpiresAt:   &expiresAt,
	}, createdAt)
	require.NoError(t, err)

	res, err := p.Submit(context.Background(), expired, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, res.Outcome)
	assert.ErrorIs(t, res.Reason, bundle.ErrExpired)

	any, _ := store.ExistsIn(context.Background(), expired.BundleID, bundle.QueueInbox, bundle.QueueQuarantine)
	assert.False(t, any)
}

func TestSubmitDropsDuplicate(t *testing.T) {
	p, _ := newPipeline(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	b := validBundle(t, newTestSigner(t), now)

	first, err := p.Submit(context.Background(), b, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, first.Outcome)

	second, err := p.Submit(context.Background(), b, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, second.Outcome)
	assert.ErrorIs(t, second.Reason, bundle.ErrDuplicate)
}

func TestSubmitBadSignatureQuarantines(t *testing.T) {
	p, _ := newPipeline(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	b := validBundle(t, newTestSigner(t), now)
	other := newTestSigner(t)
	b.AuthorPublicKey = other.PublicKeyBytes() // key no longer matches signature
	id, err := bundle.ComputeID(b)
	require.NoError(t, err)
	b.BundleID = id // keep content-address consistent so step 1 passes

	res, err := p.Submit(context.Background(), b, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuarantined, res.Outcome)
	assert.ErrorIs(t, res.Reason, bundle.ErrBadSignature)
}
