package bundle

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSigner is a minimal Signer backed by an in-memory ed25519 keypair,
// standing in for the identity package without importing it.
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

func (s *testSigner) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

func (s *testSigner) PublicKeyBytes() []byte {
	return []byte(s.pub)
}

func validParams() Params {
	return Params{
		Priority:    PriorityNormal,
		Audience:    AudiencePublic,
		Topic:       "chatter",
		Tags:        []string{"hello"},
		PayloadType: "text/plain",
		Payload:     []byte("hello mesh"),
	}
}

func TestNewAssignsIdentityAndSignature(t *testing.T) {
	signer := newTestSigner(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	b, err := New(signer, validParams(), now)
	require.NoError(t, err)

	assert.NotEmpty(t, b.BundleID)
	assert.True(t, len(b.BundleID) > len("b:sha256:"))
	assert.Equal(t, 0, b.HopCount)
	assert.Equal(t, DefaultHopLimit, b.HopLimit)
	assert.Equal(t, signer.pub, ed25519.PublicKey(b.AuthorPublicKey))

	signed, err := CanonicalSignedBytes(b)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(signer.pub, signed, b.Signature))

	require.NoError(t, CheckInvariants(b))
}

func TestNewDefaultsTTLWhenExpiresAtOmitted(t *testing.T) {
	signer := newTestSigner(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	p := validParams()
	p.Priority = PriorityEmergency
	b, err := New(signer, p, now)
	require.NoError(t, err)

	assert.Equal(t, now.Add(ttlEmergency), b.ExpiresAt)
}

func TestNewHonorsExplicitExpiresAt(t *testing.T) {
	signer := newTestSigner(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	explicit := now.Add(5 * time.Minute)

	p := validParams()
	p.ExpiresAt = &explicit
	b, err := New(signer, p, now)
	require.NoError(t, err)

	assert.Equal(t, explicit, b.ExpiresAt)
}

func TestNewRejectsExpiresAtNotAfterCreatedAt(t *testing.T) {
	signer := newTestSigner(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	p := validParams()
	p.ExpiresAt = &past
	_, err := New(signer, p, now)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestNewRejectsOversizePayload(t *testing.T) {
	signer := newTestSigner(t)
	p := validParams()
	p.Payload = make([]byte, MaxPayloadBytes+1)
	_, err := New(signer, p, time.Now())
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestNewRejectsInvalidPriority(t *testing.T) {
	signer := newTestSigner(t)
	p := validParams()
	p.Priority = Priority("urgent")
	_, err := New(signer, p, time.Now())
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestCheckInvariantsDetectsTampering(t *testing.T) {
	signer := newTestSigner(t)
	b, err := New(signer, validParams(), time.Now())
	require.NoError(t, err)

	b.Payload = []byte("tampered payload")
	assert.ErrorIs(t, CheckInvariants(b), ErrTampered)
}

func TestCodecRoundTrip(t *testing.T) {
	signer := newTestSigner(t)
	b, err := New(signer, validParams(), time.Now())
	require.NoError(t, err)

	encoded, err := Encode(b)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	assert.Equal(t, b.BundleID, decoded.BundleID)
	assert.Equal(t, b.Payload, decoded.Payload)
	assert.Equal(t, b.Signature, decoded.Signature)
	assert.True(t, decoded.CreatedAt.Equal(b.CreatedAt))
	assert.True(t, decoded.ExpiresAt.Equal(b.ExpiresAt))

	require.NoError(t, CheckInvariants(decoded))
}

func TestCanonicalSignedBytesDeterministic(t *testing.T) {
	signer := newTestSigner(t)
	b, err := New(signer, validParams(), time.Now())
	require.NoError(t, err)

	first, err := CanonicalSignedBytes(b)
	require.NoError(t, err)
	second, err := CanonicalSignedBytes(b)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCanonicalSignedBytesRejectsInvalidUTF8(t *testing.T) {
	signer := newTestSigner(t)
	b, err := New(signer, validParams(), time.Now())
	require.NoError(t, err)

	b.Topic = string([]byte{0xff, 0xfe, 0xfd})
	_, err = CanonicalSignedBytes(b)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestDefaultTTLTriggerOrder(t *testing.T) {
	tests := []struct {
		name     string
		priority Priority
		topic    string
		tags     []string
		want     time.Duration
	}{
		{"emergency fast-path", PriorityEmergency, "inventory", nil, ttlEmergency},
		{"perishable priority", PriorityPerishable, "chatter", nil, ttlPerishable},
		{"perishable food tag wins over normal", PriorityNormal, "chatter", []string{"food"}, ttlPerishable},
		{"perishable tag literal", PriorityNormal, "chatter", []string{"perishable"}, ttlPerishable},
		{"mutual aid topic", PriorityNormal, "mutual-aid", nil, ttlMutualAid},
		{"coordination topic", PriorityNormal, "coordination", nil, ttlCoordination},
		{"inventory topic", PriorityNormal, "inventory", nil, ttlInventory},
		{"knowledge topic", PriorityNormal, "knowledge", nil, ttlKnowledge},
		{"education topic aliases knowledge", PriorityNormal, "education", nil, ttlKnowledge},
		{"index tag", PriorityNormal, "chatter", []string{"index"}, ttlIndexTag},
		{"low priority fallback", PriorityLow, "chatter", nil, ttlLow},
		{"normal fallback", PriorityNormal, "chatter", nil, ttlNormalFallback},
		{"emergency beats perishable tag", PriorityEmergency, "chatter", []string{"food"}, ttlEmergency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultTTL(tt.priority, tt.topic, tt.tags))
		})
	}
}

func TestPriorityRankOrdersByUrgency(t *testing.T) {
	assert.True(t, PriorityEmergency.Rank() < PriorityPerishable.Rank())
	assert.True(t, PriorityPerishable.Rank() < PriorityNormal.Rank())
	assert.True(t, PriorityNormal.Rank() < PriorityLow.Rank())
}

func TestBundleSizeBytesCountsPayloadAndOverhead(t *testing.T) {
	signer := newTestSigner(t)
	b, err := New(signer, validParams(), time.Now())
	require.NoError(t, err)

	assert.True(t, b.SizeBytes() > len(b.Payload))
}

func TestToSummaryOmitsPayload(t *testing.T) {
	signer := newTestSigner(t)
	b, err := New(signer, validParams(), time.Now())
	require.NoError(t, err)

	s := b.ToSummary()
	assert.Equal(t, b.BundleID, s.BundleID)
	assert.Equal(t, b.Priority, s.Priority)
	assert.Equal(t, b.SizeBytes(), s.SizeBytes)
}

func TestHasTag(t *testing.T) {
	assert.True(t, HasTag([]string{"a", "food"}, "food"))
	assert.False(t, HasTag([]string{"a", "b"}, "food"))
	assert.False(t, HasTag(nil, "food"))
}
