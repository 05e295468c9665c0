package policy

import (
	"testing"
	"time"

	"github.com/commons-mesh/bundleengine/bundle"
	"github.com/stretchr/testify/assert"
)

func baseBundle() *bundle.Bundle {
	now := time.Now()
	return &bundle.Bundle{
		BundleID:  "b:sha256:1",
		Priority:  bundle.PriorityNormal,
		Audience:  bundle.AudiencePublic,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
		HopCount:  0,
		HopLimit:  20,
	}
}

func TestEvaluateDeniesQuarantineAndExpiredQueues(t *testing.T) {
	b := baseBundle()
	now := time.Now()

	d := Evaluate(b, bundle.QueueQuarantine, Peer{}, now, 0)
	assert.False(t, d.Allowed)
	assert.Equal(t, bundle.DenyNotForwardable, d.Reason)

	d = Evaluate(b, bundle.QueueExpired, Peer{}, now, 0)
	assert.False(t, d.Allowed)
	assert.Equal(t, bundle.DenyNotForwardable, d.Reason)
}

func TestEvaluateDeniesTTLExpired(t *testing.T) {
	b := baseBundle()
	b.ExpiresAt = time.Now().Add(-time.Minute)

	d := Evaluate(b, bundle.QueueOutbox, Peer{}, time.Now(), 0)
	assert.False(t, d.Allowed)
	assert.Equal(t, bundle.DenyExpired, d.Reason)
}

func TestEvaluateDeniesHopLimitExhausted(t *testing.T) {
	b := baseBundle()
	b.HopCount = b.HopLimit

	d := Evaluate(b, bundle.QueueOutbox, Peer{}, time.Now(), 0)
	assert.False(t, d.Allowed)
	assert.Equal(t, bundle.DenyHopLimit, d.Reason)
}

func TestEvaluateAudiencePublicAlwaysAllowed(t *testing.T) {
	b := baseBundle()
	b.Audience = bundle.AudiencePublic

	d := Evaluate(b, bundle.QueueOutbox, Peer{IsLocal: false, TrustScore: 0}, time.Now(), 0)
	assert.True(t, d.Allowed)
}

func TestEvaluateAudienceLocalRequiresLocalPeer(t *testing.T) {
	b := baseBundle()
	b.Audience = bundle.AudienceLocal

	assert.True(t, Evaluate(b, bundle.QueueOutbox, Peer{IsLocal: true}, time.Now(), 0).Allowed)

	d := Evaluate(b, bundle.QueueOutbox, Peer{IsLocal: false}, time.Now(), 0)
	assert.False(t, d.Allowed)
	assert.Equal(t, bundle.DenyAudience, d.Reason)
}

func TestEvaluateAudienceTrustedRequiresThreshold(t *testing.T) {
	b := baseBundle()
	b.Audience = bundle.AudienceTrusted

	assert.True(t, Evaluate(b, bundle.QueueOutbox, Peer{TrustScore: 0.7}, time.Now(), 0).Allowed)
	assert.False(t, Evaluate(b, bundle.QueueOutbox, Peer{TrustScore: 0.69}, time.Now(), 0).Allowed)

	// custom threshold override
	assert.True(t, Evaluate(b, bundle.QueueOutbox, Peer{TrustScore: 0.5}, time.Now(), 0.4).Allowed)
}

func TestEvaluateAudiencePrivateDeniesByDefault(t *testing.T) {
	b := baseBundle()
	b.Audience = bundle.AudiencePrivate

	d := Evaluate(b, bundle.QueueOutbox, Peer{TrustScore: 1.0, IsLocal: true}, time.Now(), 0)
	assert.False(t, d.Allowed)
	assert.Equal(t, bundle.DenyAudience, d.Reason)
}

func TestForwardingOrderPriorityDescending(t *testing.T) {
	now := time.Now()
	emergency := &bundle.Bundle{BundleID: "e", Priority: bundle.PriorityEmergency, Audience: bundle.AudiencePublic, CreatedAt: now}
	normal := &bundle.Bundle{BundleID: "n", Priority: bundle.PriorityNormal, Audience: bundle.AudiencePublic, CreatedAt: now}
	low := &bundle.Bundle{BundleID: "l", Priority: bundle.PriorityLow, Audience: bundle.AudiencePublic, CreatedAt: now}

	bundles := []*bundle.Bundle{low, normal, emergency}
	SortForwardingOrder(bundles)

	assert.Equal(t, "e", bundles[0].BundleID)
	assert.Equal(t, "n", bundles[1].BundleID)
	assert.Equal(t, "l", bundles[2].BundleID)
}

func TestForwardingOrderNormalTrustedOutranksPublicWithinNormal(t *testing.T) {
	now := time.Now()
	public := &bundle.Bundle{BundleID: "pub", Priority: bundle.PriorityNormal, Audience: bundle.AudiencePublic, CreatedAt: now}
	trusted := &bundle.Bundle{BundleID: "trust", Priority: bundle.PriorityNormal, Audience: bundle.AudienceTrusted, CreatedAt: now.Add(time.Minute)}

	bundles := []*bundle.Bundle{public, trusted}
	SortForwardingOrder(bundles)

	assert.Equal(t, "trust", bundles[0].BundleID)
	assert.Equal(t, "pub", bundles[1].BundleID)
}

func TestForwardingOrderOlderFirstWithinGroup(t *testing.T) {
	now := time.Now()
	older := &bundle.Bundle{BundleID: "old", Priority: bundle.PriorityNormal, Audience: bundle.AudiencePublic, CreatedAt: now.Add(-time.Hour)}
	newer := &bundle.Bundle{BundleID: "new", Priority: bundle.PriorityNormal, Audience: bundle.AudiencePublic, CreatedAt: now}

	bundles := []*bundle.Bundle{newer, older}
	SortForwardingOrder(bundles)

	assert.Equal(t, "old", bundles[0].BundleID)
	assert.Equal(t, "new", bundles[1].BundleID)
}

func TestSelectEligibleFiltersAndOrders(t *testing.T) {
	now := time.Now()
	allowed := &bundle.Bundle{BundleID: "ok", Priority: bundle.PriorityNormal, Audience: bundle.AudiencePublic, CreatedAt: now, ExpiresAt: now.Add(time.Hour), HopLimit: 20}
	denied := &bundle.Bundle{BundleID: "no", Priority: bundle.PriorityNormal, Audience: bundle.AudienceLocal, CreatedAt: now, ExpiresAt: now.Add(time.Hour), HopLimit: 20}

	bundles := []*bundle.Bundle{allowed, denied}
	queues := []bundle.Queue{bundle.QueueOutbox, bundle.QueueOutbox}

	eligible := SelectEligible(bundles, queues, Peer{IsLocal: false}, now, 0)
	assert.Len(t, eligible, 1)
	assert.Equal(t, "ok", eligible[0].BundleID)
}
