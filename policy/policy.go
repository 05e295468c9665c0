// Package policy implements the Forwarding Policy (§4.7): a pure decision
// function over a bundle and a peer descriptor, plus the total order used to
// select which bundles to offer a peer during a forwarding opportunity.
package policy

import (
	"sort"
	"time"

	"github.com/commons-mesh/bundleengine/bundle"
)

// Peer is the descriptor the policy evaluates a bundle against.
type Peer struct {
	IsLocal    bool
	TrustScore float64 // in [0,1]
}

// DefaultTrustThreshold is the minimum trust_score required for the
// `trusted` audience when no override is configured (§6 trust_threshold).
const DefaultTrustThreshold = 0.7

// Decision is the outcome of evaluating a bundle against a peer.
type Decision struct {
	Allowed bool
	Reason  bundle.DenyReason // zero value when Allowed
}

// Evaluate runs the ordered rule set of §4.7 against a bundle currently
// sitting in queue. queue is needed because quarantine/expired status is a
// queue-membership fact, not a bundle field. trustThreshold overrides
// DefaultTrustThreshold when non-zero.
func Evaluate(b *bundle.Bundle, queue bundle.Queue, peer Peer, now time.Time, trustThreshold float64) Decision {
	if trustThreshold == 0 {
		trustThreshold = DefaultTrustThreshold
	}

	if queue == bundle.QueueQuarantine || queue == bundle.QueueExpired {
		return Decision{Allowed: false, Reason: bundle.DenyNotForwardable}
	}
	if !b.ExpiresAt.After(now) {
		return Decision{Allowed: false, Reason: bundle.DenyExpired}
	}
	if b.HopCount >= b.HopLimit {
		return Decision{Allowed: false, Reason: bundle.DenyHopLimit}
	}

	switch b.Audience {
	case bundle.AudiencePublic:
		return Decision{Allowed: true}
	case bundle.AudienceLocal:
		if peer.IsLocal {
			return Decision{Allowed: true}
		}
		return Decision{Allowed: false, Reason: bundle.DenyAudience}
	case bundle.AudienceTrusted:
		if peer.TrustScore >= trustThreshold {
			return Decision{Allowed: true}
		}
		return Decision{Allowed: false, Reason: bundle.DenyAudience}
	case bundle.AudiencePrivate:
		// Recipient-targeted delivery is out of scope (§1); default deny.
		return Decision{Allowed: false, Reason: bundle.DenyAudience}
	default:
		return Decision{Allowed: false, Reason: bundle.DenyAudience}
	}
}

// normalTrustedGroup reports whether a normal-priority bundle belongs to the
// higher-ranked sub-group within its priority (trusted/private audience),
// per the forwarding order's second tiebreak.
func normalTrustedGroup(b *bundle.Bundle) bool {
	return b.Audience == bundle.AudienceTrusted || b.Audience == bundle.AudiencePrivate
}

// Less implements the total forwarding order of §4.7: priority descending;
// within normal, trusted/private outranks public/local; within each group,
// createdAt ascending.
func Less(a, b *bundle.Bundle) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() < b.Priority.Rank()
	}
	if a.Priority == bundle.PriorityNormal {
		ag, bg := normalTrustedGroup(a), normalTrustedGroup(b)
		if ag != bg {
			return ag // a's group (trusted/private) outranks b's
		}
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// SortForwardingOrder sorts bundles in place into forwarding order.
func SortForwardingOrder(bundles []*bundle.Bundle) {
	sort.SliceStable(bundles, func(i, j int) bool {
		return Less(bundles[i], bundles[j])
	})
}

// SelectEligible filters bundles to those Evaluate allows for peer, then
// returns them in forwarding order. Each bundle must be accompanied by the
// queue it currently occupies (bundles/queues share index i).
func SelectEligible(bundles []*bundle.Bundle, queues []bundle.Queue, peer Peer, now time.Time, trustThreshold float64) []*bundle.Bundle {
	var eligible []*bundle.Bundle
	for i, b := range bundles {
		if Evaluate(b, queues[i], peer, now, trustThreshold).Allowed {
			eligible = append(eligible, b)
		}
	}
	SortForwardingOrder(eligible)
	return eligible
}
