// Package bundle defines the wire/persistence data model of the DTN bundle
// engine: the signed, content-addressed envelope ("bundle") that carries one
// opaque application payload between mesh peers, the queues a bundle can
// occupy, and the canonical encoding used to compute its identity and
// signature. It has no dependency on storage, policy, or transport — every
// other engine package imports this one, never the reverse.
package bundle

import (
	"errors"
	"time"
)

// Priority is a totally ordered urgency class. Emergency outranks
// perishable, which outranks normal, which outranks low.
type Priority string

const (
	PriorityEmergency  Priority = "emergency"
	PriorityPerishable Priority = "perishable"
	PriorityNormal     Priority = "normal"
	PriorityLow        Priority = "low"
)

// Rank returns the priority's position in the total order; lower ranks are
// more urgent. Sorting bundles by ascending Rank yields priority-descending
// order, per the forwarding order in the policy package.
func (p Priority) Rank() int {
	switch p {
	case PriorityEmergency:
		return 0
	case PriorityPerishable:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 99
	}
}

// Valid reports whether p is one of the four recognized priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityEmergency, PriorityPerishable, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// Audience declares the scope of who may carry or receive a bundle.
type Audience string

const (
	AudiencePublic  Audience = "public"
	AudienceLocal   Audience = "local"
	AudienceTrusted Audience = "trusted"
	AudiencePrivate Audience = "private"
)

// Valid reports whether a is one of the four recognized audiences.
func (a Audience) Valid() bool {
	switch a {
	case AudiencePublic, AudienceLocal, AudienceTrusted, AudiencePrivate:
		return true
	default:
		return false
	}
}

// ReceiptPolicy is informational to the engine; delivery observation is an
// application responsibility (see Non-goals).
type ReceiptPolicy string

const (
	ReceiptNone      ReceiptPolicy = "none"
	ReceiptRequested ReceiptPolicy = "requested"
	ReceiptRequired  ReceiptPolicy = "required"
)

// Valid reports whether r is a recognized receipt policy.
func (r ReceiptPolicy) Valid() bool {
	switch r {
	case ReceiptNone, ReceiptRequested, ReceiptRequired:
		return true
	default:
		return false
	}
}

// Queue is one of the six named holding areas a bundle can occupy.
type Queue string

const (
	QueueInbox      Queue = "inbox"
	QueueOutbox     Queue = "outbox"
	QueuePending    Queue = "pending"
	QueueDelivered  Queue = "delivered"
	QueueExpired    Queue = "expired"
	QueueQuarantine Queue = "quarantine"
)

// Valid reports whether q names one of the six queues.
func (q Queue) Valid() bool {
	switch q {
	case QueueInbox, QueueOutbox, QueuePending, QueueDelivered, QueueExpired, QueueQuarantine:
		return true
	default:
		return false
	}
}

// AllQueues lists the six named queues, in no particular priority order.
var AllQueues = []Queue{QueueInbox, QueueOutbox, QueuePending, QueueDelivered, QueueExpired, QueueQuarantine}

// DenyReason classifies why the Forwarding Policy refused a bundle.
type DenyReason string

const (
	DenyNotForwardable DenyReason = "NotForwardable"
	DenyExpired        DenyReason = "Expired"
	DenyHopLimit       DenyReason = "HopLimit"
	DenyAudience       DenyReason = "Audience"
)

// Error taxonomy, matching spec §7. These are local classification errors;
// cryptographic, structural, and policy failures never propagate over the
// wire beyond a bundle's accepted/omitted/quarantined classification.
var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrBadSignature      = errors.New("bad signature")
	ErrTampered          = errors.New("bundle id does not match content hash")
	ErrExpired           = errors.New("bundle expired")
	ErrHopLimit          = errors.New("hop limit exhausted")
	ErrDuplicate         = errors.New("duplicate bundle")
	ErrOverBudget        = errors.New("cache budget exceeded")
	ErrNotFound          = errors.New("bundle not found")
	ErrIllegalTransition = errors.New("illegal queue transition")
	ErrPolicyDeny        = errors.New("forwarding policy denied")
	ErrPeerTimeout       = errors.New("peer rpc timed out")
	ErrPeerProtocol      = errors.New("peer protocol error")
)

// MaxPayloadBytes bounds the size of an application payload the engine will
// accept. Intake and create_bundle both enforce it.
const MaxPayloadBytes = 1 << 20 // 1 MiB

// Bundle is the one persistent entity the engine manages: a signed,
// content-addressed envelope wrapping one opaque application payload.
// Field order here is the fixed lexicographic order used by the canonical
// codec (see canonical.go) for every field the codec covers.
type Bundle struct {
	Audience        Audience      `json:"audience"`
	AuthorPublicKey []byte        `json:"authorPublicKey"`
	BundleID        string        `json:"bundleId"`
	CreatedAt       time.Time     `json:"createdAt"`
	ExpiresAt       time.Time     `json:"expiresAt"`
	HopCount        int           `json:"hopCount"`
	HopLimit        int           `json:"hopLimit"`
	Payload         []byte        `json:"payload"`
	PayloadType     string        `json:"payloadType"`
	Priority        Priority      `json:"priority"`
	ReceiptPolicy   ReceiptPolicy `json:"receiptPolicy"`
	Signature       []byte        `json:"signature"`
	Tags            []string      `json:"tags"`
	Topic           string        `json:"topic"`
}

// Summary is the metadata a peer discloses during index exchange: existence
// and metadata only, never content.
type Summary struct {
	BundleID  string    `json:"bundleId"`
	Priority  Priority  `json:"priority"`
	Audience  Audience  `json:"audience"`
	Topic     string    `json:"topic"`
	Tags      []string  `json:"tags"`
	ExpiresAt time.Time `json:"expiresAt"`
	SizeBytes int       `json:"sizeBytes"`
}

// ToSummary builds the index-exchange summary for a bundle.
func (b *Bundle) ToSummary() Summary {
	return Summary{
		BundleID:  b.BundleID,
		Priority:  b.Priority,
		Audience:  b.Audience,
		Topic:     b.Topic,
		Tags:      append([]string(nil), b.Tags...),
		ExpiresAt: b.ExpiresAt,
		SizeBytes: b.SizeBytes(),
	}
}

// SizeBytes approximates the on-disk footprint of the bundle, used by the
// Cache Budget Manager to track total_bytes().
func (b *Bundle) SizeBytes() int {
	return len(b.Payload) + len(b.Signature) + len(b.AuthorPublicKey) +
		len(b.PayloadType) + len(b.Topic) + len(b.BundleID) + tagsLen(b.Tags) + 96
}

func tagsLen(tags []string) int {
	n := 0
	for _, t := range tags {
		n += len(t)
	}
	return n
}

// WithIncrementedHop returns a shallow copy of b with HopCount increased by
// one. HopCount is excluded from both bundleId and signature coverage (§3),
// so this is the one field a relay is permitted to change without
// invalidating either. Callers apply it exactly once, when they take on
// relay custody of a bundle obtained via a peer sync Fetch or Pull (§4.7,
// §4.9) — never when simply reading or storing a bundle they authored.
func (b *Bundle) WithIncrementedHop() *Bundle {
	cp := *b
	cp.HopCount++
	return &cp
}

// HasTag reports whether tags contains s, case-sensitive, exact match.
func HasTag(tags []string, s string) bool {
	for _, t := range tags {
		if t == s {
			return true
		}
	}
	return false
}
