package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Signer is the minimal capability the Bundle Model needs from the Identity
// & Signer component (§4.2). Kept as a local interface so this package never
// imports the identity package — the identity package satisfies it instead.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKeyBytes() []byte
}

// DefaultHopLimit is used when a caller does not supply one.
const DefaultHopLimit = 20

// Params are the application-supplied inputs to create_bundle (§6).
type Params struct {
	Priority      Priority
	Audience      Audience
	Topic         string
	Tags          []string
	PayloadType   string
	Payload       []byte
	ExpiresAt     *time.Time // nil means "apply the TTL default"
	HopLimit      *int       // nil means DefaultHopLimit
	ReceiptPolicy ReceiptPolicy
}

// New constructs, computes the identity of, and signs a bundle from
// application inputs (§4.3). createdAt is always "now" at construction time.
func New(signer Signer, p Params, now time.Time) (*Bundle, error) {
	if len(p.Payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrMalformedEnvelope, MaxPayloadBytes)
	}
	if !p.Priority.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %q", ErrMalformedEnvelope, p.Priority)
	}
	if !p.Audience.Valid() {
		return nil, fmt.Errorf("%w: invalid audience %q", ErrMalformedEnvelope, p.Audience)
	}
	receiptPolicy := p.ReceiptPolicy
	if receiptPolicy == "" {
		receiptPolicy = ReceiptNone
	}
	if !receiptPolicy.Valid() {
		return nil, fmt.Errorf("%w: invalid receipt policy %q", ErrMalformedEnvelope, receiptPolicy)
	}

	hopLimit := DefaultHopLimit
	if p.HopLimit != nil {
		hopLimit = *p.HopLimit
	}
	if hopLimit < 0 {
		return nil, fmt.Errorf("%w: negative hopLimit", ErrMalformedEnvelope)
	}

	expiresAt := now.Add(DefaultTTL(p.Priority, p.Topic, p.Tags))
	if p.ExpiresAt != nil {
		expiresAt = *p.ExpiresAt
	}
	if !expiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiresAt must be after createdAt", ErrMalformedEnvelope)
	}

	b := &Bundle{
		Audience:        p.Audience,
		AuthorPublicKey: signer.PublicKeyBytes(),
		CreatedAt:       now,
		ExpiresAt:       expiresAt,
		HopCount:        0,
		HopLimit:        hopLimit,
		Payload:         p.Payload,
		PayloadType:     p.PayloadType,
		Priority:        p.Priority,
		ReceiptPolicy:   receiptPolicy,
		Tags:            append([]string(nil), p.Tags...),
		Topic:           p.Topic,
	}

	signed, err := CanonicalSignedBytes(b)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(signed)
	if err != nil {
		return nil, fmt.Errorf("signing bundle: %w", err)
	}
	b.Signature = sig
	b.BundleID, err = ComputeID(b)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ComputeID derives the content address: "b:sha256:" + hex(sha256(canonical
// encoding of the signed fields)).
func ComputeID(b *Bundle) (string, error) {
	signed, err := CanonicalSignedBytes(b)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(signed)
	return "b:sha256:" + hex.EncodeToString(sum[:]), nil
}

// CheckInvariants validates invariants 1-4 of §3 for a bundle that has
// already been parsed off the wire (or loaded from storage): content-address
// fidelity, timestamp ordering, and hop bounds. Signature verification is a
// separate step (it needs the verifier), performed by the intake pipeline.
func CheckInvariants(b *Bundle) error {
	wantID, err := ComputeID(b)
	if err != nil {
		return err
	}
	if wantID != b.BundleID {
		return ErrTampered
	}
	if !b.ExpiresAt.After(b.CreatedAt) {
		return fmt.Errorf("%w: expiresAt not after createdAt", ErrMalformedEnvelope)
	}
	if b.HopCount < 0 || b.HopCount > b.HopLimit {
		return fmt.Errorf("%w: hopCount out of bounds", ErrMalformedEnvelope)
	}
	if len(b.Payload) > MaxPayloadBytes {
		return fmt.Errorf("%w: payload too large", ErrMalformedEnvelope)
	}
	return nil
}
