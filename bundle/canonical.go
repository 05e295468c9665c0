package bundle

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// signedFields is the exact subset and order of Bundle fields covered by
// bundleId and signature: every field except bundleId itself, signature,
// and hopCount (§3, §4.1). Because this is a dedicated type rather than a
// tag on Bundle, adding a field to Bundle can never silently widen the
// signed region.
type signedFields struct {
	Audience        Audience      `json:"audience"`
	AuthorPublicKey []byte        `json:"authorPublicKey"`
	CreatedAt       string        `json:"createdAt"`
	ExpiresAt       string        `json:"expiresAt"`
	HopLimit        int           `json:"hopLimit"`
	Payload         []byte        `json:"payload"`
	PayloadType     string        `json:"payloadType"`
	Priority        Priority      `json:"priority"`
	ReceiptPolicy   ReceiptPolicy `json:"receiptPolicy"`
	Tags            []string      `json:"tags"`
	Topic           string        `json:"topic"`
}

const rfc3339Micro = "2006-01-02T15:04:05.000000Z07:00"

// CanonicalSignedBytes produces the deterministic byte form that bundleId
// and signature are both computed over: fixed lexicographic key order
// (enforced by struct field order, not map iteration), UTF-8 strings,
// RFC3339 timestamps at microsecond precision, and no implementation-defined
// whitespace (compact JSON). Returns ErrMalformedEnvelope if any string
// field is not valid UTF-8.
func CanonicalSignedBytes(b *Bundle) ([]byte, error) {
	if !utf8.ValidString(b.PayloadType) || !utf8.ValidString(b.Topic) {
		return nil, fmt.Errorf("%w: non-UTF-8 string field", ErrMalformedEnvelope)
	}
	for _, t := range b.Tags {
		if !utf8.ValidString(t) {
			return nil, fmt.Errorf("%w: non-UTF-8 tag", ErrMalformedEnvelope)
		}
	}

	sf := signedFields{
		Audience:        b.Audience,
		AuthorPublicKey: b.AuthorPublicKey,
		CreatedAt:       b.CreatedAt.UTC().Format(rfc3339Micro),
		ExpiresAt:       b.ExpiresAt.UTC().Format(rfc3339Micro),
		HopLimit:        b.HopLimit,
		Payload:         b.Payload,
		PayloadType:     b.PayloadType,
		Priority:        b.Priority,
		ReceiptPolicy:   b.ReceiptPolicy,
		Tags:            b.Tags,
		Topic:           b.Topic,
	}

	out, err := json.Marshal(sf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return out, nil
}

// Encode serializes a full bundle (including bundleId, signature, hopCount)
// to its canonical wire/persistence form.
func Encode(b *Bundle) ([]byte, error) {
	out, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return out, nil
}

// Decode parses a bundle from its wire/persistence form. Decode(Encode(b))
// reproduces b field-for-field (the codec's round-trip property).
func Decode(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &b, nil
}
