// Package intake implements the Intake Pipeline (§4.8): the sequence of
// checks every bundle received from a peer must pass before it is trusted
// enough to sit in `inbox`. A bundle that fails authenticity or structural
// checks is quarantined, not dropped — quarantine is the terminal holding
// area for forensic review, never a silent discard.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/commons-mesh/bundleengine/bundle"
	"github.com/commons-mesh/bundleengine/cache"
	"github.com/commons-mesh/bundleengine/identity"
	"github.com/commons-mesh/bundleengine/internal/logger"
	"github.com/commons-mesh/bundleengine/internal/metrics"
	"github.com/commons-mesh/bundleengine/storage"
)

// Outcome classifies where a submitted bundle ended up.
type Outcome string

const (
	OutcomeAccepted    Outcome = "accepted"    // stored in inbox
	OutcomeQuarantined Outcome = "quarantined" // authenticity/structure failure
	OutcomeDropped     Outcome = "dropped"     // expired, duplicate, or over-budget
)

// Result is the per-bundle verdict the intake pipeline returns, used by
// selective push (§4.9) to build per-bundle accepted/rejected status with
// reason codes, and by `meshctl sync` to count the fetched bundles accepted.
type Result struct {
	BundleID string
	Outcome  Outcome
	Reason   error // nil when Outcome == OutcomeAccepted
}

// intakeQueues is the set exists_in checks against to decide whether a
// just-received bundle is a genuine duplicate (§4.4, §4.8 step 5).
var intakeQueues = []bundle.Queue{bundle.QueueInbox, bundle.QueueQuarantine}

// Pipeline runs the Intake Pipeline over a Queue Store and Cache Budget
// Manager. It holds no per-call state; every method is safe to call
// concurrently, matching the sync RPC handlers' suspension-point model (§5).
type Pipeline struct {
	store   storage.Store
	cache   *cache.Manager
	log     logger.Logger
	metrics *metrics.Collector
}

// New constructs an Intake Pipeline over store, enforcing the cache budget
// via mgr before final admission. mc may be nil (tests and standalone
// callers that don't need Prometheus instrumentation).
func New(store storage.Store, mgr *cache.Manager, log logger.Logger, mc *metrics.Collector) *Pipeline {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Pipeline{store: store, cache: mgr, log: log.WithFields(logger.String("component", "intake")), metrics: mc}
}

// Submit runs one received bundle through the full pipeline (§4.8 steps
// 1-7) and returns where it ended up. It never returns an error for a
// bundle-level classification outcome (Tampered, BadSignature,
// MalformedEnvelope, Expired, Duplicate, OverBudget all surface as a
// Result); a returned error means the store itself failed.
func (p *Pipeline) Submit(ctx context.Context, b *bundle.Bundle, now time.Time) (Result, error) {
	result, err := p.submit(ctx, b, now)
	if err == nil && p.metrics != nil {
		p.recordOutcome(result)
	}
	return result, err
}

func (p *Pipeline) recordOutcome(r Result) {
	switch r.Outcome {
	case OutcomeAccepted:
		p.metrics.IncIntakeAccepted()
	case OutcomeQuarantined:
		p.metrics.IncIntakeQuarantined()
	case OutcomeDropped:
		reason := "unknown"
		if r.Reason != nil {
			reason = r.Reason.Error()
		}
		p.metrics.IncIntakeDropped(reason)
	}
}

func (p *Pipeline) submit(ctx context.Context, b *bundle.Bundle, now time.Time) (Result, error) {
	// Step 1: canonicalize and recompute bundleId.
	wantID, err := bundle.ComputeID(b)
	if err != nil {
		return p.quarantine(ctx, b, fmt.Errorf("%w: %v", bundle.ErrMalformedEnvelope, err))
	}
	if wantID != b.BundleID {
		return p.quarantine(ctx, b, bundle.ErrTampered)
	}

	// Step 2: verify signature over the canonical signed region.
	signed, err := bundle.CanonicalSignedBytes(b)
	if err != nil {
		return p.quarantine(ctx, b, fmt.Errorf("%w: %v", bundle.ErrMalformedEnvelope, err))
	}
	if err := identity.Verify(b.AuthorPublicKey, signed, b.Signature); err != nil {
		return p.quarantine(ctx, b, fmt.Errorf("%w: %v", bundle.ErrBadSignature, err))
	}

	// Step 3: structural invariants (createdAt < expiresAt, hop bounds, size).
	if err := bundle.CheckInvariants(b); err != nil {
		if errors.Is(err, bundle.ErrTampered) {
			return p.quarantine(ctx, b, err)
		}
		return p.quarantine(ctx, b, err)
	}

	// Step 4: already expired bundles are silently dropped, never stored.
	if !b.ExpiresAt.After(now) {
		p.log.Debug("dropping expired bundle on intake", logger.String("bundle_id", b.BundleID))
		return Result{BundleID: b.BundleID, Outcome: OutcomeDropped, Reason: bundle.ErrExpired}, nil
	}

	// Step 5: duplicate check against inbox+quarantine only (§4.8).
	known, err := p.store.ExistsIn(ctx, b.BundleID, intakeQueues...)
	if err != nil {
		return Result{}, fmt.Errorf("checking duplicate for %s: %w", b.BundleID, err)
	}
	if known {
		p.log.Debug("dropping duplicate bundle on intake", logger.String("bundle_id", b.BundleID))
		return Result{BundleID: b.BundleID, Outcome: OutcomeDropped, Reason: bundle.ErrDuplicate}, nil
	}

	// Step 6: cache budget admission, evicting first if necessary.
	if p.cache != nil {
		if err := p.cache.Admit(ctx, b.SizeBytes()); err != nil {
			if errors.Is(err, bundle.ErrOverBudget) {
				p.log.Warn("dropping bundle over cache budget", logger.String("bundle_id", b.BundleID))
				return Result{BundleID: b.BundleID, Outcome: OutcomeDropped, Reason: bundle.ErrOverBudget}, nil
			}
			return Result{}, fmt.Errorf("admitting %s: %w", b.BundleID, err)
		}
	}

	// Step 7: store into inbox.
	if err := p.store.Create(ctx, b, bundle.QueueInbox); err != nil {
		if errors.Is(err, bundle.ErrDuplicate) {
			return Result{BundleID: b.BundleID, Outcome: OutcomeDropped, Reason: bundle.ErrDuplicate}, nil
		}
		return Result{}, fmt.Errorf("storing %s in inbox: %w", b.BundleID, err)
	}

	p.log.Info("bundle accepted into inbox", logger.String("bundle_id", b.BundleID))
	return Result{BundleID: b.BundleID, Outcome: OutcomeAccepted}, nil
}

// SubmitBatch runs Submit over a batch of received envelopes independently
// (§4.9 "Selective push"): one bundle's failure never affects another's.
func (p *Pipeline) SubmitBatch(ctx context.Context, bundles []*bundle.Bundle, now time.Time) ([]Result, error) {
	results := make([]Result, 0, len(bundles))
	for _, b := range bundles {
		r, err := p.Submit(ctx, b, now)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

func (p *Pipeline) quarantine(ctx context.Context, b *bundle.Bundle, reason error) (Result, error) {
	p.log.Warn("quarantining bundle",
		logger.String("bundle_id", b.BundleID),
		logger.Err(reason),
	)
	if err := p.store.Create(ctx, b, bundle.QueueQuarantine); err != nil {
		if !errors.Is(err, bundle.ErrDuplicate) {
			return Result{}, fmt.Errorf("quarantining %s: %w", b.BundleID, err)
		}
	}
	return Result{BundleID: b.BundleID, Outcome: OutcomeQuarantined, Reason: reason}, nil
}
