// Package engine assembles the nine components of the DTN bundle engine
// behind the seven-operation Control API (§6): an explicit engine value
// threaded through callers, never process-global mutable state (§9).
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/commons-mesh/bundleengine/bundle"
	"github.com/commons-mesh/bundleengine/cache"
	"github.com/commons-mesh/bundleengine/identity"
	"github.com/commons-mesh/bundleengine/intake"
	"github.com/commons-mesh/bundleengine/internal/logger"
	"github.com/commons-mesh/bundleengine/internal/metrics"
	"github.com/commons-mesh/bundleengine/policy"
	"github.com/commons-mesh/bundleengine/reaper"
	"github.com/commons-mesh/bundleengine/storage"
)

// Config bundles the tunables an Engine needs at construction, mirroring
// the configuration table of §6.
type Config struct {
	CacheBytesBudget int64
	TTLReaperPeriod  time.Duration
	ExpiredRetention time.Duration
	DefaultHopLimit  int
	TrustThreshold   float64
}

// DefaultConfig returns the documented defaults (§6).
func DefaultConfig() Config {
	return Config{
		CacheBytesBudget: 2 << 30, // 2 GiB
		TTLReaperPeriod:  60 * time.Second,
		ExpiredRetention: 7 * 24 * time.Hour,
		DefaultHopLimit:  bundle.DefaultHopLimit,
		TrustThreshold:   policy.DefaultTrustThreshold,
	}
}

// Engine wires the Queue Store, Cache Budget Manager, TTL Reaper, Identity &
// Signer, and Intake Pipeline together and exposes the Control API. Peer
// sync (package peersync) is constructed separately from the same Store and
// Intake Pipeline — it is a transport concern, not part of the engine value
// itself.
type Engine struct {
	store    storage.Store
	identity *identity.Identity
	cache    *cache.Manager
	reaper   *reaper.Reaper
	intake   *intake.Pipeline
	cfg      Config
	log      logger.Logger
	metrics  *metrics.Collector

	mu    sync.Mutex
	peers map[string]policy.Peer // SUPPLEMENT: peer trust table, fingerprint keyed
}

// New constructs an Engine over store and id with the given configuration.
// It does not start the reaper; call Start for that.
func New(store storage.Store, id *identity.Identity, cfg Config, log logger.Logger, mc *metrics.Collector) *Engine {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	log = log.WithFields(logger.String("component", "engine"), logger.String("node", id.Fingerprint()))
	if mc == nil {
		mc = metrics.NewCollector()
	}

	mgr := cache.NewManager(store, cfg.CacheBytesBudget, log, mc)
	pipeline := intake.New(store, mgr, log, mc)
	r := reaper.New(store, cfg.TTLReaperPeriod, cfg.ExpiredRetention, log, mc)

	return &Engine{
		store:    store,
		identity: id,
		cache:    mgr,
		reaper:   r,
		intake:   pipeline,
		cfg:      cfg,
		log:      log,
		metrics:  mc,
		peers:    make(map[string]policy.Peer),
	}
}

// Start launches the background TTL Reaper. Call Stop for a clean shutdown.
func (e *Engine) Start(ctx context.Context) {
	e.reaper.Start(ctx)
}

// Stop halts the background reaper.
func (e *Engine) Stop() {
	e.reaper.Stop()
}

// Store exposes the underlying Queue Store, for the peer sync server and
// administrative tooling that need direct access beyond the seven Control
// API operations.
func (e *Engine) Store() storage.Store { return e.store }

// Intake exposes the Intake Pipeline, for the peer sync server's selective
// push handler.
func (e *Engine) Intake() *intake.Pipeline { return e.intake }

// TrustThreshold returns the configured minimum trust_score for the
// `trusted` audience (§6).
func (e *Engine) TrustThreshold() float64 { return e.cfg.TrustThreshold }

// Metrics exposes the engine's metrics collector for HTTP /metrics exposure.
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }

// CreateBundle is the create_bundle Control API operation (§6): builds,
// signs, and stores a new bundle in outbox.
func (e *Engine) CreateBundle(ctx context.Context, p bundle.Params) (*bundle.Bundle, error) {
	if p.HopLimit == nil {
		hl := e.cfg.DefaultHopLimit
		p.HopLimit = &hl
	}

	b, err := bundle.New(e.identity, p, time.Now())
	if err != nil {
		e.metrics.IncCreateRejected()
		return nil, err
	}

	if err := e.cache.Admit(ctx, b.SizeBytes()); err != nil {
		e.metrics.IncCreateRejected()
		return nil, err
	}

	if err := e.store.Create(ctx, b, bundle.QueueOutbox); err != nil {
		e.metrics.IncCreateRejected()
		return nil, err
	}

	e.metrics.IncCreateAccepted()
	e.log.Info("bundle created", logger.String("bundle_id", b.BundleID), logger.String("priority", string(b.Priority)))
	return b, nil
}

// ListQueue is the list_queue Control API operation.
func (e *Engine) ListQueue(ctx context.Context, queue bundle.Queue, limit, offset int) ([]*bundle.Bundle, error) {
	return e.store.List(ctx, queue, limit, offset)
}

// GetBundle is the get_bundle Control API operation.
func (e *Engine) GetBundle(ctx context.Context, bundleID string) (*bundle.Bundle, error) {
	return e.store.Get(ctx, bundleID)
}

// ToPending is the to_pending Control API operation: moves a bundle from
// outbox to pending, making it eligible for the sync server's default index
// scope (§4.9).
func (e *Engine) ToPending(ctx context.Context, bundleID string) error {
	if err := e.store.Move(ctx, bundleID, bundle.QueueOutbox, bundle.QueuePending); err != nil {
		if errors.Is(err, bundle.ErrNotFound) {
			return fmt.Errorf("%w: %s not in outbox", bundle.ErrIllegalTransition, bundleID)
		}
		return err
	}
	return nil
}

// MarkDelivered is the mark_delivered Control API operation: moves a bundle
// from inbox to delivered. The mechanism by which delivery is observed is
// an application responsibility (§4.9); this is the manual trigger the
// engine exposes for it.
func (e *Engine) MarkDelivered(ctx context.Context, bundleID string) error {
	if err := e.store.Move(ctx, bundleID, bundle.QueueInbox, bundle.QueueDelivered); err != nil {
		if errors.Is(err, bundle.ErrNotFound) {
			return fmt.Errorf("%w: %s not in inbox", bundle.ErrIllegalTransition, bundleID)
		}
		return err
	}
	return nil
}

// NodeInfo is the node_info Control API operation.
type NodeInfo struct {
	PublicKey   []byte
	Fingerprint string
}

// NodeInfo returns this node's public identity.
func (e *Engine) NodeInfo() NodeInfo {
	return NodeInfo{PublicKey: e.identity.PublicKeyBytes(), Fingerprint: e.identity.Fingerprint()}
}

// Stats is the stats Control API operation's result: per-queue counts,
// cache usage, and forwarding counters, for observation of otherwise
// eventually-consistent background activity (§7).
type Stats struct {
	QueueCounts    map[bundle.Queue]int
	CacheBytesUsed int64
	CacheBudget    int64
	Forwarding     metrics.ForwardingCounters
}

// Stats is the stats Control API operation.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	counts, err := e.store.QueueCounts(ctx)
	if err != nil {
		return Stats{}, err
	}
	used, err := e.store.TotalBytes(ctx)
	if err != nil {
		return Stats{}, err
	}
	for q, n := range counts {
		e.metrics.SetQueueDepth(string(q), n)
	}
	e.metrics.SetCacheBytesUsed(used)
	return Stats{
		QueueCounts:    counts,
		CacheBytesUsed: used,
		CacheBudget:    e.cache.BudgetBytes(),
		Forwarding:     e.metrics.Forwarding(),
	}, nil
}

// Reap runs one TTL Reaper tick synchronously, for the `meshctl reap`
// administrative trigger (§9 SUPPLEMENT: administrative control).
func (e *Engine) Reap(ctx context.Context) (reaper.TickResult, error) {
	return e.reaper.Tick(ctx, time.Now())
}

// Evict runs one Cache Budget Manager eviction pass down to the high
// watermark, for the `meshctl evict` administrative trigger.
func (e *Engine) Evict(ctx context.Context) (cache.Result, error) {
	target := int64(float64(e.cache.BudgetBytes()) * 0.95)
	return e.cache.Evict(ctx, target)
}

// RememberPeer records a peer's descriptor in the in-memory trust table
// (SUPPLEMENT: peer descriptor table). The table lives only as long as this
// Engine value and is never written to disk; `meshctl sync` records the
// descriptor it was given but reads --trust/--local from its flags on every
// run. It never establishes cryptographic trust; it is bookkeeping only.
func (e *Engine) RememberPeer(fingerprint string, p policy.Peer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers[fingerprint] = p
}

// PeerDescriptor returns the last-remembered descriptor for fingerprint, or
// the zero descriptor (untrusted, non-local) if never seen.
func (e *Engine) PeerDescriptor(fingerprint string) policy.Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers[fingerprint]
}
