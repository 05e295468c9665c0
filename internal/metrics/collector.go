// Package metrics exposes the bundle engine's Prometheus instrumentation:
// forwarding/eviction/reaper counters and queue-depth/cache-bytes gauges,
// all registered against a dedicated Registry and served at /metrics via
// promhttp (§9 DOMAIN STACK).
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meshbundle"

// Registry is the engine's dedicated Prometheus registry. A dedicated
// registry (rather than prometheus.DefaultRegisterer) keeps a test process
// that constructs multiple Collectors from re-panicking on duplicate
// registration.
var Registry = prometheus.NewRegistry()

// Collector groups every metric the engine's components emit into. The
// engine hands the same Collector to the Cache Budget Manager, TTL Reaper,
// Intake Pipeline and Peer Sync server (which records each forwarding policy
// decision it evaluates), and uses it itself for create_bundle outcomes and
// the queue-depth/cache-bytes gauges.
type Collector struct {
	createAccepted prometheus.Counter
	createRejected prometheus.Counter

	intakeAccepted    prometheus.Counter
	intakeQuarantined prometheus.Counter
	intakeDropped     *prometheus.CounterVec

	forwardAllowed *prometheus.CounterVec
	forwardDenied  *prometheus.CounterVec

	evictionBundles *prometheus.CounterVec
	evictionBytes   prometheus.Counter

	reaperMoved  prometheus.Counter
	reaperPurged prometheus.Counter

	queueDepth *prometheus.GaugeVec
	cacheBytes prometheus.Gauge

	allowed atomic.Int64
	denied  atomic.Int64
}

// NewCollector registers a fresh set of metrics against Registry. Only one
// Collector should be constructed per process; tests that need isolation
// call newCollector with their own Registry.
func NewCollector() (c *Collector) {
	defer func() {
		// promauto panics on duplicate registration, which here means two
		// engines were started in one process against the shared Registry;
		// fall back to an unregistered one rather than panicking the caller.
		if recover() != nil {
			c, _ = newCollector(prometheus.NewRegistry())
		}
	}()
	c, _ = newCollector(Registry)
	return c
}

func newCollector(reg prometheus.Registerer) (*Collector, error) {
	factory := promauto.With(reg)

	c := &Collector{
		createAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "create", Name: "accepted_total",
			Help: "Bundles successfully created and stored in outbox.",
		}),
		createRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "create", Name: "rejected_total",
			Help: "create_bundle calls rejected (malformed envelope or over budget).",
		}),
		intakeAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "intake", Name: "accepted_total",
			Help: "Received bundles accepted into inbox.",
		}),
		intakeQuarantined: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "intake", Name: "quarantined_total",
			Help: "Received bundles quarantined for authenticity/structure failures.",
		}),
		intakeDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "intake", Name: "dropped_total",
			Help: "Received bundles silently dropped, by reason.",
		}, []string{"reason"}),
		forwardAllowed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "forward", Name: "allowed_total",
			Help: "Forwarding policy decisions that allowed a bundle, by audience.",
		}, []string{"audience"}),
		forwardDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "forward", Name: "denied_total",
			Help: "Forwarding policy decisions that denied a bundle, by reason.",
		}, []string{"reason"}),
		evictionBundles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evicted_bundles_total",
			Help: "Bundles deleted by the cache budget manager, by eviction step.",
		}, []string{"step"}),
		evictionBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evicted_bytes_total",
			Help: "Bytes freed by eviction passes.",
		}),
		reaperMoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reaper", Name: "moved_to_expired_total",
			Help: "Bundles moved from a live queue to expired by the TTL reaper.",
		}),
		reaperPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reaper", Name: "purged_total",
			Help: "Bundles deleted from expired after the retention window.",
		}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Current number of bundles in each named queue.",
		}, []string{"queue"}),
		cacheBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "bytes_used",
			Help: "Current on-disk footprint across all queues.",
		}),
	}
	return c, nil
}

// IncCreateAccepted records a successful create_bundle call.
func (c *Collector) IncCreateAccepted() { c.createAccepted.Inc() }

// IncCreateRejected records a failed create_bundle call.
func (c *Collector) IncCreateRejected() { c.createRejected.Inc() }

// IncIntakeAccepted records a bundle accepted into inbox.
func (c *Collector) IncIntakeAccepted() { c.intakeAccepted.Inc() }

// IncIntakeQuarantined records a bundle quarantined on intake.
func (c *Collector) IncIntakeQuarantined() { c.intakeQuarantined.Inc() }

// IncIntakeDropped records a bundle silently dropped on intake, by reason
// (expired, duplicate, over-budget).
func (c *Collector) IncIntakeDropped(reason string) { c.intakeDropped.WithLabelValues(reason).Inc() }

// ForwardingCounters is the snapshot the stats Control API operation
// reports for forwarding activity (§6).
type ForwardingCounters struct {
	Allowed int64
	Denied  int64
}

// RecordForwardAllowed records an AllowForward decision for audience.
func (c *Collector) RecordForwardAllowed(audience string) {
	c.forwardAllowed.WithLabelValues(audience).Inc()
	c.allowed.Add(1)
}

// RecordForwardDenied records a DenyForward decision for reason.
func (c *Collector) RecordForwardDenied(reason string) {
	c.forwardDenied.WithLabelValues(reason).Inc()
	c.denied.Add(1)
}

// Forwarding returns the running totals of forwarding decisions.
func (c *Collector) Forwarding() ForwardingCounters {
	return ForwardingCounters{Allowed: c.allowed.Load(), Denied: c.denied.Load()}
}

// RecordEviction records one eviction pass's outcome.
func (c *Collector) RecordEviction(step string, bundles int, bytesFreed int64) {
	c.evictionBundles.WithLabelValues(step).Add(float64(bundles))
	c.evictionBytes.Add(float64(bytesFreed))
}

// RecordReaperTick records one TTL reaper tick's outcome.
func (c *Collector) RecordReaperTick(moved, purged int) {
	c.reaperMoved.Add(float64(moved))
	c.reaperPurged.Add(float64(purged))
}

// SetQueueDepth updates the gauge for queue's current bundle count.
func (c *Collector) SetQueueDepth(queue string, depth int) {
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetCacheBytesUsed updates the current on-disk footprint gauge.
func (c *Collector) SetCacheBytesUsed(bytes int64) {
	c.cacheBytes.Set(float64(bytes))
}
