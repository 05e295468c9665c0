// Package reaper implements the TTL Reaper (§4.5): a cooperative periodic
// background task that moves expired bundles out of the live queues and
// purges them once they have sat in `expired` past the retention window.
package reaper

import (
	"context"
	"time"

	"github.com/commons-mesh/bundleengine/bundle"
	"github.com/commons-mesh/bundleengine/internal/logger"
	"github.com/commons-mesh/bundleengine/internal/metrics"
	"github.com/commons-mesh/bundleengine/storage"
)

// sweepQueues are the non-terminal queues a bundle's expiry is checked
// against on every tick (§4.5 step 1).
var sweepQueues = []bundle.Queue{bundle.QueueInbox, bundle.QueueOutbox, bundle.QueuePending}

// TickResult records what one reaper tick accomplished, for logging and for
// the stats control operation.
type TickResult struct {
	MovedToExpired int
	Purged         int
}

// Reaper runs on a fixed period, moving expired bundles to the expired queue
// and purging anything that has overstayed the retention window.
type Reaper struct {
	store     storage.Store
	period    time.Duration
	retention time.Duration
	log       logger.Logger
	metrics   *metrics.Collector

	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// New constructs a Reaper. period is the interval between ticks (default
// 60s); retention is how long a bundle may sit in expired before deletion
// (default 7d). mc may be nil (tests and standalone callers that don't need
// Prometheus instrumentation).
func New(store storage.Store, period, retention time.Duration, log logger.Logger, mc *metrics.Collector) *Reaper {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Reaper{
		store:     store,
		period:    period,
		retention: retention,
		log:       log.WithFields(logger.String("component", "reaper")),
		metrics:   mc,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the background tick loop. Call Stop to shut it down.
func (r *Reaper) Start(ctx context.Context) {
	r.ticker = time.NewTicker(r.period)
	go r.run(ctx)
}

// Stop halts the tick loop and waits for the in-flight tick, if any, to
// finish. It is safe to call Stop without a prior Start having completed a
// tick yet.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
	if r.ticker != nil {
		r.ticker.Stop()
	}
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-r.ticker.C:
			result, err := r.Tick(ctx, time.Now())
			if err != nil {
				r.log.Error("reaper tick failed", logger.Err(err))
				continue
			}
			r.log.Info("reaper tick complete",
				logger.Int("moved_to_expired", result.MovedToExpired),
				logger.Int("purged", result.Purged),
			)
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one reaping pass. It is exported so callers (tests, the
// `meshctl reap` administrative trigger) can run it synchronously without
// waiting for the ticker.
func (r *Reaper) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	var result TickResult

	for _, q := range sweepQueues {
		expired, err := r.store.ExpiredIn(ctx, q, now)
		if err != nil {
			return result, err
		}
		for _, b := range expired {
			if err := r.store.Move(ctx, b.BundleID, q, bundle.QueueExpired); err != nil {
				return result, err
			}
			result.MovedToExpired++
		}
	}

	cutoff := now.Add(-r.retention)
	overstayed, err := r.store.ExpiredIn(ctx, bundle.QueueExpired, cutoff)
	if err != nil {
		return result, err
	}
	for _, b := range overstayed {
		// DeleteFrom, not Delete: overstayed is drawn from the expired queue
		// specifically, and a bundle_id here could in principle still carry
		// a separate outbox membership (invariant 5) that retention purge
		// must never touch.
		if err := r.store.DeleteFrom(ctx, b.BundleID, bundle.QueueExpired); err != nil {
			return result, err
		}
		result.Purged++
	}

	if r.metrics != nil {
		r.metrics.RecordReaperTick(result.MovedToExpired, result.Purged)
	}
	return result, nil
}
