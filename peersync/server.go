package peersync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/commons-mesh/bundleengine/bundle"
	"github.com/commons-mesh/bundleengine/intake"
	"github.com/commons-mesh/bundleengine/internal/logger"
	"github.com/commons-mesh/bundleengine/internal/metrics"
	"github.com/commons-mesh/bundleengine/policy"
	"github.com/commons-mesh/bundleengine/storage"
)

// defaultQueues is the index-exchange default scope (§4.9).
var defaultQueues = []bundle.Queue{bundle.QueueOutbox, bundle.QueuePending}

// Server answers peer sync RPCs against a Queue Store, applying the
// Forwarding Policy to every bundle it discloses. It holds no long-term
// locks and no per-call state survives past the handling of one frame (§5).
type Server struct {
	store          storage.Store
	intake         *intake.Pipeline
	trustThreshold float64
	now            func() time.Time
	log            logger.Logger
	metrics        *metrics.Collector

	upgrader websocket.Upgrader

	connMu sync.RWMutex
	conns  map[*websocket.Conn]bool
}

// NewServer constructs a peer sync server. trustThreshold overrides
// policy.DefaultTrustThreshold when non-zero (§6 trust_threshold). mc may be
// nil (tests and standalone callers that don't need Prometheus
// instrumentation).
func NewServer(store storage.Store, pipeline *intake.Pipeline, trustThreshold float64, log logger.Logger, mc *metrics.Collector) *Server {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Server{
		store:          store,
		intake:         pipeline,
		trustThreshold: trustThreshold,
		now:            time.Now,
		log:            log.WithFields(logger.String("component", "peersync-server")),
		metrics:        mc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]bool),
	}
}

// recordDecision logs a forwarding policy decision to the metrics
// collector, if one is configured (§6 stats forwarding counters).
func (s *Server) recordDecision(b *bundle.Bundle, d policy.Decision) {
	if s.metrics == nil {
		return
	}
	if d.Allowed {
		s.metrics.RecordForwardAllowed(string(b.Audience))
	} else {
		s.metrics.RecordForwardDenied(string(d.Reason))
	}
}

// Handler returns the HTTP handler that upgrades to a WebSocket peer
// session and serves RPCs on it until the connection closes.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, fmt.Sprintf("websocket upgrade failed: %v", err), http.StatusBadRequest)
			return
		}
		s.trackConn(conn, true)
		defer func() {
			s.trackConn(conn, false)
			_ = conn.Close()
		}()
		s.serveConn(r.Context(), conn)
	})
}

func (s *Server) trackConn(conn *websocket.Conn, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		s.conns[conn] = true
	} else {
		delete(s.conns, conn)
	}
}

// ConnectionCount reports the number of live peer sessions, for stats.
func (s *Server) ConnectionCount() int {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return len(s.conns)
}

func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("peer connection read error", logger.Err(err))
			}
			return
		}

		resp := s.handle(ctx, f)
		if err := conn.WriteJSON(resp); err != nil {
			s.log.Warn("peer connection write error", logger.Err(err))
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, f frame) frame {
	switch f.Method {
	case MethodIndex:
		return s.handleIndex(ctx, f)
	case MethodFetch:
		return s.handleFetch(ctx, f)
	case MethodPush:
		return s.handlePush(ctx, f)
	case MethodPull:
		return s.handlePull(ctx, f)
	default:
		return errorFrame(f.ID, f.Method, fmt.Errorf("%w: unknown method %q", bundle.ErrPeerProtocol, f.Method))
	}
}

func (s *Server) handleIndex(ctx context.Context, f frame) frame {
	var req IndexRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return errorFrame(f.ID, f.Method, fmt.Errorf("%w: %v", bundle.ErrPeerProtocol, err))
	}
	queues := req.Queues
	if len(queues) == 0 {
		queues = defaultQueues
	}

	var summaries []bundle.Summary
	for _, q := range queues {
		limit := req.Limit
		bundles, err := s.store.List(ctx, q, limit, 0)
		if err != nil {
			return errorFrame(f.ID, f.Method, err)
		}
		for _, b := range bundles {
			summaries = append(summaries, b.ToSummary())
		}
	}
	if summaries == nil {
		summaries = []bundle.Summary{}
	}
	return okFrame(f.ID, f.Method, IndexResponse{Summaries: summaries})
}

func (s *Server) handleFetch(ctx context.Context, f frame) frame {
	var req FetchRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return errorFrame(f.ID, f.Method, fmt.Errorf("%w: %v", bundle.ErrPeerProtocol, err))
	}

	peer := policy.Peer{IsLocal: req.Peer.IsLocal, TrustScore: req.Peer.TrustScore}
	now := s.now()

	var out []*bundle.Bundle
	for _, id := range req.BundleIDs {
		b, queue, err := s.lookup(ctx, id)
		if err != nil {
			continue // unknown id: omit silently, requester tolerates gaps
		}
		decision := policy.Evaluate(b, queue, peer, now, s.trustThreshold)
		s.recordDecision(b, decision)
		if !decision.Allowed {
			continue // policy denies: never returned to this peer
		}
		out = append(out, b)
	}
	if out == nil {
		out = []*bundle.Bundle{}
	}
	return okFrame(f.ID, f.Method, FetchResponse{Bundles: out})
}

func (s *Server) handlePush(ctx context.Context, f frame) frame {
	var req PushRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return errorFrame(f.ID, f.Method, fmt.Errorf("%w: %v", bundle.ErrPeerProtocol, err))
	}

	results, err := s.intake.SubmitBatch(ctx, req.Bundles, s.now())
	if err != nil {
		return errorFrame(f.ID, f.Method, err)
	}

	statuses := make([]PushStatus, len(results))
	for i, r := range results {
		st := PushStatus{BundleID: r.BundleID, Accepted: r.Outcome == intake.OutcomeAccepted}
		if r.Reason != nil {
			st.Reason = r.Reason.Error()
		}
		statuses[i] = st
	}
	return okFrame(f.ID, f.Method, PushResponse{Statuses: statuses})
}

func (s *Server) handlePull(ctx context.Context, f frame) frame {
	var req PullRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return errorFrame(f.ID, f.Method, fmt.Errorf("%w: %v", bundle.ErrPeerProtocol, err))
	}

	peer := policy.Peer{IsLocal: req.Peer.IsLocal, TrustScore: req.Peer.TrustScore}
	now := s.now()

	var candidates []*bundle.Bundle
	var queues []bundle.Queue
	for _, q := range defaultQueues {
		bundles, err := s.store.List(ctx, q, 0, 0)
		if err != nil {
			return errorFrame(f.ID, f.Method, err)
		}
		for _, b := range bundles {
			candidates = append(candidates, b)
			queues = append(queues, q)
		}
	}

	if s.metrics != nil {
		for i, b := range candidates {
			s.recordDecision(b, policy.Evaluate(b, queues[i], peer, now, s.trustThreshold))
		}
	}

	eligible := policy.SelectEligible(candidates, queues, peer, now, s.trustThreshold)
	max := req.Max
	if max <= 0 || max > len(eligible) {
		max = len(eligible)
	}
	selected := eligible[:max]
	if selected == nil {
		selected = []*bundle.Bundle{}
	}
	return okFrame(f.ID, f.Method, PullResponse{Bundles: selected})
}

// lookup finds a bundle and the queue it currently occupies. A bundle may
// simultaneously exist in outbox and inbox (invariant 5); fetch/pull only
// ever disclose the outbox/pending copy, so we check those first.
func (s *Server) lookup(ctx context.Context, id string) (*bundle.Bundle, bundle.Queue, error) {
	for _, q := range []bundle.Queue{bundle.QueueOutbox, bundle.QueuePending} {
		if ok, err := s.store.ExistsIn(ctx, id, q); err == nil && ok {
			b, err := s.store.Get(ctx, id)
			return b, q, err
		}
	}
	return nil, "", bundle.ErrNotFound
}

func okFrame(id string, method Method, payload interface{}) frame {
	data, err := json.Marshal(payload)
	if err != nil {
		return errorFrame(id, method, err)
	}
	return frame{ID: id, Method: method, Payload: data}
}

func errorFrame(id string, method Method, err error) frame {
	return frame{ID: id, Method: method, Error: err.Error()}
}
