// Package peersync implements the Peer Sync Protocol (§4.9): a stateless
// pairwise request/response protocol over a persistent WebSocket connection.
// An engine is both client and server — index exchange, selective fetch,
// selective push, and pull all run over the same duplex connection, each
// call correlated by a request id so responses can be matched out of order.
package peersync

import (
	"encoding/json"
	"time"

	"github.com/commons-mesh/bundleengine/bundle"
)

// Method names the four RPCs a peer sync frame may carry.
type Method string

const (
	MethodIndex Method = "index"
	MethodFetch Method = "fetch"
	MethodPush  Method = "push"
	MethodPull  Method = "pull"
)

// Default per-RPC deadlines (§5 "Cancellation & timeouts").
const (
	DefaultIndexTimeout = 30 * time.Second
	DefaultFetchTimeout = 120 * time.Second
)

// PeerDescriptor is the caller-supplied descriptor a request is evaluated
// against by the Forwarding Policy (§4.7). It travels with fetch and pull
// requests because the server must apply the *requesting* peer's
// descriptor, not its own.
type PeerDescriptor struct {
	IsLocal    bool    `json:"isLocal"`
	TrustScore float64 `json:"trustScore"`
}

// IndexRequest asks for a metadata summary of bundles in the given queues
// (default outbox+pending).
type IndexRequest struct {
	Queues []bundle.Queue `json:"queues,omitempty"`
	Limit  int            `json:"limit,omitempty"`
}

// IndexResponse carries existence/metadata only, never content (§4.9).
type IndexResponse struct {
	Summaries []bundle.Summary `json:"summaries"`
}

// FetchRequest asks the server for the full envelopes of specific ids.
type FetchRequest struct {
	BundleIDs []string       `json:"bundleIds"`
	Peer      PeerDescriptor `json:"peer"`
}

// FetchResponse omits ids that failed any server-side check; the requester
// must tolerate gaps (§4.9).
type FetchResponse struct {
	Bundles []*bundle.Bundle `json:"bundles"`
}

// PushRequest submits a batch of full envelopes for the server's Intake
// Pipeline to evaluate independently.
type PushRequest struct {
	Bundles []*bundle.Bundle `json:"bundles"`
}

// PushStatus is the per-bundle accepted/rejected verdict (§4.9).
type PushStatus struct {
	BundleID string `json:"bundleId"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// PushResponse reports one status per submitted bundle, in submission order.
type PushResponse struct {
	Statuses []PushStatus `json:"statuses"`
}

// PullRequest asks the peer for up to Max bundles it believes eligible for
// the requester, evaluated with the requester's own descriptor.
type PullRequest struct {
	Max  int            `json:"max"`
	Peer PeerDescriptor `json:"peer"`
}

// PullResponse streams the selected envelopes, already in forwarding order.
type PullResponse struct {
	Bundles []*bundle.Bundle `json:"bundles"`
}

// frame is the wire envelope every RPC call and response travels in over
// the WebSocket connection: one correlation id, one method, one JSON
// payload, in either direction.
type frame struct {
	ID     string `json:"id"`
	Method Method `json:"method"`
	// Payload carries the request on the way out, the response (or error)
	// on the way back; callers know which shape to expect from Method.
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}
