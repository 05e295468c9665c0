package peersync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/commons-mesh/bundleengine/bundle"
)

// Client drives the four peer sync RPCs against a remote engine over a
// single persistent WebSocket connection. Every call carries its own
// deadline (§5); on timeout the client drops the partial result and the
// caller is expected to retry later with backoff.
type Client struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan frame
}

// Dial opens a peer sync session against a remote engine's sync endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", bundle.ErrPeerTimeout, url, err)
	}
	c := &Client{conn: conn, pending: make(map[string]chan frame)}
	go c.readLoop()
	return c, nil
}

// Close terminates the underlying WebSocket connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = make(map[string]chan frame)
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
			close(ch)
		}
	}
}

// call sends method+payload and waits for the matching response, honoring
// ctx's deadline. On timeout it discards the pending slot and returns
// bundle.ErrPeerTimeout.
func (c *Client) call(ctx context.Context, method Method, payload interface{}) (frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return frame{}, fmt.Errorf("%w: %v", bundle.ErrPeerProtocol, err)
	}
	id := uuid.NewString()
	req := frame{ID: id, Method: method, Payload: data}

	ch := make(chan frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.conn.WriteJSON(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return frame{}, fmt.Errorf("%w: %v", bundle.ErrPeerProtocol, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return frame{}, fmt.Errorf("%w: connection closed", bundle.ErrPeerProtocol)
		}
		if resp.Error != "" {
			return frame{}, fmt.Errorf("%w: %s", bundle.ErrPeerProtocol, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return frame{}, fmt.Errorf("%w: %v", bundle.ErrPeerTimeout, ctx.Err())
	}
}

// Index requests a metadata index from the remote peer, filtered by queue
// (default outbox+pending) and limit.
func (c *Client) Index(ctx context.Context, req IndexRequest) (*IndexResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultIndexTimeout)
	defer cancel()

	resp, err := c.call(ctx, MethodIndex, req)
	if err != nil {
		return nil, err
	}
	var out IndexResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", bundle.ErrPeerProtocol, err)
	}
	return &out, nil
}

// Fetch requests the full envelopes for specific ids, evaluated against the
// remote peer's forwarding policy for the descriptor this client presents.
// Every returned bundle has taken one hop across this link, so the client
// increments hopCount before handing it back (§4.7, §4.9): the caller stores
// exactly what it received, with no separate bookkeeping step to forget.
func (c *Client) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultFetchTimeout)
	defer cancel()

	resp, err := c.call(ctx, MethodFetch, req)
	if err != nil {
		return nil, err
	}
	var out FetchResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", bundle.ErrPeerProtocol, err)
	}
	for i, b := range out.Bundles {
		out.Bundles[i] = b.WithIncrementedHop()
	}
	return &out, nil
}

// Push submits a batch of full envelopes for the remote peer's intake
// pipeline to evaluate, returning a per-bundle accepted/rejected status.
func (c *Client) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultFetchTimeout)
	defer cancel()

	resp, err := c.call(ctx, MethodPush, req)
	if err != nil {
		return nil, err
	}
	var out PushResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", bundle.ErrPeerProtocol, err)
	}
	return &out, nil
}

// Pull asks the remote peer for up to req.Max bundles it believes eligible
// for this client. As with Fetch, each returned bundle has taken one hop
// across this link, so the client increments hopCount before handing it
// back (§4.7, §4.9).
func (c *Client) Pull(ctx context.Context, req PullRequest) (*PullResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultFetchTimeout)
	defer cancel()

	resp, err := c.call(ctx, MethodPull, req)
	if err != nil {
		return nil, err
	}
	var out PullResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", bundle.ErrPeerProtocol, err)
	}
	for i, b := range out.Bundles {
		out.Bundles[i] = b.WithIncrementedHop()
	}
	return &out, nil
}
