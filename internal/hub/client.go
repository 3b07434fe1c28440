package hub

import (
	"sync"

	"github.com/companionhq/companion/internal/metrics"
)

// outboundQueueCap bounds each client's unsent frame queue. A slow
// client loses its oldest unsent frames first and recovers by
// re-requesting a snapshot.
const outboundQueueCap = 64

// Client is one WebSocket connection's state. Auth and subscription
// fields are only touched from the client's own read loop and from the
// hub under its client-map lock.
type Client struct {
	ID           string
	ListenerPort int

	mu                sync.Mutex
	authenticated     bool
	subscribed        bool
	subscribedSession string // empty means all sessions
	deviceID          string

	queue  []Outbound
	kick   chan struct{}
	closed bool
}

func newClient(id string, port int) *Client {
	return &Client{
		ID:           id,
		ListenerPort: port,
		kick:         make(chan struct{}, 1),
	}
}

// Authenticated reports whether the client has presented a valid token.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) setAuthenticated(ok bool, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = ok
	if deviceID != "" {
		c.deviceID = deviceID
	}
}

func (c *Client) setSubscription(subscribed bool, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = subscribed
	c.subscribedSession = sessionID
}

// wantsBroadcast applies the subscription filter: subscribed, and
// either no session filter or a matching one. invert delivers to the
// complement (other_session_activity).
func (c *Client) wantsBroadcast(sessionID string, invert bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authenticated || !c.subscribed {
		return false
	}
	if c.subscribedSession == "" {
		return !invert
	}
	match := c.subscribedSession == sessionID
	if invert {
		return !match
	}
	return match
}

// enqueue appends an outbound frame, dropping the oldest unsent frame
// when the queue is full. Never blocks.
func (c *Client) enqueue(out Outbound) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.queue) >= outboundQueueCap {
		c.queue = c.queue[1:]
		metrics.BroadcastsDropped.Inc()
	}
	c.queue = append(c.queue, out)
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// dequeue pops the next unsent frame.
func (c *Client) dequeue() (Outbound, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return Outbound{}, false
	}
	out := c.queue[0]
	c.queue = c.queue[1:]
	return out, true
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
