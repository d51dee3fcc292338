package transport

import (
	"context"
	"sync"

	"github.com/juju/errors"
)

// Hub is in-memory broker with exact topic routing.
// Publish blocks while subscriber inbox is full, like QOS 1 flow.
type Hub struct {
	mu      sync.Mutex
	conns   map[string]*HubConn
	subs    map[string]map[*HubConn]struct{}
	observe func(clientID string, m Message)
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*HubConn),
		subs:  make(map[string]map[*HubConn]struct{}),
	}
}

// Observe installs hook called for every publish before delivery.
func (h *Hub) Observe(f func(clientID string, m Message)) {
	h.mu.Lock()
	h.observe = f
	h.mu.Unlock()
}

func (h *Hub) Factory() Factory {
	return func(clientID string) (Transport, error) { return h.Dial(clientID), nil }
}

func (h *Hub) Dial(clientID string) *HubConn {
	return &HubConn{
		hub:   h,
		id:    clientID,
		inbox: make(chan Message, inboxSize),
		done:  make(chan struct{}),
	}
}

// Drop simulates connection loss of client.
func (h *Hub) Drop(clientID string) bool {
	h.mu.Lock()
	c, ok := h.conns[clientID]
	h.mu.Unlock()
	if ok {
		_ = c.Close()
	}
	return ok
}

// Subscribers returns number of connections subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

func (h *Hub) register(c *HubConn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ex, ok := h.conns[c.id]; ok && ex != c {
		// clientid overtake like real broker
		go ex.Close()
	}
	h.conns[c.id] = c
	return nil
}

func (h *Hub) unregister(c *HubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.id] == c {
		delete(h.conns, c.id)
	}
	for topic, set := range h.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, topic)
		}
	}
}

func (h *Hub) subscribe(c *HubConn, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		set, ok := h.subs[topic]
		if !ok {
			set = make(map[*HubConn]struct{})
			h.subs[topic] = set
		}
		set[c] = struct{}{}
	}
}

func (h *Hub) publish(ctx context.Context, from *HubConn, topic string, payload []byte) error {
	h.mu.Lock()
	targets := make([]*HubConn, 0, len(h.subs[topic]))
	for c := range h.subs[topic] {
		targets = append(targets, c)
	}
	observe := h.observe
	h.mu.Unlock()

	m := copyMessage(topic, payload)
	if observe != nil {
		observe(from.id, m)
	}
	for _, c := range targets {
		select {
		case c.inbox <- m:
		case <-c.done: // receiver gone, like broker dropping session
		case <-from.done:
			return ErrClosed
		case <-ctx.Done():
			return errors.Annotatef(ctx.Err(), "hub publish topic=%s", topic)
		}
	}
	return nil
}

type HubConn struct {
	hub       *Hub
	id        string
	inbox     chan Message
	done      chan struct{}
	once      sync.Once
	mu        sync.Mutex
	connected bool
}

func (c *HubConn) ClientID() string { return c.id }

func (c *HubConn) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return c.hub.register(c)
}

func (c *HubConn) Subscribe(ctx context.Context, topics ...string) error {
	if !c.IsConnected() {
		return ErrClosed
	}
	c.hub.subscribe(c, topics)
	return nil
}

func (c *HubConn) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.IsConnected() {
		return ErrClosed
	}
	return c.hub.publish(ctx, c, topic, payload)
}

func (c *HubConn) Messages() <-chan Message { return c.inbox }

func (c *HubConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *HubConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		close(c.done)
		c.hub.unregister(c)
	})
	return nil
}
