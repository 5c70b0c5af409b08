// Package ws fans pipeline streams out to live subscribers: a registry of
// connections with per-stream subscription sets, gorilla read/write pumps
// per connection, and a bridge that consumes the configured streams and
// broadcasts whatever arrives.
package ws

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/quantfleet/cascade/pkg/metrics"
)

// Conn is the send side of one subscriber as the registry drives it.
// *Client implements it over a websocket; tests substitute their own.
type Conn interface {
	ID() string
	// Enqueue hands the message to the connection's writer without
	// blocking. An error means the connection is wedged or closed.
	Enqueue(msg []byte) error
	// Close tears the connection down. Idempotent.
	Close()
}

// Registry tracks connections and their subscriptions. Every operation is
// serialized behind one lock; Broadcast snapshots its targets under the
// lock and sends after releasing it, so a failed send can re-enter
// Disconnect.
type Registry struct {
	log *zap.Logger

	mu    sync.Mutex
	conns map[string]Conn
	subs  map[string]map[string]Conn
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log:   log,
		conns: make(map[string]Conn),
		subs:  make(map[string]map[string]Conn),
	}
}

// Connect registers the connection. It receives broadcasts only for streams
// it subsequently subscribes to, plus the unscoped ones.
func (r *Registry) Connect(c Conn) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	total := len(r.conns)
	r.mu.Unlock()

	metrics.WSConnections.Inc()
	r.log.Debug("connection registered",
		zap.String("conn", c.ID()),
		zap.Int("total", total))
}

// Disconnect removes the connection from the registry and from every
// subscription set, then closes it. Unknown ids are a no-op.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	for stream, set := range r.subs {
		delete(set, id)
		if len(set) == 0 {
			delete(r.subs, stream)
		}
	}
	r.mu.Unlock()

	c.Close()
	metrics.WSConnections.Dec()
	r.log.Debug("connection removed", zap.String("conn", id))
}

// Subscribe adds the connection to the stream's subscriber set.
func (r *Registry) Subscribe(id, stream string) error {
	if stream == "" {
		return fmt.Errorf("stream name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("unknown connection %s", id)
	}
	set := r.subs[stream]
	if set == nil {
		set = make(map[string]Conn)
		r.subs[stream] = set
	}
	set[id] = c
	return nil
}

// Unsubscribe drops the connection from the stream's subscriber set.
func (r *Registry) Unsubscribe(id, stream string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.subs[stream]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.subs, stream)
		}
	}
}

// Broadcast sends to the stream's subscribers, or to every connection when
// stream is empty. A connection that cannot take the message is dropped;
// the others are unaffected.
func (r *Registry) Broadcast(msg []byte, stream string) {
	r.mu.Lock()
	var targets []Conn
	if stream == "" {
		targets = make([]Conn, 0, len(r.conns))
		for _, c := range r.conns {
			targets = append(targets, c)
		}
	} else {
		targets = make([]Conn, 0, len(r.subs[stream]))
		for _, c := range r.subs[stream] {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	for _, c := range targets {
		if err := c.Enqueue(msg); err != nil {
			r.log.Warn("send failed, dropping connection",
				zap.String("conn", c.ID()),
				zap.Error(err))
			r.Disconnect(c.ID())
		}
	}

	label := stream
	if label == "" {
		label = "all"
	}
	metrics.WSBroadcasts.WithLabelValues(label).Add(float64(len(targets)))
}

// Count reports registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Subscribers reports the stream's subscriber count.
func (r *Registry) Subscribers(stream string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[stream])
}
