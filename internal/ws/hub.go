package ws

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

const (
	shardCount          = 32
	defaultWriteTimeout = 2 * time.Second
)

// Subscriber abstracts a streaming client. Send must honour the context deadline.
type Subscriber interface {
	Send(ctx context.Context, payload []byte) error
	Close()
}

// Stats summarises hub membership.
type Stats struct {
	Channels    int `json:"channels"`
	Subscribers int `json:"subscribers"`
	Memberships int `json:"memberships"`
}

// Hub fans payloads out to the subscribers of a channel. Channels live in shards so
// that unrelated channels never contend on the same lock.
type Hub struct {
	shards       [shardCount]shard
	members      sync.Map // Subscriber -> *membership
	writeTimeout time.Duration
	log          *slog.Logger
	metrics      *Metrics
}

type shard struct {
	mu       sync.Mutex
	channels map[string]*channel
}

type channel struct {
	mu   sync.RWMutex
	subs map[Subscriber]struct{}
}

type membership struct {
	mu       sync.Mutex
	channels map[string]struct{}
	// gone is set once the membership has left the members map.
	gone bool
}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithWriteTimeout bounds each subscriber write during Broadcast.
func WithWriteTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.log = logger
		}
	}
}

// WithMetrics records deliveries and evictions.
func WithMetrics(m *Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates an initialized Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{writeTimeout: defaultWriteTimeout, log: slog.Default()}
	for i := range h.shards {
		h.shards[i].channels = make(map[string]*channel)
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With("component", "hub")
	return h
}

func (h *Hub) shardFor(name string) *shard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(name))
	return &h.shards[f.Sum32()%shardCount]
}

// Subscribe registers sub under name. Subscribing twice is a no-op. The membership
// lock is held while the channel is joined so a concurrent Unsubscribe or eviction
// sees either none or both of the updates.
func (h *Hub) Subscribe(name string, sub Subscriber) {
	for {
		v, _ := h.members.LoadOrStore(sub, &membership{channels: make(map[string]struct{})})
		m := v.(*membership)
		m.mu.Lock()
		if m.gone {
			m.mu.Unlock()
			continue
		}
		m.channels[name] = struct{}{}
		h.join(name, sub)
		m.mu.Unlock()
		return
	}
}

func (h *Hub) join(name string, sub Subscriber) {
	s := h.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[name]
	if !ok {
		ch = &channel{subs: make(map[Subscriber]struct{})}
		s.channels[name] = ch
	}
	ch.mu.Lock()
	ch.subs[sub] = struct{}{}
	ch.mu.Unlock()
}

// Unsubscribe removes sub from every channel it joined.
func (h *Hub) Unsubscribe(sub Subscriber) {
	v, ok := h.members.Load(sub)
	if !ok {
		return
	}
	m := v.(*membership)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gone {
		return
	}
	for name := range m.channels {
		h.leave(name, sub)
	}
	m.gone = true
	h.members.CompareAndDelete(sub, m)
}

// UnsubscribeChannel removes sub from a single channel.
func (h *Hub) UnsubscribeChannel(name string, sub Subscriber) {
	v, ok := h.members.Load(sub)
	if !ok {
		h.leave(name, sub)
		return
	}
	m := v.(*membership)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
	h.leave(name, sub)
	if len(m.channels) == 0 && !m.gone {
		m.gone = true
		h.members.CompareAndDelete(sub, m)
	}
}

// leave drops sub from the channel and collects the channel once empty.
func (h *Hub) leave(name string, sub Subscriber) {
	s := h.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[name]
	if !ok {
		return
	}
	ch.mu.Lock()
	delete(ch.subs, sub)
	empty := len(ch.subs) == 0
	ch.mu.Unlock()
	if empty {
		delete(s.channels, name)
	}
}

func (h *Hub) snapshot(name string) []Subscriber {
	s := h.shardFor(name)
	s.mu.Lock()
	ch, ok := s.channels[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	subs := make([]Subscriber, 0, len(ch.subs))
	for sub := range ch.subs {
		subs = append(subs, sub)
	}
	return subs
}

type delivery struct {
	sub Subscriber
	err error
}

// Broadcast delivers payload to every current subscriber of name and returns how many
// accepted it. Writes run in parallel, each bounded by the hub write timeout; a
// subscriber that errors or does not finish in time is closed and removed. Nothing is
// buffered for subscribers that join later.
func (h *Hub) Broadcast(ctx context.Context, name string, payload []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	subs := h.snapshot(name)
	if len(subs) == 0 {
		return 0, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()

	results := make(chan delivery, len(subs))
	for _, sub := range subs {
		go func(sub Subscriber) {
			results <- delivery{sub: sub, err: sub.Send(sendCtx, payload)}
		}(sub)
	}

	pending := make(map[Subscriber]struct{}, len(subs))
	for _, sub := range subs {
		pending[sub] = struct{}{}
	}
	delivered := 0
	for len(pending) > 0 {
		select {
		case d := <-results:
			delete(pending, d.sub)
			if d.err != nil {
				h.evict(name, d.sub, d.err)
				continue
			}
			delivered++
		case <-sendCtx.Done():
			for sub := range pending {
				h.evict(name, sub, sendCtx.Err())
			}
			pending = nil
		}
	}
	h.metrics.observeBroadcast(delivered)
	if delivered == 0 && ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return delivered, nil
}

func (h *Hub) evict(name string, sub Subscriber, cause error) {
	h.log.Warn("evicting subscriber", "channel", name, "error", cause)
	h.metrics.observeEviction()
	sub.Close()
	h.Unsubscribe(sub)
}

// Stats reports current channel and subscriber counts.
func (h *Hub) Stats() Stats {
	var st Stats
	for i := range h.shards {
		s := &h.shards[i]
		s.mu.Lock()
		st.Channels += len(s.channels)
		for _, ch := range s.channels {
			ch.mu.RLock()
			st.Memberships += len(ch.subs)
			ch.mu.RUnlock()
		}
		s.mu.Unlock()
	}
	h.members.Range(func(_, _ any) bool {
		st.Subscribers++
		return true
	})
	return st
}
