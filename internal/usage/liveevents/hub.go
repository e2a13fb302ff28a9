// Package liveevents fans recorded usage out to per-company subscribers.
// Each company keeps a bounded ring of recent events that new subscribers
// replay before receiving live ones. A subscriber may narrow the stream to
// a set of features.
package liveevents

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/smallbiznis/walletledger/internal/config"
)

const (
	StatusRecorded     = "recorded"
	StatusDeduplicated = "deduplicated"
)

const (
	DefaultBacklog          = 50
	DefaultSubscriberBuffer = 16
)

var (
	ErrHubUnavailable = errors.New("live_events_unavailable")
	ErrInvalidStream  = errors.New("invalid_stream_key")
)

type LiveEvent struct {
	RecordID   string `json:"record_id,omitempty"`
	Feature    string `json:"feature"`
	Quantity   int64  `json:"quantity"`
	TotalCost  int64  `json:"total_cost"`
	OccurredAt string `json:"occurred_at"`
	Status     string `json:"status"`
}

type Options struct {
	// Backlog is how many recent events per company are replayed.
	Backlog int
	// SubscriberBuffer bounds each subscriber queue. Events for a full
	// queue are dropped and counted.
	SubscriberBuffer int
}

func (o Options) withDefaults() Options {
	if o.Backlog <= 0 {
		o.Backlog = DefaultBacklog
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return o
}

type Hub struct {
	mu        sync.Mutex
	opts      Options
	companies map[string]*companyStream
}

// companyStream exists only while the company has subscribers.
type companyStream struct {
	ring []LiveEvent
	head int
	subs map[*Subscription]struct{}
}

type Subscription struct {
	hub      *Hub
	key      string
	features map[string]struct{}
	ch       chan LiveEvent
	dropped  atomic.Uint64
	once     sync.Once
}

func NewHub(opts Options) *Hub {
	return &Hub{
		opts:      opts.withDefaults(),
		companies: make(map[string]*companyStream),
	}
}

// ProvideHub sizes the hub from the service configuration.
func ProvideHub(cfg config.Config) *Hub {
	return NewHub(Options{
		Backlog:          cfg.UsageLiveBacklog,
		SubscriberBuffer: cfg.UsageLiveBuffer,
	})
}

// Publish records the event in the company ring and offers it to every
// matching subscriber without blocking. Companies nobody listens to keep
// nothing.
func (h *Hub) Publish(companyKey string, event LiveEvent) {
	if h == nil {
		return
	}
	key := strings.TrimSpace(companyKey)
	if key == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	stream := h.companies[key]
	if stream == nil {
		return
	}
	stream.remember(event, h.opts.Backlog)
	for sub := range stream.subs {
		if !sub.wants(event.Feature) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribe opens a stream for the company, optionally limited to
// features, and returns the matching backlog oldest first.
func (h *Hub) Subscribe(companyKey string, features ...string) (*Subscription, []LiveEvent, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}
	key := strings.TrimSpace(companyKey)
	if key == "" {
		return nil, nil, ErrInvalidStream
	}

	sub := &Subscription{
		hub: h,
		key: key,
		ch:  make(chan LiveEvent, h.opts.SubscriberBuffer),
	}
	for _, feature := range features {
		feature = strings.TrimSpace(feature)
		if feature == "" {
			continue
		}
		if sub.features == nil {
			sub.features = make(map[string]struct{})
		}
		sub.features[feature] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	stream := h.companies[key]
	if stream == nil {
		stream = &companyStream{subs: make(map[*Subscription]struct{})}
		h.companies[key] = stream
	}
	stream.subs[sub] = struct{}{}
	return sub, stream.replay(sub), nil
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	stream := h.companies[sub.key]
	if stream == nil {
		return
	}
	delete(stream.subs, sub)
	if len(stream.subs) == 0 {
		delete(h.companies, sub.key)
	}
}

func (c *companyStream) remember(event LiveEvent, limit int) {
	if len(c.ring) < limit {
		c.ring = append(c.ring, event)
		return
	}
	c.ring[c.head] = event
	c.head = (c.head + 1) % limit
}

func (c *companyStream) replay(sub *Subscription) []LiveEvent {
	out := make([]LiveEvent, 0, len(c.ring))
	for i := range c.ring {
		event := c.ring[(c.head+i)%len(c.ring)]
		if sub.wants(event.Feature) {
			out = append(out, event)
		}
	}
	return out
}

func (s *Subscription) wants(feature string) bool {
	if len(s.features) == 0 {
		return true
	}
	_, ok := s.features[feature]
	return ok
}

func (s *Subscription) Events() <-chan LiveEvent {
	if s == nil {
		return nil
	}
	return s.ch
}

// Dropped is the number of events lost to a full queue.
func (s *Subscription) Dropped() uint64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s)
	})
}
