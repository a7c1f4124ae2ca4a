// Package hub fans opportunity messages out to subscribers.
//
// Every subscriber owns a bounded queue. Publishing never blocks: when a
// queue is full its oldest non-heartbeat message is dropped and the
// subscriber is told so with a single error message per overflow episode.
// Joining delivers the current opportunity set before any incremental
// message, atomically with registration. The join snapshot is held apart from
// the queue, so it arrives whole however many opportunities are open.
package hub

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"trading-radar/internal/logger"
	"trading-radar/internal/model"
)

// lagSamples is how many recent publish delays Stats summarises.
const lagSamples = 10000

// Config sizes the hub.
type Config struct {
	QueueSize         int
	HeartbeatInterval time.Duration
}

func (c *Config) defaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
}

type entry struct {
	userID  string
	payload model.OpportunityPayload
}

// Hub tracks subscribers and the current opportunity set.
type Hub struct {
	cfg Config
	log *slog.Logger
	lag *lagWindow

	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	current map[string]entry // criterion id → last payload

	published atomic.Uint64
	dropped   atomic.Uint64

	// OnDrop is called for every message evicted from a full subscriber
	// queue. It runs on the publisher goroutine and must not block.
	OnDrop func(userID string, msg model.OpportunityMessage)
}

// Stats is a point-in-time view for the status endpoint.
type Stats struct {
	Subscribers   int    `json:"subscribers"`
	Opportunities int    `json:"opportunities"`
	Published     uint64 `json:"published"`
	Dropped       uint64 `json:"dropped"`
	Lag           Lag    `json:"lag"`
}

func New(cfg Config) *Hub {
	cfg.defaults()
	return &Hub{
		cfg:     cfg,
		log:     logger.Component("hub"),
		lag:     newLagWindow(lagSamples),
		subs:    make(map[*Subscription]struct{}),
		current: make(map[string]entry),
	}
}

// Subscribe registers a subscriber for userID. An empty userID receives
// every user's messages. The returned subscription already holds the
// current opportunity set as new_opportunity messages, ordered by id.
func (h *Hub) Subscribe(userID string) *Subscription {
	s := newSubscription(h, userID, h.cfg.QueueSize)

	h.mu.Lock()
	ids := make([]string, 0, len(h.current))
	for id, e := range h.current {
		if visible(e.userID, userID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	snap := make([]model.OpportunityMessage, len(ids))
	for i, id := range ids {
		e := h.current[id]
		snap[i] = model.NewOpportunity(e.userID, e.payload)
	}
	s.snap = snap
	if len(snap) > 0 {
		s.signal()
	}
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	h.log.Info("subscriber joined", "user", userID, "snapshot", len(ids), "subscribers", n)
	return s
}

// Publish records msg in the current state and enqueues it to every
// matching subscriber. It never blocks on a subscriber.
func (h *Hub) Publish(msg model.OpportunityMessage) {
	h.mu.Lock()
	switch msg.Type {
	case model.MsgNewOpportunity, model.MsgOpportunityUpdate:
		if msg.Opportunity != nil {
			h.current[msg.Opportunity.ID] = entry{userID: msg.UserID, payload: *msg.Opportunity}
		}
	case model.MsgRemoveOpportunity:
		delete(h.current, msg.ID)
	}
	for s := range h.subs {
		if visible(msg.UserID, s.userID) {
			s.enqueue(msg)
		}
	}
	h.mu.Unlock()

	h.published.Add(1)
	if msg.Opportunity != nil {
		h.lag.observe(msg.Opportunity.UpdatedAt, time.Now())
	}
}

// Run emits a heartbeat to every subscriber each interval until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			h.Publish(model.Heartbeat(now))
		}
	}
}

// Snapshot returns the current opportunities visible to userID, ordered by id.
func (h *Hub) Snapshot(userID string) []model.OpportunityPayload {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.OpportunityPayload, 0, len(h.current))
	for _, e := range h.current {
		if visible(e.userID, userID) {
			out = append(out, e.payload)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	st := Stats{Subscribers: len(h.subs), Opportunities: len(h.current)}
	h.mu.RUnlock()
	st.Published = h.published.Load()
	st.Dropped = h.dropped.Load()
	st.Lag = h.lag.summary()
	return st
}

// Shutdown closes every subscription.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		s.Close()
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()
	h.log.Info("subscriber left", "user", s.userID, "dropped", s.Dropped(), "subscribers", n)
}

func (h *Hub) drop(userID string, msg model.OpportunityMessage) {
	h.dropped.Add(1)
	if h.OnDrop != nil {
		h.OnDrop(userID, msg)
	}
}

// visible reports whether a message scoped to msgUser reaches a subscriber
// of subUser. Empty on either side matches everything.
func visible(msgUser, subUser string) bool {
	return msgUser == "" || subUser == "" || msgUser == subUser
}
