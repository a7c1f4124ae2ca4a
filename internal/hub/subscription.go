package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"trading-radar/internal/model"
	"trading-radar/internal/ringbuf"
)

// ErrClosed is returned by Next once the subscription is closed.
var ErrClosed = errors.New("hub: subscription closed")

const overflowMessage = "subscriber queue overflow: messages dropped"

// Subscription is one subscriber's bounded view of the hub.
type Subscription struct {
	hub    *Hub
	userID string
	q      *ringbuf.Ring[model.OpportunityMessage]

	// snap is the join snapshot. It is delivered ahead of the queue and does
	// not count against its bound.
	smu  sync.Mutex
	snap []model.OpportunityMessage

	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	// errPending is set while an overflow error sits in the queue.
	errPending atomic.Bool
	dropped    atomic.Uint64
}

func newSubscription(h *Hub, userID string, size int) *Subscription {
	return &Subscription{
		hub:    h,
		userID: userID,
		q:      ringbuf.New[model.OpportunityMessage](size),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// heartbeats and overflow errors are never evicted in favour of data.
func evictable(m model.OpportunityMessage) bool {
	return m.Type != model.MsgHeartbeat && m.Type != model.MsgError
}

func (s *Subscription) enqueue(msg model.OpportunityMessage) {
	evicted, ok := s.q.PushEvict(msg, evictable)
	if ok {
		if evicted.Type == model.MsgError {
			s.errPending.Store(false)
		}
		s.evicted(evicted)
		if s.errPending.CompareAndSwap(false, true) {
			if ev, ok := s.q.PushEvict(model.ErrorMessage(overflowMessage), evictable); ok {
				s.evicted(ev)
			}
		}
	}
	s.signal()
}

func (s *Subscription) evicted(msg model.OpportunityMessage) {
	s.dropped.Add(1)
	s.hub.drop(s.userID, msg)
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// UserID is the user this subscription is scoped to; empty for the firehose.
func (s *Subscription) UserID() string { return s.userID }

// TryNext pops the oldest queued message without blocking.
func (s *Subscription) TryNext() (model.OpportunityMessage, bool) {
	s.smu.Lock()
	if len(s.snap) > 0 {
		m := s.snap[0]
		s.snap[0] = model.OpportunityMessage{}
		s.snap = s.snap[1:]
		s.smu.Unlock()
		return m, true
	}
	s.smu.Unlock()

	m, ok := s.q.Pop()
	if ok && m.Type == model.MsgError {
		s.errPending.Store(false)
	}
	return m, ok
}

// Next blocks until a message is available, ctx is done or the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (model.OpportunityMessage, error) {
	for {
		if m, ok := s.TryNext(); ok {
			return m, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			return model.OpportunityMessage{}, ErrClosed
		case <-ctx.Done():
			return model.OpportunityMessage{}, ctx.Err()
		}
	}
}

// C is signalled whenever messages were enqueued. Several enqueues may
// collapse into one signal, so readers drain with TryNext.
func (s *Subscription) C() <-chan struct{} { return s.notify }

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Len returns the number of queued messages, snapshot included.
func (s *Subscription) Len() int {
	s.smu.Lock()
	n := len(s.snap)
	s.smu.Unlock()
	return n + s.q.Len()
}

// Dropped returns how many messages were evicted from this queue.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription and releases its queue. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
		s.smu.Lock()
		s.snap = nil
		s.smu.Unlock()
		s.q.Drain()
	})
}
