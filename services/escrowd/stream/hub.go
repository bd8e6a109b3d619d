// Package stream fans committed transaction changes out to connected
// clients. Each subscriber owns a bounded ring; a slow reader loses its
// oldest undelivered events rather than blocking the coordinator.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"escrowmarket/models"
	"escrowmarket/observability/metrics"
)

// Event is one committed change to a transaction.
type Event struct {
	Sequence      int64                    `json:"sequence"`
	TransactionID uuid.UUID                `json:"transaction_id"`
	Status        models.TransactionStatus `json:"status"`
	EscrowStatus  models.EscrowStatus      `json:"escrow_status"`
	Transaction   models.Transaction       `json:"transaction"`
	CreatedAt     time.Time                `json:"created_at"`
}

// Filter selects which events a subscriber receives. The zero UserID matches
// nothing; TransactionID narrows to a single transaction when set.
type Filter struct {
	UserID        uuid.UUID
	TransactionID uuid.UUID
}

func (f Filter) match(evt Event) bool {
	txn := evt.Transaction
	if f.UserID == uuid.Nil || (f.UserID != txn.BuyerID && f.UserID != txn.SellerID) {
		return false
	}
	return f.TransactionID == uuid.Nil || f.TransactionID == evt.TransactionID
}

const (
	defaultBuffer  = 64
	defaultHistory = 256
)

// Option adjusts a Hub.
type Option func(*Hub)

// WithBuffer sets the per-subscriber ring size.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithHistory sets how many recent events are replayed to new subscribers.
func WithHistory(n int) Option {
	return func(h *Hub) {
		if n >= 0 {
			h.history = newRing[Event](n)
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
	}
}

// Hub implements escrow.Notifier.
type Hub struct {
	mu      sync.Mutex
	seq     int64
	buffer  int
	history ring[Event]
	subs    map[*Subscription]struct{}
	now     func() time.Time
	closed  bool
}

// NewHub constructs an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		buffer:  defaultBuffer,
		history: newRing[Event](defaultHistory),
		subs:    make(map[*Subscription]struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish records txn and hands it to every matching subscriber.
func (h *Hub) Publish(txn models.Transaction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.seq++
	evt := Event{
		Sequence:      h.seq,
		TransactionID: txn.ID,
		Status:        txn.Status,
		EscrowStatus:  txn.EscrowStatus,
		Transaction:   txn,
		CreatedAt:     h.now().UTC(),
	}
	if h.history.capacity() > 0 {
		h.history.push(evt)
	}
	for sub := range h.subs {
		if sub.filter.match(evt) {
			sub.deliver(evt)
		}
	}
}

// Subscribe registers a subscriber. Events newer than since that are still in
// history are queued first, so a reconnecting client can resume.
func (h *Hub) Subscribe(filter Filter, since int64) *Subscription {
	sub := &Subscription{
		hub:    h,
		filter: filter,
		queue:  newRing[Event](h.buffer),
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.done)
		return sub
	}
	if since > 0 {
		h.history.forEach(func(evt Event) {
			if evt.Sequence > since && filter.match(evt) {
				sub.deliver(evt)
			}
		})
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		sub.closeLocked()
	}
	h.subs = nil
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		sub.closeLocked()
	}
}

// Subscription is a single consumer of the hub.
type Subscription struct {
	hub    *Hub
	filter Filter
	mu     sync.Mutex
	queue  ring[Event]
	ready  chan struct{}
	done   chan struct{}
	once   sync.Once
	lost   int
}

func (s *Subscription) deliver(evt Event) {
	s.mu.Lock()
	if _, dropped := s.queue.push(evt); dropped {
		s.lost++
		metrics.Escrow().IncStreamDropped("overflow")
	}
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the subscription is closed or
// ctx is done.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		evt, ok := s.queue.pop()
		s.mu.Unlock()
		if ok {
			return evt, true
		}
		select {
		case <-s.ready:
		case <-s.done:
			return Event{}, false
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// Dropped reports how many events overflowed this subscriber's ring.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() { close(s.done) })
}
