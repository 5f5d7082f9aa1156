// Package hub fans engine events out to currently connected observers.
//
// Delivery is best-effort: each observer owns a buffered channel, a full
// buffer drops the event for that observer only, and an observer that
// keeps dropping is pruned. Fan-out is purely additive; nothing in the
// engine depends on an event arriving.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/patternmesh/patternd/internal/domain"
	"go.uber.org/zap"
)

const (
	// observerBuffer absorbs bursts so one broadcast never waits on a
	// socket write.
	observerBuffer = 64
	// maxConsecutiveDrops is how many full-buffer drops in a row mark an
	// observer dead.
	maxConsecutiveDrops = 32
)

// Observer is one attached consumer's handle. Read events from Events;
// the channel closes when the hub prunes or unsubscribes the observer.
type Observer struct {
	ch    chan domain.Event
	drops atomic.Int32
}

// Events returns the observer's receive channel.
func (o *Observer) Events() <-chan domain.Event {
	return o.ch
}

// Hub is a concurrent-safe set of observer handles.
type Hub struct {
	logger *zap.Logger

	mu        sync.RWMutex
	observers map[*Observer]struct{}
}

// New creates an empty hub.
func New(logger *zap.Logger) *Hub {
	return &Hub{
		logger:    logger,
		observers: make(map[*Observer]struct{}),
	}
}

// Subscribe attaches a new observer. The caller must Unsubscribe when done.
func (h *Hub) Subscribe() *Observer {
	o := &Observer{ch: make(chan domain.Event, observerBuffer)}
	h.mu.Lock()
	h.observers[o] = struct{}{}
	h.mu.Unlock()
	return o
}

// Unsubscribe detaches an observer and closes its channel. Safe to call
// more than once; only the call that removes the handle closes it.
func (h *Hub) Unsubscribe(o *Observer) {
	h.mu.Lock()
	_, ok := h.observers[o]
	if ok {
		delete(h.observers, o)
	}
	h.mu.Unlock()
	if ok {
		close(o.ch)
	}
}

// Count returns the number of attached observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Broadcast sends an event to every observer. Sends are non-blocking: a
// full buffer drops the event for that observer. The read lock is held
// across the send loop so an Unsubscribe cannot close a channel
// mid-delivery; dead observers are pruned afterwards.
func (h *Hub) Broadcast(e domain.Event) {
	var dead []*Observer

	h.mu.RLock()
	for o := range h.observers {
		select {
		case o.ch <- e:
			o.drops.Store(0)
		default:
			if o.drops.Add(1) >= maxConsecutiveDrops {
				dead = append(dead, o)
			}
		}
	}
	h.mu.RUnlock()

	for _, o := range dead {
		h.logger.Warn("pruning unresponsive observer")
		h.Unsubscribe(o)
	}
}

// Close detaches every observer, closing their channels.
func (h *Hub) Close() {
	h.mu.Lock()
	observers := h.observers
	h.observers = make(map[*Observer]struct{})
	h.mu.Unlock()

	for o := range observers {
		close(o.ch)
	}
}
