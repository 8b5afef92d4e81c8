// Package hub implements the fan-out broadcast point that delivers decoded
// packet envelopes to N independent output sinks without blocking the
// decode path. Go has no native broadcast-with-skip primitive (unlike
// tokio::sync::broadcast), so each subscriber gets a bounded channel plus an
// atomic skip counter — the approximation SPEC_FULL.md's Design Notes
// pre-authorize.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/molqzone/ratitude/internal/registry"
)

// DefaultBuffer is the per-subscriber queue capacity used when a Hub is
// constructed with buffer <= 0.
const DefaultBuffer = 256

// Envelope is a decoded packet delivered on the hub.
type Envelope struct {
	ID        uint8
	Timestamp time.Time
	Payload   []byte
	Data      registry.DecodedData
}

type subscriber struct {
	ch  chan Envelope
	lag uint64
}

// Hub is a many-reader, single-logical-writer broadcast point. Publish is
// always non-blocking; slow subscribers skip envelopes and observe the skip
// count on their next Recv.
type Hub struct {
	mu       sync.RWMutex
	subs     map[int]*subscriber
	nextID   int
	buffer   int
	closed   bool
}

// New returns a Hub whose subscribers are each given a queue of the given
// buffer capacity (DefaultBuffer when buffer <= 0).
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[int]*subscriber), buffer: buffer}
}

// Publish delivers envelope to every current subscriber. It never blocks: a
// subscriber whose queue is full has its lag counter incremented instead of
// receiving this envelope.
func (h *Hub) Publish(envelope Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, s := range h.subs {
		select {
		case s.ch <- envelope:
		default:
			atomic.AddUint64(&s.lag, 1)
		}
	}
}

// Receiver is one subscriber's view of the hub.
type Receiver struct {
	hub *Hub
	id  int
	sub *subscriber
}

// Subscribe returns a new Receiver that observes envelopes published after
// this call; it never sees envelopes produced before Subscribe.
func (h *Hub) Subscribe() *Receiver {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscriber{ch: make(chan Envelope, h.buffer)}
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	if h.closed {
		close(sub.ch)
	}
	return &Receiver{hub: h, id: id, sub: sub}
}

// Unsubscribe removes the receiver from the hub; subsequent publishes no
// longer reach it.
func (r *Receiver) Unsubscribe() {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	delete(r.hub.subs, r.id)
}

// Recv blocks until an envelope arrives, the hub is closed, or ctx is done.
// lagged reports how many envelopes this receiver missed because its queue
// was full, counted since its previous Recv (zero when none were); closed is true once the hub has shut down and no
// further envelopes will arrive, in which case the returned Envelope is the
// zero value.
func (r *Receiver) Recv(ctx context.Context) (envelope Envelope, lagged uint64, closed bool, err error) {
	select {
	case e, ok := <-r.sub.ch:
		if !ok {
			return Envelope{}, 0, true, nil
		}
		return e, atomic.SwapUint64(&r.sub.lag, 0), false, nil
	case <-ctx.Done():
		return Envelope{}, 0, false, ctx.Err()
	}
}

// Close shuts down the hub: every current and future subscriber observes a
// terminal Closed on its next Recv.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, s := range h.subs {
		close(s.ch)
	}
}

// SubscriberCount reports the number of currently attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
