// Package eventbus implements the EventBus described in spec.md §4.5: an
// in-process broadcast of request lifecycle events to any number of
// subscribers, each with its own bounded queue. A slow subscriber never
// blocks the proxy engine or other subscribers; instead its oldest queued
// event is dropped and a synthetic LAG event records how many were lost.
//
// The broadcast-to-many-buffered-channels shape follows the teacher's
// WebsocketHub (internal/web/websocket.go), generalized from websocket
// connections to plain Go channels so it has no transport dependency.
package eventbus

import (
	"sync"

	"github.com/captap/captap/pkg/exchange"
)

// DefaultBufferSize is the per-subscriber channel capacity used when a
// caller does not specify one.
const DefaultBufferSize = 1024

// Subscription is a live EventBus subscriber. Events arrive on C; the
// subscriber must call Unsubscribe when done to release its slot.
type Subscription struct {
	C <-chan exchange.Event

	bus *Bus
	ch  chan exchange.Event
}

// Unsubscribe removes this subscription from the bus and closes its
// channel, so later Publish calls no longer deliver to it.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}

// Bus is the EventBus: Publish is called by the proxy engine on every
// lifecycle transition; Subscribe is called by the bridge (and tests) to
// receive the stream.
type Bus struct {
	mu         sync.Mutex
	subs       map[*Subscription]int // value tracks dropped-event count since last successful send
	bufferSize int
	closed     bool
}

// New builds a Bus whose subscriber channels are buffered to bufferSize
// (DefaultBufferSize if <= 0).
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subs:       make(map[*Subscription]int),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a new subscriber and returns its Subscription.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan exchange.Event, b.bufferSize)
	sub := &Subscription{C: ch, bus: b, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = 0
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish broadcasts ev to every current subscriber. A subscriber whose
// buffer is full has its oldest queued event dropped to make room, and a
// synthetic LAG event carrying the number of events it missed is queued
// in place of ev (see deliverLocked).
//
// Ordering guarantee (spec.md §4.5): because Publish iterates subscribers
// while holding the bus lock and each subscriber's channel preserves FIFO
// order, REQUEST_STARTED for a given id is always enqueued, and therefore
// always delivered, before REQUEST_COMPLETED/REQUEST_FAILED for that same
// id, as long as the proxy engine calls Publish in that order.
func (b *Bus) Publish(ev exchange.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub, dropped := range b.subs {
		b.subs[sub] = b.deliverLocked(sub, ev, dropped)
	}
}

// deliverLocked attempts to send ev on sub's channel. When the channel is
// full it drops the oldest queued event to make room, then substitutes a
// LAG event (carrying the accumulated drop count) for ev itself, since ev
// has effectively arrived too late to matter next to a backlog. The drop
// count resets to zero once a LAG event is successfully queued, and
// returns the subscriber's updated dropped-event count. Caller must hold
// b.mu.
func (b *Bus) deliverLocked(sub *Subscription, ev exchange.Event, dropped int) int {
	select {
	case sub.ch <- ev:
		return dropped
	default:
	}

	select {
	case old := <-sub.ch:
		if old.Kind == exchange.EventLag {
			// The evicted LAG's count carries over into the new one.
			dropped += old.Dropped
		} else {
			dropped++
		}
	default:
	}
	// ev itself is replaced by the LAG event, so it is missed too.
	dropped++

	lag := exchange.Event{Kind: exchange.EventLag, Dropped: dropped}
	select {
	case sub.ch <- lag:
		return 0
	default:
		return dropped
	}
}

// Close shuts down the bus and every active subscriber channel. Publish
// becomes a no-op afterward.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*Subscription]int)
}
