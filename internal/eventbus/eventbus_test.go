package eventbus

import (
	"testing"
	"time"

	"github.com/captap/captap/pkg/exchange"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := New(4)
	subA := bus.Subscribe()
	subB := bus.Subscribe()
	defer subA.Unsubscribe()
	defer subB.Unsubscribe()

	bus.Publish(exchange.Event{Kind: exchange.EventRequestStarted, ID: 1})

	for name, sub := range map[string]*Subscription{"A": subA, "B": subB} {
		select {
		case ev := <-sub.C:
			if ev.ID != 1 || ev.Kind != exchange.EventRequestStarted {
				t.Errorf("subscriber %s got unexpected event %+v", name, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s: timed out waiting for event", name)
		}
	}
}

func TestRequestStartedPrecedesCompleted(t *testing.T) {
	bus := New(8)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	bus.Publish(exchange.Event{Kind: exchange.EventRequestStarted, ID: 7})
	bus.Publish(exchange.Event{Kind: exchange.EventRequestCompleted, ID: 7})

	first := <-sub.C
	second := <-sub.C
	if first.Kind != exchange.EventRequestStarted {
		t.Errorf("expected REQUEST_STARTED first, got %v", first.Kind)
	}
	if second.Kind != exchange.EventRequestCompleted {
		t.Errorf("expected REQUEST_COMPLETED second, got %v", second.Kind)
	}
}

func TestOverflowDropsOldestAndSynthesizesLag(t *testing.T) {
	bus := New(2)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	// Fill the buffer, then push more to force an overflow.
	bus.Publish(exchange.Event{Kind: exchange.EventRequestStarted, ID: 1})
	bus.Publish(exchange.Event{Kind: exchange.EventRequestStarted, ID: 2})
	bus.Publish(exchange.Event{Kind: exchange.EventRequestStarted, ID: 3})

	var gotLag bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.C:
			if ev.Kind == exchange.EventLag {
				gotLag = true
				if ev.Dropped < 1 {
					t.Errorf("expected Dropped >= 1 on LAG event, got %d", ev.Dropped)
				}
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	if !gotLag {
		t.Error("expected a synthesized LAG event after overflow")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe()
	sub.Unsubscribe()

	bus.Publish(exchange.Event{Kind: exchange.EventRequestStarted, ID: 1})

	if _, ok := <-sub.C; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
}

func TestCloseClosesAllSubscriberChannels(t *testing.T) {
	bus := New(4)
	subA := bus.Subscribe()
	subB := bus.Subscribe()

	bus.Close()

	if _, ok := <-subA.C; ok {
		t.Error("expected subA channel closed after bus Close")
	}
	if _, ok := <-subB.C; ok {
		t.Error("expected subB channel closed after bus Close")
	}

	// Publish after Close must not panic.
	bus.Publish(exchange.Event{Kind: exchange.EventRequestStarted, ID: 1})
}
