package events

import (
	"testing"
	"time"
)

func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventPositionClosed, func(e Event) { got <- e })

	bus.PublishPosition(EventPositionClosed, PositionEvent{Symbol: "BTCUSDT", Reason: "take_profit"})

	select {
	case e := <-got:
		if e.Type != EventPositionClosed {
			t.Errorf("type = %v, want %v", e.Type, EventPositionClosed)
		}
		if e.Position == nil || e.Position.Symbol != "BTCUSDT" {
			t.Errorf("payload = %+v", e.Position)
		}
		if e.ID == "" {
			t.Error("event ID not assigned")
		}
		if e.Timestamp.IsZero() {
			t.Error("event timestamp not assigned")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestSubscribeIgnoresOtherTypes(t *testing.T) {
	bus := NewBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventPositionClosed, func(e Event) { got <- e })

	bus.PublishPosition(EventPositionOpened, PositionEvent{Symbol: "BTCUSDT"})

	select {
	case e := <-got:
		t.Errorf("received unrelated event %v", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewBus()
	got := make(chan Event, 2)
	bus.SubscribeAll(func(e Event) { got <- e })

	bus.PublishGatewayCall(GatewayEvent{Operation: "PlaceOrder", Attempt: 1, Outcome: "ok"})
	bus.PublishBreakerState("open")

	types := map[EventType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-got:
			types[e.Type] = true
		case <-time.After(time.Second):
			t.Fatal("catch-all subscriber missed an event")
		}
	}
	if !types[EventGatewayCall] || !types[EventBreakerStateChanged] {
		t.Errorf("received types %v, want gateway call and breaker change", types)
	}
}
