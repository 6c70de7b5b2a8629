package notify

import (
	"context"
	"testing"
	"time"
)

func recv(t *testing.T, c <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-c:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestMemoryBrokerFanOut(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	s1, err := b.Subscribe(ctx, ScopeOrder, "o1")
	if err != nil {
		t.Fatal(err)
	}
	defer s1.Close()
	s2, err := b.Subscribe(ctx, ScopeOrder, "o1")
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	if err := b.Publish(ctx, ScopeOrder, "o1", Event{Type: TypeOrderStatusUpdate, Status: "confirmed"}); err != nil {
		t.Fatal(err)
	}

	for _, s := range []*Subscription{s1, s2} {
		ev := recv(t, s.C)
		if ev.Status != "confirmed" {
			t.Fatalf("status = %q, want confirmed", ev.Status)
		}
	}
}

func TestMemoryBrokerScopeIsolation(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	orderSub, _ := b.Subscribe(ctx, ScopeOrder, "42")
	defer orderSub.Close()
	userSub, _ := b.Subscribe(ctx, ScopeUserOrders, "42")
	defer userSub.Close()
	otherSub, _ := b.Subscribe(ctx, ScopeOrder, "43")
	defer otherSub.Close()

	_ = b.Publish(ctx, ScopeOrder, "42", Event{Type: TypeOrderEvent})

	recv(t, orderSub.C)
	select {
	case <-userSub.C:
		t.Fatal("user-orders scope received an order-scope event for the same id")
	case <-otherSub.C:
		t.Fatal("different id received the event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, ScopeOrder, "o1")
	sub.Close()
	sub.Close() // double close is safe

	if err := b.Publish(ctx, ScopeOrder, "o1", Event{Type: TypeOrderEvent}); err != nil {
		t.Fatal(err)
	}
	if _, open := <-sub.C; open {
		t.Fatal("channel still open after Close")
	}
}

func TestMemoryBrokerPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, ScopeOrder, "o1")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		// nobody reads; overflow past the buffer must drop, not block
		for i := 0; i < 100; i++ {
			_ = b.Publish(ctx, ScopeOrder, "o1", Event{Type: TypeOrderEvent})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
