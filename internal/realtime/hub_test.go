package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// Subscription matching tests
// ---------------------------------------------------------------------------

func TestSubscription_Empty(t *testing.T) {
	sub := Subscription{}

	ev := Event{Kind: "escrow.created", EscrowID: 7, Timestamp: time.Now()}
	if !sub.matches(ev) {
		t.Error("Empty subscription should receive all events")
	}
}

func TestSubscription_KindFilter(t *testing.T) {
	sub := Subscription{Kinds: []string{"escrow.released", "escrow.disputed"}}

	released := Event{Kind: "escrow.released", EscrowID: 1}
	disputed := Event{Kind: "escrow.disputed", EscrowID: 1}
	created := Event{Kind: "escrow.created", EscrowID: 1}

	if !sub.matches(released) {
		t.Error("Should receive released events")
	}
	if !sub.matches(disputed) {
		t.Error("Should receive disputed events")
	}
	if sub.matches(created) {
		t.Error("Should NOT receive created events")
	}
}

func TestSubscription_EscrowFilter(t *testing.T) {
	sub := Subscription{EscrowIDs: []uint64{3, 5}}

	if !sub.matches(Event{Kind: "escrow.released", EscrowID: 3}) {
		t.Error("Should match escrow 3")
	}
	if !sub.matches(Event{Kind: "escrow.created", EscrowID: 5}) {
		t.Error("Should match escrow 5")
	}
	if sub.matches(Event{Kind: "escrow.released", EscrowID: 4}) {
		t.Error("Should NOT match unrelated escrow")
	}
}

func TestSubscription_CombinedFilters(t *testing.T) {
	sub := Subscription{
		Kinds:     []string{"escrow.released"},
		EscrowIDs: []uint64{9},
	}

	if !sub.matches(Event{Kind: "escrow.released", EscrowID: 9}) {
		t.Error("Should match kind and escrow together")
	}
	if sub.matches(Event{Kind: "escrow.released", EscrowID: 8}) {
		t.Error("Wrong escrow should not match even with matching kind")
	}
	if sub.matches(Event{Kind: "escrow.created", EscrowID: 9}) {
		t.Error("Wrong kind should not match even with matching escrow")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	cl := &client{
		hub:  h,
		send: make(chan []byte, 64),
	}

	h.register <- cl
	time.Sleep(50 * time.Millisecond)

	h.unregister <- cl
	time.Sleep(50 * time.Millisecond)

	select {
	case _, ok := <-cl.send:
		if ok {
			t.Error("Expected send channel closed after unregister")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for send channel close")
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	cl := &client{
		hub:  h,
		send: make(chan []byte, 64),
	}

	h.register <- cl
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(Event{Kind: "escrow.created", EscrowID: 1, Timestamp: time.Now()})

	select {
	case msg := <-cl.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants release events
	cl := &client{
		hub:  h,
		send: make(chan []byte, 64),
	}
	cl.setSubscription(Subscription{Kinds: []string{"escrow.released"}})

	h.register <- cl
	time.Sleep(50 * time.Millisecond)

	// Created event should be filtered out
	h.Broadcast(Event{Kind: "escrow.created", EscrowID: 1, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-cl.send:
		t.Error("Client should NOT receive created event")
	default:
	}

	h.Broadcast(Event{Kind: "escrow.released", EscrowID: 1, Timestamp: time.Now()})

	select {
	case msg := <-cl.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive released event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_BroadcastAfterStop(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	// Should not block or panic
	h.Broadcast(Event{Kind: "escrow.created", EscrowID: 1, Timestamp: time.Now()})
}
