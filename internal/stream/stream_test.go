package stream

import (
	"context"
	"testing"
	"time"

	"chatguard.org/internal/chat"
)

func receive(t *testing.T, ch <-chan Event) (Event, bool) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		return evt, ok
	case <-time.After(time.Second):
		return Event{}, false
	}
}

func TestPublishFiltersByChatAndReader(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := h.Subscribe(ctx, "c1", nil)
	publicOnly := h.Subscribe(ctx, "c1", func(m chat.Message) bool { return m.Visibility == chat.Public })
	other := h.Subscribe(ctx, "c2", nil)

	h.Publish(MessageCreated(chat.Message{ID: "m1", ChatID: "c1", Visibility: chat.Private}))
	h.Publish(MessageCreated(chat.Message{ID: "m2", ChatID: "c1", Visibility: chat.Public}))

	if evt, _ := receive(t, all); evt.Message.ID != "m1" {
		t.Fatalf("expected m1 first, got %+v", evt)
	}
	if evt, _ := receive(t, all); evt.Message.ID != "m2" {
		t.Fatalf("expected m2, got %+v", evt)
	}
	if evt, _ := receive(t, publicOnly); evt.Message.ID != "m2" {
		t.Fatalf("private message leaked to filtered subscriber: %+v", evt)
	}
	select {
	case evt := <-other:
		t.Fatalf("c2 subscriber got %+v", evt)
	default:
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.Subscribe(ctx, "c1", nil)
	cancel()
	if _, ok := receive(t, ch); ok {
		t.Fatalf("expected closed channel")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("subscriber not removed")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = h.Subscribe(ctx, "c1", nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Publish(Event{ChatID: "c1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
}
