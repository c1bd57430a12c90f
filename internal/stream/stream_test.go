package stream

import (
	"context"
	"testing"
	"time"

	"tesoro.app/internal/ledger"
)

func TestPublishReachesOnlyWorkspaceSubscribers(t *testing.T) {
	s := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine := s.Subscribe(ctx, 1)
	other := s.Subscribe(ctx, 2)

	s.Publish(ledger.Event{Type: "transfer.executed", WorkspaceID: 1, Amount: 500})

	select {
	case evt := <-mine:
		if evt.Type != "transfer.executed" || evt.Amount != 500 {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
	select {
	case evt := <-other:
		t.Fatalf("event leaked to another workspace: %+v", evt)
	default:
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Subscribe(ctx, 9)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Publish(ledger.Event{Type: "transaction.recorded", WorkspaceID: 9})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if got := s.Dropped(); got != 9 {
		t.Fatalf("dropped = %d, want 9", got)
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	s := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx, 3)
	if s.Subscribers(3) != 1 {
		t.Fatalf("subscribers = %d", s.Subscribers(3))
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	deadline := time.Now().Add(time.Second)
	for s.Subscribers(3) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Publishing to a workspace with no subscribers is a no-op.
	s.Publish(ledger.Event{WorkspaceID: 3})
}
