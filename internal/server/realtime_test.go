package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tales/internal/progress"
	"github.com/MarcoPoloResearchLab/tales/internal/stories"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user:1")
	defer cleanup()

	dispatcher.PublishCompletion("user:1", progress.Progress{
		StoryID:       "story-a",
		Percentage:    96,
		IsCompleted:   true,
		LastUpdatedAt: time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventStoryCompleted {
			t.Fatalf("expected event type %s, got %s", RealtimeEventStoryCompleted, received.EventType)
		}
		if received.StoryID != "story-a" || received.Percentage != 96 {
			t.Fatalf("unexpected message %+v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByNamespace(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user:2")
	defer cleanup()

	guestStream, guestCleanup := dispatcher.Subscribe(ctx, "guest:3")
	defer guestCleanup()

	dispatcher.Publish(RealtimeMessage{
		Namespace: "guest:3",
		EventType: RealtimeEventStoryCompleted,
		StoryID:   "story-c",
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-userStream:
		t.Fatal("did not expect realtime message for unrelated namespace")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-guestStream:
		if msg.Namespace != stories.Namespace("guest:3") {
			t.Fatalf("expected guest:3, received %s", msg.Namespace)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed namespace")
	}
}

func TestRealtimeDispatcherDropsSubscriberOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "user:4")
	cancel()
	cleanup()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		dispatcher.mu.RLock()
		remaining := len(dispatcher.subscribers)
		dispatcher.mu.RUnlock()
		if remaining == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected subscriber to be removed after cancellation")
}

func TestRealtimeDispatcherDoesNotBlockOnFullBuffer(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user:5")
	defer cleanup()

	done := make(chan struct{})
	go func() {
		for index := 0; index < defaultRealtimeBufferSize*2; index++ {
			dispatcher.Publish(RealtimeMessage{Namespace: "user:5", EventType: RealtimeEventStoryCompleted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(stream) != defaultRealtimeBufferSize {
		t.Fatalf("expected buffered messages to be capped at %d, got %d", defaultRealtimeBufferSize, len(stream))
	}
}
