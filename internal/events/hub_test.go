package events

import (
	"context"
	"sync/atomic"
	"testing"
)

func TestHub_PublishSubscribe(t *testing.T) {
	h := NewHub()
	var got atomic.Int32

	h.Subscribe(TopicIndexingPaused, func(_ context.Context, e Event) {
		if e.Topic != TopicIndexingPaused {
			t.Errorf("unexpected topic %q", e.Topic)
		}
		got.Add(1)
	})

	h.Publish(context.Background(), TopicIndexingPaused, nil, nil)
	h.Publish(context.Background(), TopicIndexingResumed, nil, nil)

	if got.Load() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", got.Load())
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub()
	var got atomic.Int32

	cancel := h.Subscribe(TopicAccountChanged, func(context.Context, Event) { got.Add(1) })
	h.Publish(context.Background(), TopicAccountChanged, nil, nil)
	cancel()
	h.Publish(context.Background(), TopicAccountChanged, nil, nil)

	if got.Load() != 1 {
		t.Fatalf("expected delivery only before unsubscribe, got %d", got.Load())
	}
}

func TestHub_MultipleSubscribers(t *testing.T) {
	h := NewHub()
	var got atomic.Int32

	for i := 0; i < 3; i++ {
		h.Subscribe(TopicFileChanged, func(context.Context, Event) { got.Add(1) })
	}
	h.Publish(context.Background(), TopicFileChanged, "file:///a.go", nil)

	if got.Load() != 3 {
		t.Fatalf("expected 3 deliveries, got %d", got.Load())
	}
}
