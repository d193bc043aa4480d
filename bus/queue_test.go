package bus

import (
	"testing"
	"time"
)

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	b := NewEventBus(4)
	defer func() { _ = b.Close() }()

	global := b.Subscribe("permission-prompt")
	scoped := b.Subscribe("permission-prompt:s1")
	other := b.Subscribe("permission-prompt:s2")
	all := b.Subscribe()

	sent, err := b.Publish("permission-prompt:s1", "payload")
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if sent != 2 {
		t.Fatalf("expected delivery to scoped and catch-all subscribers, got %d", sent)
	}

	select {
	case evt := <-scoped.C:
		if evt.Topic != "permission-prompt:s1" || evt.Payload != "payload" || evt.ID == "" {
			t.Fatalf("unexpected event: %+v", evt)
		}
		if evt.Timestamp.IsZero() {
			t.Fatalf("expected timestamp to be set")
		}
	case <-time.After(time.Second):
		t.Fatalf("scoped subscriber did not receive event")
	}

	for name, sub := range map[string]*Subscription{"global": global, "other": other} {
		select {
		case evt := <-sub.C:
			t.Fatalf("%s subscriber should not receive %s", name, evt.Topic)
		default:
		}
	}
	if len(all.C) != 1 {
		t.Fatalf("expected catch-all subscriber to hold one event")
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := NewEventBus(1)
	defer func() { _ = b.Close() }()

	slow := b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_, _ = b.Publish("topic", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	if len(slow.C) != 1 {
		t.Fatalf("expected exactly one buffered event, got %d", len(slow.C))
	}
}

func TestPublishAfterCloseReturnsErrBusClosed(t *testing.T) {
	b := NewEventBus(1)
	sub := b.Subscribe()
	if b.IsClosed() {
		t.Fatalf("new bus should be open")
	}
	_ = b.Close()
	if !b.IsClosed() {
		t.Fatalf("expected bus closed")
	}

	if _, err := b.Publish("topic", nil); err != ErrBusClosed {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	if _, ok := <-sub.C; ok {
		t.Fatalf("expected subscription channel to be closed after bus close")
	}
	sub.Unsubscribe() // must not panic
}

func TestSubscribeAfterCloseShouldNotReturnActiveChannel(t *testing.T) {
	b := NewEventBus(1)
	_ = b.Close()

	sub := b.Subscribe("topic")

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatalf("expected subscription channel to be closed after bus close")
		}
	default:
		t.Fatalf("expected closed subscription channel after bus close")
	}
}

func TestSubscriptionTopicsIsACopy(t *testing.T) {
	b := NewEventBus(1)
	defer func() { _ = b.Close() }()

	sub := b.Subscribe("permission-prompt:a", "permission-prompt")
	topics := sub.Topics()
	if len(topics) != 2 || topics[0] != "permission-prompt:a" || topics[1] != "permission-prompt" {
		t.Fatalf("unexpected topics %v", topics)
	}
	topics[0] = "mutated"
	if sub.Topics()[0] != "permission-prompt:a" {
		t.Fatalf("Topics must not expose internal state")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewEventBus(2)
	defer func() { _ = b.Close() }()

	sub := b.Subscribe()
	sub.Unsubscribe()
	sub.Unsubscribe()

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers, got %d", b.SubscriberCount())
	}
	if sent, _ := b.Publish("topic", nil); sent != 0 {
		t.Fatalf("expected no deliveries, got %d", sent)
	}
}

func TestPublishRejectsEmptyTopic(t *testing.T) {
	b := NewEventBus(1)
	defer func() { _ = b.Close() }()

	if _, err := b.Publish("  ", nil); err == nil {
		t.Fatalf("expected error for empty topic")
	}
}
