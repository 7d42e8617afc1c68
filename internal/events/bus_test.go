package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Source: SourcePipeline, Kind: KindExecStarting})
}

func TestNilBusSubscriberCount(t *testing.T) {
	var b *Bus
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublishSingleSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	want := Event{
		Source: SourceRegistry,
		Kind:   KindPackLoaded,
		Data:   map[string]any{"domain": "web"},
	}
	b.Publish(want)

	select {
	case got := <-ch:
		if got.Source != want.Source || got.Kind != want.Kind {
			t.Errorf("got event %v, want %v", got, want)
		}
		domain, ok := got.Data["domain"].(string)
		if !ok || domain != "web" {
			t.Errorf("got domain %v, want %q", got.Data["domain"], "web")
		}
		if got.Timestamp.IsZero() {
			t.Error("Publish should stamp a zero Timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 5
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	b.Publish(Event{Source: SourceManager, Kind: KindToolRegistered})

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Kind != KindToolRegistered {
				t.Errorf("subscriber %d: got kind %q, want %q", i, got.Kind, KindToolRegistered)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestFullSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	// Fill the buffer, then publish again. The second publish must not
	// block; the event is dropped for this subscriber.
	b.Publish(Event{Kind: KindExecStarting})

	done := make(chan struct{})
	go func() {
		b.Publish(Event{Kind: KindExecCompleted})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	b.Unsubscribe(ch)

	if _, open := <-ch; open {
		t.Error("channel should be closed after Unsubscribe")
	}

	// Double unsubscribe is a no-op.
	b.Unsubscribe(ch)

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := b.Subscribe(16)
			for range 10 {
				b.Publish(Event{Source: SourcePipeline, Kind: KindExecCompleted})
			}
			b.Unsubscribe(ch)
		}()
	}
	wg.Wait()

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() after teardown = %d, want 0", got)
	}
}
