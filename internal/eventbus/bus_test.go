package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(t.TempDir(), 2, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPublishPersistsAndDispatches(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var got []Event
	b.On(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})

	err := b.Publish(context.Background(), Event{EventType: "pipeline.accepted", RequestID: "req-1"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	events, err := b.GetEvents("req-1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "pipeline.accepted" {
		t.Errorf("GetEvents = %+v, want one pipeline.accepted event", events)
	}
}

func TestOnEventTypeFiltersOtherTypes(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var got []string
	b.OnEventType("pipeline.completed", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.EventType)
	})

	_ = b.Publish(context.Background(), Event{EventType: "pipeline.accepted", RequestID: "req-1"})
	_ = b.Publish(context.Background(), Event{EventType: "pipeline.completed", RequestID: "req-1"})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "pipeline.completed" {
		t.Errorf("got %v, want only pipeline.completed", got)
	}
}

func TestOnEventTypesMatchesAnyListed(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	count := 0
	b.OnEventTypes([]string{"session.ci_failed", "session.ci_passed"}, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	_ = b.Publish(context.Background(), Event{EventType: "session.ci_failed", RequestID: "s1"})
	_ = b.Publish(context.Background(), Event{EventType: "session.ci_passed", RequestID: "s1"})
	_ = b.Publish(context.Background(), Event{EventType: "session.merged", RequestID: "s1"})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	count := 0
	unsub := b.On(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	_ = b.Publish(context.Background(), Event{EventType: "pipeline.accepted", RequestID: "req-1"})
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	unsub()
	_ = b.Publish(context.Background(), Event{EventType: "pipeline.accepted", RequestID: "req-1"})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("count = %d after unsubscribe, want 1", count)
	}
}

func TestOrderingPerRequestID(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var order []string
	b.On(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, e.EventType)
	})

	types := []string{"pipeline.accepted", "pipeline.tier_classified", "pipeline.started", "pipeline.completed"}
	for _, ty := range types {
		_ = b.Publish(context.Background(), Event{EventType: ty, RequestID: "req-ordered"})
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == len(types)
	})

	mu.Lock()
	defer mu.Unlock()
	for i, ty := range types {
		if order[i] != ty {
			t.Errorf("order[%d] = %q, want %q (order = %v)", i, order[i], ty, order)
		}
	}
}

func TestGetEventsSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	b := New(dir, 1, nil)
	defer b.Close()

	_ = b.Publish(context.Background(), Event{EventType: "pipeline.accepted", RequestID: "req-2"})
	time.Sleep(20 * time.Millisecond)

	af, err := b.fileFor("req-2")
	if err != nil {
		t.Fatalf("fileFor: %v", err)
	}
	af.mu.Lock()
	_, _ = af.f.WriteString("not json\n")
	af.mu.Unlock()

	_ = b.Publish(context.Background(), Event{EventType: "pipeline.completed", RequestID: "req-2"})
	time.Sleep(20 * time.Millisecond)

	events, err := b.GetEvents("req-2")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("GetEvents returned %d events, want 2 (corrupt line skipped)", len(events))
	}
}

func TestGetEventsNoFileReturnsEmpty(t *testing.T) {
	b := newTestBus(t)

	events, err := b.GetEvents("never-published")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if events != nil {
		t.Errorf("GetEvents = %v, want nil", events)
	}
}
