package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type execPayload struct{ id string }

func (p execPayload) EventKeys() map[string]string { return map[string]string{"executionId": p.id} }

// TestPublishIsSynchronous 测试同步发布
func TestPublishIsSynchronous(t *testing.T) {
	bus := New(nil)
	var got []EventType

	bus.Subscribe(EventExecutionStart, func(ctx context.Context, e Event) error {
		got = append(got, e.Type)
		return nil
	})
	bus.Emit(context.Background(), EventExecutionStart, nil)
	bus.Emit(context.Background(), EventExecutionComplete, nil)

	if len(got) != 1 || got[0] != EventExecutionStart {
		t.Fatalf("expected one start delivery before Publish returned, got %v", got)
	}
}

// TestPanickingSubscriberDoesNotBreakEmitter 测试异常订阅者不影响其他订阅者
func TestPanickingSubscriberDoesNotBreakEmitter(t *testing.T) {
	bus := New(nil)
	delivered := 0

	bus.SubscribeWithOptions(EventExecutionStep, func(ctx context.Context, e Event) error {
		panic("boom")
	}, SubscribeOptions{Priority: 10})
	bus.Subscribe(EventExecutionStep, func(ctx context.Context, e Event) error {
		return errors.New("handler failed")
	})
	bus.Subscribe(EventExecutionStep, func(ctx context.Context, e Event) error {
		delivered++
		return nil
	})

	bus.Emit(context.Background(), EventExecutionStep, nil)

	if delivered != 1 {
		t.Fatalf("expected healthy subscriber to run, delivered=%d", delivered)
	}
	stats := bus.Stats()
	if stats.Failures != 2 || stats.Deliveries != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

// TestPriorityOrder 测试优先级顺序
func TestPriorityOrder(t *testing.T) {
	bus := New(nil)
	var order []string
	add := func(name string) Handler {
		return func(ctx context.Context, e Event) error {
			order = append(order, name)
			return nil
		}
	}

	bus.Subscribe(EventPlanCreated, add("low-1"))
	bus.SubscribeWithOptions(EventPlanCreated, add("high"), SubscribeOptions{Priority: 5})
	bus.SubscribeAll(add("global"))
	bus.Subscribe(EventPlanCreated, add("low-2"))

	bus.Emit(context.Background(), EventPlanCreated, nil)

	want := []string{"high", "low-1", "global", "low-2"}
	if len(order) != len(want) {
		t.Fatalf("got %v want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v want %v", order, want)
		}
	}
}

// TestOnceAndUnsubscribe 测试一次性订阅和取消订阅
func TestOnceAndUnsubscribe(t *testing.T) {
	bus := New(nil)
	once, regular := 0, 0

	bus.SubscribeWithOptions(EventExecutionComplete, func(ctx context.Context, e Event) error {
		once++
		return nil
	}, SubscribeOptions{Once: true})
	id := bus.Subscribe(EventExecutionComplete, func(ctx context.Context, e Event) error {
		regular++
		return nil
	})

	bus.Emit(context.Background(), EventExecutionComplete, nil)
	bus.Unsubscribe(id)
	bus.Emit(context.Background(), EventExecutionComplete, nil)

	if once != 1 || regular != 1 {
		t.Errorf("once=%d regular=%d", once, regular)
	}
	if n := bus.Stats().SubscribersCount; n != 0 {
		t.Errorf("expected 0 subscribers, got %d", n)
	}
}

// TestFilters 测试过滤器
func TestFilters(t *testing.T) {
	bus := New(nil)
	hits := 0
	bus.SubscribeWithOptions("", func(ctx context.Context, e Event) error {
		hits++
		return nil
	}, SubscribeOptions{Filters: []Filter{FilterPrefix("execution:"), FilterKey("executionId", "e1")}})

	bus.Emit(context.Background(), EventExecutionStart, execPayload{id: "e1"})
	bus.Emit(context.Background(), EventExecutionStart, execPayload{id: "e2"})
	bus.Emit(context.Background(), EventPlanCreated, execPayload{id: "e1"})

	if hits != 1 {
		t.Errorf("expected 1 filtered hit, got %d", hits)
	}
	if !FilterTypes(EventPlanCreated, EventPlanApproved)(NewEvent(EventPlanApproved, nil)) {
		t.Error("FilterTypes should match")
	}
}

// TestConcurrentPublish 测试并发发布
func TestConcurrentPublish(t *testing.T) {
	bus := New(nil)
	bus.Use(LoggingMiddleware(nil))
	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(ctx context.Context, e Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Emit(context.Background(), EventExecutionProgress, nil)
		}()
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("expected 50 deliveries, got %d", count)
	}
}
