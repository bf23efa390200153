// Package eventbus is a synchronous, in-process publish/subscribe bus.
//
// Delivery semantics: Publish calls every matching subscriber on the
// caller's goroutine, in priority order, before returning. Delivery is
// best-effort: a subscriber that returns an error or panics is logged and
// counted, and the remaining subscribers still run.
package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yukin371/quill/pkg/logger"
)

// EventType 事件类型
type EventType string

const (
	// 工具执行事件
	EventExecutionStart     EventType = "execution:start"
	EventExecutionProgress  EventType = "execution:progress"
	EventExecutionStep      EventType = "execution:step"
	EventExecutionComplete  EventType = "execution:complete"
	EventExecutionError     EventType = "execution:error"
	EventExecutionCancelled EventType = "execution:cancelled"
	EventExecutionTimeout   EventType = "execution:timeout"

	// 预览/审批事件
	EventPlanCreated  EventType = "plan:created"
	EventPlanApproved EventType = "plan:approved"
	EventPlanRejected EventType = "plan:rejected"

	// Provider 健康事件
	EventProviderHealthy   EventType = "provider:healthy"
	EventProviderUnhealthy EventType = "provider:unhealthy"
	EventToolDisabled      EventType = "tool:disabled"
)

// Event is one published message. Payload is owned by the publisher and
// must be treated as read-only by subscribers.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

// NewEvent creates an event stamped with the current time
func NewEvent(eventType EventType, payload any) Event {
	return Event{Type: eventType, Timestamp: time.Now(), Payload: payload}
}

// Handler 事件处理器函数
type Handler func(ctx context.Context, event Event) error

// Filter 事件过滤器函数
type Filter func(event Event) bool

// MiddlewareFunc wraps a handler.
type MiddlewareFunc func(next Handler) Handler

// SubscribeOptions 订阅选项
type SubscribeOptions struct {
	Priority int      // higher runs first
	Once     bool     // unsubscribe after the first delivery
	Filters  []Filter // all must pass
}

type subscription struct {
	id        string
	eventType EventType // empty for global subscribers
	handler   Handler
	opts      SubscribeOptions
	seq       uint64
}

// Stats 事件总线统计信息
type Stats struct {
	EventsPublished  int64  `json:"eventsPublished"`
	Deliveries       int64  `json:"deliveries"`
	Failures         int64  `json:"failures"`
	SubscribersCount int    `json:"subscribersCount"`
	LastError        string `json:"lastError,omitempty"`
}

// Bus 事件总线
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]*subscription
	global      []*subscription
	middlewares []MiddlewareFunc
	seq         atomic.Uint64

	statsMu sync.Mutex
	stats   Stats

	log *logger.Logger
}

// New creates a bus
func New(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Discard()
	}
	return &Bus{
		subscribers: make(map[EventType][]*subscription),
		log:         log,
	}
}

// Use adds a middleware. Middlewares wrap every delivery, outermost first.
func (b *Bus) Use(mw MiddlewareFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, mw)
}

// Subscribe registers handler for one event type and returns its id.
func (b *Bus) Subscribe(eventType EventType, handler Handler) string {
	return b.SubscribeWithOptions(eventType, handler, SubscribeOptions{})
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.SubscribeWithOptions("", handler, SubscribeOptions{})
}

// SubscribeWithOptions registers handler; an empty eventType subscribes to
// everything.
func (b *Bus) SubscribeWithOptions(eventType EventType, handler Handler, opts SubscribeOptions) string {
	seq := b.seq.Add(1)
	sub := &subscription{
		id:        fmt.Sprintf("sub-%d", seq),
		eventType: eventType,
		handler:   handler,
		opts:      opts,
		seq:       seq,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if eventType == "" {
		b.global = append(b.global, sub)
	} else {
		b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	}
	b.statsMu.Lock()
	b.stats.SubscribersCount++
	b.statsMu.Unlock()
	return sub.id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Bus) removeLocked(id string) bool {
	for t, subs := range b.subscribers {
		for i, s := range subs {
			if s.id == id {
				b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
				b.decSubscribers()
				return true
			}
		}
	}
	for i, s := range b.global {
		if s.id == id {
			b.global = append(b.global[:i:i], b.global[i+1:]...)
			b.decSubscribers()
			return true
		}
	}
	return false
}

func (b *Bus) decSubscribers() {
	b.statsMu.Lock()
	b.stats.SubscribersCount--
	b.statsMu.Unlock()
}

// Emit is shorthand for Publish(ctx, NewEvent(eventType, payload)).
func (b *Bus) Emit(ctx context.Context, eventType EventType, payload any) {
	b.Publish(ctx, NewEvent(eventType, payload))
}

// Publish delivers event synchronously to every matching subscriber.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subscribers[event.Type])+len(b.global))
	targets = append(targets, b.subscribers[event.Type]...)
	targets = append(targets, b.global...)
	middlewares := append([]MiddlewareFunc(nil), b.middlewares...)
	b.mu.RUnlock()

	sort.SliceStable(targets, func(i, j int) bool {
		if targets[i].opts.Priority != targets[j].opts.Priority {
			return targets[i].opts.Priority > targets[j].opts.Priority
		}
		return targets[i].seq < targets[j].seq
	})

	b.statsMu.Lock()
	b.stats.EventsPublished++
	b.statsMu.Unlock()

	for _, sub := range targets {
		if !passes(sub.opts.Filters, event) {
			continue
		}
		if sub.opts.Once {
			b.mu.Lock()
			removed := b.removeLocked(sub.id)
			b.mu.Unlock()
			if !removed {
				// another publisher already delivered it
				continue
			}
		}
		b.deliver(ctx, sub, middlewares, event)
	}
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, middlewares []MiddlewareFunc, event Event) {
	h := RecoveryMiddleware(b.log)(sub.handler)
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}

	err := h(ctx, event)

	b.statsMu.Lock()
	b.stats.Deliveries++
	if err != nil {
		b.stats.Failures++
		b.stats.LastError = err.Error()
	}
	b.statsMu.Unlock()

	if err != nil {
		b.log.Warn("subscriber %s failed on %s: %v", sub.id, event.Type, err)
	}
}

func passes(filters []Filter, event Event) bool {
	for _, f := range filters {
		if !f(event) {
			return false
		}
	}
	return true
}

// Stats returns a copy of the bus statistics.
func (b *Bus) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}
