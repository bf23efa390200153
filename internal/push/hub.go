package push

import (
	"sync"
	"sync/atomic"

	"github.com/yukin371/quill/pkg/logger"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Filter selects the messages a subscriber receives.
type Filter func(Message) bool

// ForChat passes llm-stream messages of chatID plus every broadcast message.
func ForChat(chatID string) Filter {
	return func(m Message) bool {
		id := ChatID(m)
		return id == "" || id == chatID
	}
}

// Subscription is one receiver. C is closed by Close or Hub.Close.
type Subscription struct {
	C <-chan Message

	id     uint64
	ch     chan Message
	filter Filter
	hub    *Hub
	once   sync.Once
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Hub 推送中心：向所有订阅者广播消息，慢订阅者丢弃消息而不阻塞发送方
type Hub struct {
	log *logger.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	closed bool

	nextID    atomic.Uint64
	published atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{log: log.Named("push"), subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a receiver. buffer <= 0 uses DefaultBuffer; a nil
// filter receives everything.
func (h *Hub) Subscribe(buffer int, filter Filter) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Message, buffer)
	s := &Subscription{C: ch, ch: ch, filter: filter, hub: h, id: h.nextID.Add(1)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.once.Do(func() { close(ch) })
		return s
	}
	h.subs[s.id] = s
	return s
}

// Publish delivers msg to every matching subscriber without blocking and
// returns how many received it.
func (h *Hub) Publish(msg Message) int {
	if h == nil {
		return 0
	}
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, s := range h.subs {
		if s.filter != nil && !s.filter(msg) {
			continue
		}
		select {
		case s.ch <- msg:
			delivered++
		default:
			h.dropped.Add(1)
			h.log.Debug("subscriber %d is slow, dropped %s", s.id, msg.MessageType())
		}
	}
	return delivered
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s.id)
	h.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}

// Close closes every subscription; later subscriptions are closed at once.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*Subscription)
	h.closed = true
	h.mu.Unlock()
	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}

// HubStats 推送统计
type HubStats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Stats returns counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return HubStats{Subscribers: n, Published: h.published.Load(), Dropped: h.dropped.Load()}
}
