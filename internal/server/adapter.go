package server

import (
	"context"
	"sync"

	"github.com/yukin371/quill/internal/eventbus"
	"github.com/yukin371/quill/internal/push"
)

// EventBusAdapter 事件总线适配器：把总线事件转发为 tool-event 推送消息
type EventBusAdapter struct {
	bus *eventbus.Bus
	hub *push.Hub

	mu    sync.Mutex
	subID string
}

// NewEventBusAdapter creates an adapter; nothing is forwarded until Attach.
func NewEventBusAdapter(bus *eventbus.Bus, hub *push.Hub) *EventBusAdapter {
	return &EventBusAdapter{bus: bus, hub: hub}
}

// Attach subscribes to every bus event. Calling it twice is a no-op.
func (a *EventBusAdapter) Attach() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.subID != "" {
		return
	}
	a.subID = a.bus.SubscribeAll(a.forward)
}

// Detach stops forwarding.
func (a *EventBusAdapter) Detach() {
	a.mu.Lock()
	id := a.subID
	a.subID = ""
	a.mu.Unlock()
	if id != "" {
		a.bus.Unsubscribe(id)
	}
}

func (a *EventBusAdapter) forward(_ context.Context, event eventbus.Event) error {
	a.hub.Publish(ToToolEvent(event))
	return nil
}

// ToToolEvent 转换为推送格式
func ToToolEvent(event eventbus.Event) push.ToolEvent {
	return push.ToolEvent{
		Event:     string(event.Type),
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	}
}
