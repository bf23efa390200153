// Package push defines the messages sent to connected chat clients and an
// in-process hub that fans them out.
package push

import (
	"encoding/json"
	"time"
)

// Message types on the push channel.
const (
	TypeLLMStream = "llm-stream"
	TypeToolEvent = "tool-event"
)

// Message is one push-channel payload. The concrete type decides the
// "type" tag written on the wire.
type Message interface {
	MessageType() string
}

// ToolExecution reports one tool call inside an llm-stream message.
type ToolExecution struct {
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args,omitempty"`
	Result     any            `json:"result,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	Error      string         `json:"error,omitempty"`
	// Action is "start", "complete" or "error".
	Action string `json:"action,omitempty"`
}

// LLMStream carries streamed assistant output for one chat. Done is always
// serialized; every other optional field is omitted when empty.
type LLMStream struct {
	ChatNoteID    string         `json:"chatNoteId"`
	Content       string         `json:"content,omitempty"`
	Thinking      string         `json:"thinking,omitempty"`
	ToolExecution *ToolExecution `json:"toolExecution,omitempty"`
	Error         string         `json:"error,omitempty"`
	Done          bool           `json:"done"`
}

func (LLMStream) MessageType() string { return TypeLLMStream }

// MarshalJSON adds the type tag.
func (m LLMStream) MarshalJSON() ([]byte, error) {
	type plain LLMStream
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{TypeLLMStream, plain(m)})
}

// ToolEvent mirrors an execution or plan event from the event bus.
type ToolEvent struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

func (ToolEvent) MessageType() string { return TypeToolEvent }

// MarshalJSON adds the type tag.
func (m ToolEvent) MarshalJSON() ([]byte, error) {
	type plain ToolEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{TypeToolEvent, plain(m)})
}

// ChatID returns the chat a message belongs to, or "" for broadcast
// messages.
func ChatID(m Message) string {
	if s, ok := m.(LLMStream); ok {
		return s.ChatNoteID
	}
	return ""
}
