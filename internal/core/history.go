package core

import (
	"sync"
	"time"
)

// ConversationHistory is an append-only, ordered transcript of one chat.
type ConversationHistory struct {
	messages []Message
	mu       sync.RWMutex
	now      func() time.Time
}

// NewConversationHistory creates a history seeded with existing messages.
func NewConversationHistory(seed ...Message) *ConversationHistory {
	messages := make([]Message, len(seed))
	copy(messages, seed)
	return &ConversationHistory{
		messages: messages,
		now:      time.Now,
	}
}

// Append adds a message, stamping it if no timestamp was set, and returns
// the stored copy.
func (h *ConversationHistory) Append(msg Message) Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now()
	}
	if len(msg.ToolCalls) > 0 {
		msg.ToolCalls = append([]ToolCall(nil), msg.ToolCalls...)
	}
	h.messages = append(h.messages, msg)
	return msg
}

// AddUserMessage adds a user message to the history
func (h *ConversationHistory) AddUserMessage(content string) Message {
	return h.Append(Message{Role: RoleUser, Content: content})
}

// AddAssistantMessage adds an assistant message, optionally carrying tool calls
func (h *ConversationHistory) AddAssistantMessage(content string, toolCalls []ToolCall) Message {
	return h.Append(Message{Role: RoleAssistant, Content: content, ToolCalls: toolCalls})
}

// AddToolOutput adds a tool result message to the history
func (h *ConversationHistory) AddToolOutput(toolCallID, toolName, output string) Message {
	return h.Append(Message{Role: RoleTool, Content: output, ToolCallID: toolCallID, Name: toolName})
}

// Messages returns a copy of all messages
func (h *ConversationHistory) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	messages := make([]Message, len(h.messages))
	copy(messages, h.messages)
	return messages
}

// Since returns the messages appended after the first n.
func (h *ConversationHistory) Since(n int) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n >= len(h.messages) {
		return nil
	}
	out := make([]Message, len(h.messages)-n)
	copy(out, h.messages[n:])
	return out
}

// LastUserMessage returns the content of the most recent user message.
func (h *ConversationHistory) LastUserMessage() string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for i := len(h.messages) - 1; i >= 0; i-- {
		if h.messages[i].Role == RoleUser {
			return h.messages[i].Content
		}
	}
	return ""
}

// Count returns the number of messages in the history
func (h *ConversationHistory) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.messages)
}
