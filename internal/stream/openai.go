package stream

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/yukin371/quill/internal/core"
)

// OpenAIHandler parses OpenAI-compatible SSE ("data: {...}" lines ending
// with "data: [DONE]").
type OpenAIHandler struct {
	*base
	calls map[int64]*partialCall
}

// NewOpenAIHandler creates an OpenAI stream handler
func NewOpenAIHandler(opts Options) *OpenAIHandler {
	h := &OpenAIHandler{
		base:  newBase("openai", opts),
		calls: make(map[int64]*partialCall),
	}
	h.handleLine = h.parseLine
	h.flush = h.flushToolCalls
	return h
}

func (h *OpenAIHandler) parseLine(line string) {
	if !strings.HasPrefix(line, "data:") {
		// event:, id:, retry: and ":" keep-alive comments carry nothing for us
		return
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "[DONE]" {
		h.flushToolCalls()
		h.finishLocked()
		return
	}
	if !gjson.Valid(data) {
		h.errorLocked(fmt.Errorf("malformed openai chunk: %s", truncateForLog(data)))
		return
	}

	chunk := gjson.Parse(data)
	if msg := chunk.Get("error.message"); msg.Exists() {
		h.errorLocked(fmt.Errorf("openai: %s", msg.String()))
		return
	}
	if model := chunk.Get("model").String(); model != "" {
		h.model = model
	}
	if usage := chunk.Get("usage"); usage.IsObject() {
		h.usage = &core.Usage{
			PromptTokens:     int(usage.Get("prompt_tokens").Int()),
			CompletionTokens: int(usage.Get("completion_tokens").Int()),
			TotalTokens:      int(usage.Get("total_tokens").Int()),
		}
	}

	choice := chunk.Get("choices.0")
	if !choice.Exists() {
		return
	}
	delta := choice.Get("delta")
	h.emitContent(delta.Get("content").String())

	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := tc.Get("index").Int()
		p, ok := h.calls[idx]
		if !ok {
			p = &partialCall{}
			h.calls[idx] = p
		}
		if id := tc.Get("id").String(); id != "" {
			p.id = id
		}
		if name := tc.Get("function.name").String(); name != "" {
			p.name = name
		}
		p.args.WriteString(tc.Get("function.arguments").String())
		return true
	})

	if reason := choice.Get("finish_reason").String(); reason != "" {
		h.finishReason = reason
		h.flushToolCalls()
	}
}

// flushToolCalls emits accumulated tool calls in index order.
func (h *OpenAIHandler) flushToolCalls() {
	if len(h.calls) == 0 {
		return
	}
	indexes := make([]int64, 0, len(h.calls))
	for idx := range h.calls {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	for _, idx := range indexes {
		p := h.calls[idx]
		if p.id == "" {
			p.id = fmt.Sprintf("call_%d", idx)
		}
		h.emitToolCall(p.toolCall())
	}
	h.calls = make(map[int64]*partialCall)
}

func truncateForLog(s string) string {
	const limit = 120
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
