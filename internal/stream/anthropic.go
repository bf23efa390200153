package stream

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/yukin371/quill/internal/core"
)

// AnthropicHandler parses the Anthropic Messages event stream. Event names
// are repeated in the JSON "type" field, so only data lines are read.
type AnthropicHandler struct {
	*base
	blocks map[int64]*partialCall
}

// NewAnthropicHandler creates an Anthropic stream handler
func NewAnthropicHandler(opts Options) *AnthropicHandler {
	h := &AnthropicHandler{
		base:   newBase("anthropic", opts),
		blocks: make(map[int64]*partialCall),
	}
	h.handleLine = h.parseLine
	h.flush = h.flushOpenBlocks
	return h
}

func (h *AnthropicHandler) parseLine(line string) {
	if !strings.HasPrefix(line, "data:") {
		return
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if !gjson.Valid(data) {
		h.errorLocked(fmt.Errorf("malformed anthropic event: %s", truncateForLog(data)))
		return
	}

	event := gjson.Parse(data)
	switch event.Get("type").String() {
	case "message_start":
		msg := event.Get("message")
		if model := msg.Get("model").String(); model != "" {
			h.model = model
		}
		if in := msg.Get("usage.input_tokens"); in.Exists() {
			h.usage = &core.Usage{PromptTokens: int(in.Int())}
			h.usage.TotalTokens = h.usage.PromptTokens
		}

	case "content_block_start":
		block := event.Get("content_block")
		if block.Get("type").String() == "tool_use" {
			h.blocks[event.Get("index").Int()] = &partialCall{
				id:   block.Get("id").String(),
				name: block.Get("name").String(),
			}
		} else if text := block.Get("text").String(); text != "" {
			h.emitContent(text)
		}

	case "content_block_delta":
		delta := event.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			h.emitContent(delta.Get("text").String())
		case "input_json_delta":
			if p, ok := h.blocks[event.Get("index").Int()]; ok {
				p.args.WriteString(delta.Get("partial_json").String())
			}
		}

	case "content_block_stop":
		idx := event.Get("index").Int()
		if p, ok := h.blocks[idx]; ok {
			delete(h.blocks, idx)
			h.emitToolCall(p.toolCall())
		}

	case "message_delta":
		if reason := event.Get("delta.stop_reason").String(); reason != "" {
			h.finishReason = reason
		}
		if out := event.Get("usage.output_tokens"); out.Exists() {
			if h.usage == nil {
				h.usage = &core.Usage{}
			}
			h.usage.CompletionTokens = int(out.Int())
			h.usage.TotalTokens = h.usage.PromptTokens + h.usage.CompletionTokens
		}

	case "message_stop":
		h.flushOpenBlocks()
		h.finishLocked()

	case "error":
		h.errorLocked(fmt.Errorf("anthropic: %s", event.Get("error.message").String()))

	case "ping":
	default:
		h.log.Debug("ignoring anthropic event %q", event.Get("type").String())
	}
}

// flushOpenBlocks emits tool_use blocks that never saw content_block_stop.
func (h *AnthropicHandler) flushOpenBlocks() {
	if len(h.blocks) == 0 {
		return
	}
	indexes := make([]int64, 0, len(h.blocks))
	for idx := range h.blocks {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	for _, idx := range indexes {
		h.emitToolCall(h.blocks[idx].toolCall())
	}
	h.blocks = make(map[int64]*partialCall)
}
