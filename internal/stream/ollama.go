package stream

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/yukin371/quill/internal/core"
)

// OllamaHandler parses Ollama's NDJSON chat stream. Tool calls arrive whole.
type OllamaHandler struct {
	*base
}

// NewOllamaHandler creates an Ollama stream handler
func NewOllamaHandler(opts Options) *OllamaHandler {
	h := &OllamaHandler{base: newBase("ollama", opts)}
	h.handleLine = h.parseLine
	h.flush = func() {}
	return h
}

func (h *OllamaHandler) parseLine(line string) {
	if !gjson.Valid(line) {
		h.errorLocked(fmt.Errorf("malformed ollama chunk: %s", truncateForLog(line)))
		return
	}

	obj := gjson.Parse(line)
	if errMsg := obj.Get("error"); errMsg.Exists() {
		h.errorLocked(fmt.Errorf("ollama: %s", errMsg.String()))
		return
	}
	if model := obj.Get("model").String(); model != "" {
		h.model = model
	}

	msg := obj.Get("message")
	h.emitContent(msg.Get("content").String())

	msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		id := tc.Get("id").String()
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		args := tc.Get("function.arguments")
		raw := args.Raw
		if args.Type == gjson.String {
			raw = args.String()
		}
		if raw == "" {
			raw = "{}"
		}
		h.emitToolCall(core.NewToolCall(id, tc.Get("function.name").String(), raw))
		return true
	})

	if obj.Get("done").Bool() {
		h.finishReason = obj.Get("done_reason").String()
		if h.finishReason == "" {
			h.finishReason = "stop"
		}
		prompt := int(obj.Get("prompt_eval_count").Int())
		completion := int(obj.Get("eval_count").Int())
		if prompt > 0 || completion > 0 {
			h.usage = &core.Usage{
				PromptTokens:     prompt,
				CompletionTokens: completion,
				TotalTokens:      prompt + completion,
			}
		}
		h.finishLocked()
	}
}
