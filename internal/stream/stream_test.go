package stream

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yukin371/quill/internal/core"
)

type recorder struct {
	mu     sync.Mutex
	chunks []core.StreamChunk
}

func (r *recorder) callback(c core.StreamChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, c)
}

func (r *recorder) all() []core.StreamChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.StreamChunk(nil), r.chunks...)
}

func (r *recorder) aggregate() *core.ChatResponse {
	agg := NewAggregator()
	for _, c := range r.all() {
		agg.AddChunk(c)
	}
	return agg.GetResponse()
}

func countType(chunks []core.StreamChunk, t core.ChunkType) int {
	n := 0
	for _, c := range chunks {
		if c.Type == t {
			n++
		}
	}
	return n
}

func sse(lines ...string) []byte {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString("data: ")
		b.WriteString(l)
		b.WriteString("\n\n")
	}
	return []byte(b.String())
}

func TestOpenAIRoundTrip(t *testing.T) {
	rec := &recorder{}
	h := NewOpenAIHandler(Options{Callback: rec.callback})

	h.ProcessChunk(sse(
		`{"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
		`{"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":" world"}}]}`,
		`{"model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	))
	resp := h.Complete()

	assert.Equal(t, "Hello world", resp.Text)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Equal(t, resp, rec.aggregate())

	chunks := rec.all()
	assert.Equal(t, 1, countType(chunks, core.ChunkDone))
	assert.Empty(t, chunks[len(chunks)-1].Error)
}

func TestOpenAIToolCallDeltaAccumulation(t *testing.T) {
	rec := &recorder{}
	h := NewOpenAIHandler(Options{Callback: rec.callback})

	h.ProcessChunk(sse(
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"name":"search"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_late","function":{"arguments":"\"x\"}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	))

	select {
	case <-h.Done():
	default:
		t.Fatal("expected stream to be done after [DONE]")
	}

	resp := h.Complete()
	require.Len(t, resp.ToolCalls, 1)
	call := resp.ToolCalls[0]
	assert.Equal(t, "search", call.Function.Name)
	assert.Equal(t, "call_late", call.ID)
	assert.Equal(t, `{"q":"x"}`, call.ArgumentsString())
	assert.Equal(t, "tool_calls", resp.FinishReason)
	assert.Equal(t, 1, countType(rec.all(), core.ChunkToolCall))
}

func TestOpenAISplitLinesAndUsage(t *testing.T) {
	h := NewOpenAIHandler(Options{})
	raw := string(sse(
		`{"choices":[{"index":0,"delta":{"content":"Hi"}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`,
		`[DONE]`,
	))
	for i := 0; i < len(raw); i += 7 {
		end := i + 7
		if end > len(raw) {
			end = len(raw)
		}
		h.ProcessChunk([]byte(raw[i:end]))
	}

	resp := h.Complete()
	assert.Equal(t, "Hi", resp.Text)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestOpenAIMalformedChunkDegrades(t *testing.T) {
	rec := &recorder{}
	h := NewOpenAIHandler(Options{Callback: rec.callback})

	h.ProcessChunk(sse(
		`{"choices":[{"index":0,"delta":{"content":"partial"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":`,
		`{"choices":[{"index":0,"delta":{"content":" answer"}}]}`,
	))
	resp := h.Complete()

	assert.Equal(t, "partial answer", resp.Text)
	assert.Error(t, h.Err())
	chunks := rec.all()
	assert.Equal(t, 1, countType(chunks, core.ChunkError))
	last := chunks[len(chunks)-1]
	assert.Equal(t, core.ChunkDone, last.Type)
	assert.NotEmpty(t, last.Error)
}

func TestAnthropicEvents(t *testing.T) {
	rec := &recorder{}
	h := NewAnthropicHandler(Options{Callback: rec.callback})

	stream := strings.Join([]string{
		"event: message_start",
		`data: {"type":"message_start","message":{"model":"claude-sonnet-4-5","usage":{"input_tokens":12}}}`,
		"",
		"event: content_block_start",
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		"",
		"event: content_block_delta",
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me "}}`,
		"",
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"search."}}`,
		"",
		`data: {"type":"content_block_stop","index":0}`,
		"",
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"smart_search","input":{}}}`,
		"",
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}`,
		"",
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"project\"}"}}`,
		"",
		`data: {"type":"content_block_stop","index":1}`,
		"",
		"event: ping",
		`data: {"type":"ping"}`,
		"",
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":20}}`,
		"",
		`data: {"type":"message_stop"}`,
		"",
	}, "\n")
	h.ProcessChunk([]byte(stream))

	resp := h.Complete()
	assert.Equal(t, "Let me search.", resp.Text)
	assert.Equal(t, "claude-sonnet-4-5", resp.Model)
	assert.Equal(t, "tool_use", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	assert.Equal(t, `{"query":"project"}`, resp.ToolCalls[0].ArgumentsString())
	require.NotNil(t, resp.Usage)
	assert.Equal(t, core.Usage{PromptTokens: 12, CompletionTokens: 20, TotalTokens: 32}, *resp.Usage)
	assert.Equal(t, resp, rec.aggregate())
}

func TestAnthropicErrorEvent(t *testing.T) {
	h := NewAnthropicHandler(Options{})
	h.ProcessChunk([]byte("event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n"))
	h.Complete()
	require.Error(t, h.Err())
	assert.Contains(t, h.Err().Error(), "Overloaded")
}

func TestOllamaNDJSON(t *testing.T) {
	rec := &recorder{}
	h := NewOllamaHandler(Options{Callback: rec.callback})

	h.ProcessChunk([]byte(strings.Join([]string{
		`{"model":"llama3.1","message":{"role":"assistant","content":"Look"},"done":false}`,
		`{"model":"llama3.1","message":{"role":"assistant","content":"ing","tool_calls":[{"function":{"name":"smart_search","arguments":{"query":"x"}}}]},"done":false}`,
		`{"model":"llama3.1","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":9,"eval_count":4}`,
		"",
	}, "\n")))

	resp := h.Complete()
	assert.Equal(t, "Looking", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.True(t, strings.HasPrefix(resp.ToolCalls[0].ID, "call_"))
	args, err := resp.ToolCalls[0].ParsedArguments()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"query": "x"}, args)
	assert.Equal(t, 13, resp.Usage.TotalTokens)
	assert.Equal(t, resp, rec.aggregate())
}

func TestOllamaErrorField(t *testing.T) {
	h := NewOllamaHandler(Options{})
	h.ProcessChunk([]byte(`{"error":"model not found"}` + "\n"))
	h.Complete()
	assert.EqualError(t, h.Err(), "ollama: model not found")
}

func TestCompleteIsIdempotent(t *testing.T) {
	rec := &recorder{}
	h := NewOllamaHandler(Options{Callback: rec.callback})
	h.ProcessChunk([]byte(`{"message":{"content":"a"},"done":false}`))
	first := h.Complete()
	second := h.Complete()

	assert.Equal(t, "a", first.Text)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, countType(rec.all(), core.ChunkDone))
}

func TestIdleTimeoutForcesCompletion(t *testing.T) {
	rec := &recorder{}
	fired := make(chan struct{})
	h := NewOpenAIHandler(Options{
		Callback:      rec.callback,
		IdleTimeout:   30 * time.Millisecond,
		OnIdleTimeout: func() { close(fired) },
	})

	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		_, _ = pw.Write(sse(`{"choices":[{"index":0,"delta":{"content":"stalled"}}]}`))
	}()

	resp := Pump(context.Background(), pr, h)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("idle callback not invoked")
	}
	assert.Equal(t, "stalled", resp.Text)
	assert.ErrorIs(t, h.Err(), ErrIdleTimeout)
	chunks := rec.all()
	assert.Equal(t, core.ChunkDone, chunks[len(chunks)-1].Type)
	assert.Equal(t, 1, countType(chunks, core.ChunkDone))
}

func TestPumpContextCancel(t *testing.T) {
	h := NewOllamaHandler(Options{})
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _ = pw.Write([]byte(`{"message":{"content":"x"},"done":false}` + "\n"))
		cancel()
	}()

	resp := Pump(ctx, pr, h)
	assert.ErrorIs(t, h.Err(), context.Canceled)
	assert.NotNil(t, resp)
}

func TestPumpReaderEOF(t *testing.T) {
	h := NewOpenAIHandler(Options{})
	resp := Pump(context.Background(), strings.NewReader(string(sse(`{"choices":[{"index":0,"delta":{"content":"ok"}}]}`))), h)
	assert.Equal(t, "ok", resp.Text)
	assert.NoError(t, h.Err())
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New("mystery", Options{})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	h, err := New("Anthropic", Options{})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", h.Provider())
}

func TestAggregatorKeepsReportedModel(t *testing.T) {
	agg := NewAggregator()
	agg.AddChunk(core.StreamChunk{Type: core.ChunkContent, Content: "a", Metadata: core.ChunkMetadata{Model: "gpt-4o"}})
	agg.AddChunk(core.StreamChunk{Type: core.ChunkContent, Content: "b", Metadata: core.ChunkMetadata{Model: "gpt-4o-2024-08-06"}})
	agg.AddChunk(core.StreamChunk{Type: core.ChunkDone})
	assert.Equal(t, "gpt-4o-2024-08-06", agg.GetResponse().Model)

	rec := &recorder{}
	h := NewOpenAIHandler(Options{Model: "gpt-4o", Callback: rec.callback})
	h.ProcessChunk(sse(
		`{"choices":[{"index":0,"delta":{"content":"Hi"}}]}`,
		`{"model":"gpt-4o-2024-08-06","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	))
	h.Complete()
	assert.Equal(t, "gpt-4o-2024-08-06", rec.aggregate().Model)
}

func TestAggregatorReset(t *testing.T) {
	agg := NewAggregator()
	agg.AddChunk(core.StreamChunk{Type: core.ChunkContent, Content: "x", Metadata: core.ChunkMetadata{Provider: "openai"}})
	agg.AddChunk(core.StreamChunk{Type: core.ChunkError, Error: "boom"})
	assert.Equal(t, []string{"boom"}, agg.Errors())

	agg.Reset()
	assert.Equal(t, &core.ChatResponse{}, agg.GetResponse())
	assert.Empty(t, agg.Errors())
}
