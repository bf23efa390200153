package stream

import (
	"strings"
	"sync"

	"github.com/yukin371/quill/internal/core"
)

// Aggregator rebuilds a ChatResponse from unified chunks. Feeding it the
// chunks a handler emitted yields the same response as the handler's
// Complete.
type Aggregator struct {
	mu           sync.Mutex
	provider     string
	model        string
	text         strings.Builder
	toolCalls    []core.ToolCall
	usage        *core.Usage
	finishReason string
	errs         []string
}

// NewAggregator creates an empty aggregator
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// AddChunk folds one chunk into the response.
func (a *Aggregator) AddChunk(chunk core.StreamChunk) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if chunk.Metadata.Provider != "" {
		a.provider = chunk.Metadata.Provider
	}
	// the provider reports the concrete model after the requested one
	if chunk.Metadata.Model != "" {
		a.model = chunk.Metadata.Model
	}
	if chunk.Metadata.Usage != nil {
		u := *chunk.Metadata.Usage
		a.usage = &u
	}
	if chunk.Metadata.FinishReason != "" {
		a.finishReason = chunk.Metadata.FinishReason
	}

	switch chunk.Type {
	case core.ChunkContent:
		a.text.WriteString(chunk.Content)
	case core.ChunkToolCall:
		if chunk.ToolCall != nil {
			a.toolCalls = append(a.toolCalls, *chunk.ToolCall)
		}
	case core.ChunkError:
		a.errs = append(a.errs, chunk.Error)
	}
}

// GetResponse returns the response accumulated so far.
func (a *Aggregator) GetResponse() *core.ChatResponse {
	a.mu.Lock()
	defer a.mu.Unlock()

	resp := &core.ChatResponse{
		Text:         a.text.String(),
		Provider:     a.provider,
		Model:        a.model,
		FinishReason: a.finishReason,
	}
	if len(a.toolCalls) > 0 {
		resp.ToolCalls = append([]core.ToolCall(nil), a.toolCalls...)
	}
	if a.usage != nil {
		u := *a.usage
		resp.Usage = &u
	}
	return resp
}

// Errors returns the error messages seen in the stream.
func (a *Aggregator) Errors() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.errs...)
}

// Reset clears all accumulated state.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.provider = ""
	a.model = ""
	a.text.Reset()
	a.toolCalls = nil
	a.usage = nil
	a.finishReason = ""
	a.errs = nil
}
