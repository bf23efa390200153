// Package stream normalizes provider streaming formats into the unified
// chunk vocabulary {content, tool_call, error, done}.
package stream

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/pkg/logger"
)

// ErrIdleTimeout is reported when a provider stops sending data without
// finishing the stream.
var ErrIdleTimeout = errors.New("stream idle timeout")

// ErrUnknownProvider is returned by New for unsupported stream formats.
var ErrUnknownProvider = errors.New("unknown stream provider")

// Handler consumes raw bytes from one provider stream and emits unified
// chunks. Raw input may split lines anywhere; handlers buffer partial lines.
type Handler interface {
	Provider() string
	// ProcessChunk parses raw stream bytes and emits zero or more chunks.
	ProcessChunk(raw []byte)
	// HandleError emits an error chunk without ending the stream.
	HandleError(err error)
	// Complete ends the stream if still open (emitting done) and returns the
	// best-effort response. Safe to call more than once.
	Complete() *core.ChatResponse
	// Done is closed once the done chunk has been emitted.
	Done() <-chan struct{}
	// Err returns the first error seen, if any.
	Err() error
}

// Options configure a handler.
type Options struct {
	Model    string
	Callback core.StreamCallback
	// IdleTimeout ends the stream with an error when no data arrives for
	// this long. Zero disables it.
	IdleTimeout time.Duration
	// OnIdleTimeout runs after the idle timeout forced completion, typically
	// to cancel the underlying request.
	OnIdleTimeout func()
	Logger        *logger.Logger
}

// New returns the handler for provider.
func New(provider string, opts Options) (Handler, error) {
	switch strings.ToLower(provider) {
	case "openai":
		return NewOpenAIHandler(opts), nil
	case "anthropic":
		return NewAnthropicHandler(opts), nil
	case "ollama":
		return NewOllamaHandler(opts), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
}

// base carries the line buffering, emission, idle timer and completion
// logic shared by all handlers. Parsers run with mu held.
type base struct {
	provider string
	opts     Options
	log      *logger.Logger

	mu           sync.Mutex
	pending      []byte
	agg          *Aggregator
	model        string
	finishReason string
	usage        *core.Usage
	err          error
	finished     bool
	done         chan struct{}
	idle         *time.Timer

	handleLine func(line string)
	flush      func()
}

func newBase(provider string, opts Options) *base {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	b := &base{
		provider: provider,
		opts:     opts,
		log:      log,
		agg:      NewAggregator(),
		model:    opts.Model,
		done:     make(chan struct{}),
	}
	if opts.IdleTimeout > 0 {
		b.idle = time.AfterFunc(opts.IdleTimeout, b.onIdle)
	}
	return b
}

func (b *base) Provider() string { return b.provider }

func (b *base) Done() <-chan struct{} { return b.done }

func (b *base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *base) ProcessChunk(raw []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}
	if b.idle != nil {
		b.idle.Reset(b.opts.IdleTimeout)
	}

	b.pending = append(b.pending, raw...)
	for {
		i := bytes.IndexByte(b.pending, '\n')
		if i < 0 {
			return
		}
		line := strings.TrimRight(string(b.pending[:i]), "\r")
		b.pending = b.pending[i+1:]
		if strings.TrimSpace(line) != "" {
			b.handleLine(line)
		}
		if b.finished {
			return
		}
	}
}

func (b *base) HandleError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errorLocked(err)
}

func (b *base) Complete() *core.ChatResponse {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.finished {
		if rest := strings.TrimSpace(string(b.pending)); rest != "" {
			b.pending = nil
			b.handleLine(rest)
		}
		if !b.finished {
			b.flush()
			b.finishLocked()
		}
	}
	return b.agg.GetResponse()
}

func (b *base) onIdle() {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		return
	}
	b.log.Warn("%s stream idle for %s, forcing completion", b.provider, b.opts.IdleTimeout)
	b.errorLocked(fmt.Errorf("%w after %s", ErrIdleTimeout, b.opts.IdleTimeout))
	b.finishReason = "timeout"
	b.finishLocked()
	b.mu.Unlock()

	if b.opts.OnIdleTimeout != nil {
		b.opts.OnIdleTimeout()
	}
}

func (b *base) emit(chunk core.StreamChunk) {
	chunk.Metadata.Provider = b.provider
	if chunk.Metadata.Model == "" {
		chunk.Metadata.Model = b.model
	}
	b.agg.AddChunk(chunk)
	if b.opts.Callback != nil {
		b.opts.Callback(chunk)
	}
}

func (b *base) emitContent(text string) {
	if text == "" {
		return
	}
	b.emit(core.StreamChunk{Type: core.ChunkContent, Content: text})
}

func (b *base) emitToolCall(call core.ToolCall) {
	b.emit(core.StreamChunk{Type: core.ChunkToolCall, ToolCall: &call})
}

func (b *base) errorLocked(err error) {
	if err == nil || b.finished {
		return
	}
	if b.err == nil {
		b.err = err
	}
	b.log.Debug("%s stream error: %v", b.provider, err)
	b.emit(core.StreamChunk{Type: core.ChunkError, Error: err.Error()})
}

// finishLocked emits the single done chunk.
func (b *base) finishLocked() {
	if b.finished {
		return
	}
	b.finished = true
	if b.idle != nil {
		b.idle.Stop()
	}
	meta := core.ChunkMetadata{FinishReason: b.finishReason}
	if b.usage != nil {
		u := *b.usage
		meta.Usage = &u
	}
	done := core.StreamChunk{Type: core.ChunkDone, Metadata: meta}
	if b.err != nil {
		done.Error = b.err.Error()
	}
	b.emit(done)
	close(b.done)
}

// partialCall accumulates an incrementally streamed tool call.
type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func (p *partialCall) toolCall() core.ToolCall {
	args := p.args.String()
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	return core.NewToolCall(p.id, p.name, args)
}
