// Package chat runs conversation turns: it sends the transcript to the
// model, executes the tool calls the model asks for, feeds the results back
// and repeats until the model answers with plain content.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/internal/preview"
	"github.com/yukin371/quill/internal/push"
	"github.com/yukin371/quill/pkg/logger"
)

const (
	DefaultMaxIterations = 5
	// DefaultStreamTimeout bounds a background streaming turn.
	DefaultStreamTimeout = 10 * time.Minute

	contextNoteLimit   = 5
	mentionContentSize = 2000
)

var (
	ErrEmptyMessage  = errors.New("message is empty")
	ErrMissingChatID = errors.New("chat id is required")
	ErrClosed        = errors.New("chat service is closed")
)

// Completer sends a conversation to a model. *service.Manager satisfies it.
type Completer interface {
	GenerateChatCompletion(ctx context.Context, messages []core.Message, opts core.ChatCompletionOptions) (*core.ChatResponse, error)
}

// ToolRunner executes tool calls. *execution.Executor satisfies it.
type ToolRunner interface {
	ExecuteAll(ctx context.Context, calls []core.ToolCall, provider string, parallel bool) []*core.ToolResponse
}

// Transcript persists chat messages. *storage.SQLiteStore satisfies it.
type Transcript interface {
	AppendMessages(ctx context.Context, chatID string, messages ...core.Message) error
	LoadMessages(ctx context.Context, chatID string) ([]core.Message, error)
}

// Options configure the service.
type Options struct {
	MaxIterations int
	// Parallel runs the tool calls of one assistant turn concurrently.
	Parallel      bool
	StreamTimeout time.Duration
}

// Deps are the collaborators. Gate, Hub and Notes may be nil.
type Deps struct {
	LLM        Completer
	Tools      ToolRunner
	Transcript Transcript
	Notes      core.NoteStore
	Gate       *preview.Gate
	Hub        *push.Hub
}

// Source is a note that informed an answer.
type Source struct {
	NoteID  string `json:"noteId"`
	Title   string `json:"title"`
	Snippet string `json:"snippet,omitempty"`
}

// Mention references a note the user pointed at explicitly.
type Mention struct {
	NoteID string `json:"noteId"`
	Title  string `json:"title,omitempty"`
}

// Request is one user message plus per-request switches.
type Request struct {
	ChatID  string
	Content string
	// IncludeContext searches the notes for the message and passes the hits
	// to the model.
	IncludeContext bool
	ShowThinking   bool
	Mentions       []Mention
	Options        core.ChatCompletionOptions
}

// Reply is the outcome of a non-streaming turn.
type Reply struct {
	Response   string   `json:"response"`
	Sources    []Source `json:"sources,omitempty"`
	SessionID  string   `json:"sessionId"`
	Provider   string   `json:"provider,omitempty"`
	Model      string   `json:"model,omitempty"`
	Iterations int      `json:"iterations"`
}

// Service 对话服务：驱动"模型 -> 工具 -> 模型"的循环
type Service struct {
	deps Deps
	opts Options
	log  *logger.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewService creates a chat service.
func NewService(deps Deps, opts Options, log *logger.Logger) *Service {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = DefaultStreamTimeout
	}
	return &Service{deps: deps, opts: opts, log: log.Named("chat")}
}

// SendMessage runs one full turn and returns the final answer.
func (s *Service) SendMessage(ctx context.Context, req Request) (*Reply, error) {
	return s.turn(ctx, req, nil)
}

// StreamMessage runs one turn, publishing llm-stream messages to the hub as
// output arrives. The last message always has Done set, carrying Error when
// the turn failed.
func (s *Service) StreamMessage(ctx context.Context, req Request) error {
	emit := func(m push.LLMStream) {
		m.ChatNoteID = req.ChatID
		s.deps.Hub.Publish(m)
	}
	_, err := s.turn(ctx, req, emit)
	final := push.LLMStream{Done: true}
	if err != nil {
		final.Error = err.Error()
	}
	emit(final)
	return err
}

// StreamMessageAsync starts StreamMessage in the background and returns at
// once. The turn is detached from ctx cancellation but bounded by the
// stream timeout; Close waits for running turns.
func (s *Service) StreamMessageAsync(ctx context.Context, req Request) error {
	if strings.TrimSpace(req.Content) == "" {
		return ErrEmptyMessage
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StreamTimeout)
		defer cancel()
		if err := s.StreamMessage(runCtx, req); err != nil {
			s.log.Warn("stream turn for chat %s failed: %v", req.ChatID, err)
		}
	}()
	return nil
}

// Close rejects new background turns and waits for running ones.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) turn(ctx context.Context, req Request, emit func(push.LLMStream)) (*Reply, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyMessage
	}
	if req.ChatID == "" {
		return nil, ErrMissingChatID
	}

	var history []core.Message
	if s.deps.Transcript != nil {
		var err error
		history, err = s.deps.Transcript.LoadMessages(ctx, req.ChatID)
		if err != nil {
			return nil, fmt.Errorf("load transcript: %w", err)
		}
	}

	contextMsgs, sources := s.gatherContext(ctx, req)
	conv := core.NewConversationHistory(history...)
	for _, m := range contextMsgs {
		conv.Append(m)
	}
	// everything from the user message on is persisted
	base := conv.Count()
	conv.AddUserMessage(req.Content)

	t := &turnState{
		svc:     s,
		req:     req,
		emit:    emit,
		conv:    conv,
		base:    base,
		sources: sources,
	}
	resp, err := t.run(ctx)

	if s.deps.Transcript != nil {
		// persist whatever happened, including a failed turn's user message
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if perr := s.deps.Transcript.AppendMessages(saveCtx, req.ChatID, t.conv.Since(t.base)...); perr != nil {
			s.log.Error("save transcript for chat %s: %v", req.ChatID, perr)
		}
		cancel()
	}
	if err != nil {
		return nil, err
	}

	return &Reply{
		Response:   resp.Text,
		Sources:    dedupeSources(t.sources),
		SessionID:  req.ChatID,
		Provider:   resp.Provider,
		Model:      resp.Model,
		Iterations: t.iterations,
	}, nil
}

// gatherContext builds system messages from mentioned notes and, when asked,
// from a search over the notes.
func (s *Service) gatherContext(ctx context.Context, req Request) ([]core.Message, []Source) {
	if s.deps.Notes == nil {
		return nil, nil
	}
	var (
		parts   []string
		sources []Source
	)
	for _, m := range req.Mentions {
		note, err := s.deps.Notes.GetNote(ctx, m.NoteID)
		if err != nil {
			s.log.Debug("mention %s skipped: %v", m.NoteID, err)
			continue
		}
		parts = append(parts, fmt.Sprintf("Note %q (id %s):\n%s", note.Title, note.ID, truncate(note.Content, mentionContentSize)))
		sources = append(sources, Source{NoteID: note.ID, Title: note.Title})
	}
	if req.IncludeContext {
		hits, err := s.deps.Notes.SearchNotes(ctx, req.Content, contextNoteLimit)
		if err != nil {
			s.log.Warn("context search failed: %v", err)
		}
		for _, h := range hits {
			parts = append(parts, fmt.Sprintf("- %s (id %s): %s", h.Title, h.NoteID, h.Snippet))
			sources = append(sources, Source{NoteID: h.NoteID, Title: h.Title, Snippet: h.Snippet})
		}
	}
	if len(parts) == 0 {
		return nil, nil
	}
	msg := core.Message{
		Role:    core.RoleSystem,
		Content: "Relevant notes from the user's knowledge base:\n\n" + strings.Join(parts, "\n"),
	}
	return []core.Message{msg}, sources
}

// turnState carries one turn through its iterations.
type turnState struct {
	svc        *Service
	req        Request
	emit       func(push.LLMStream)
	conv       *core.ConversationHistory
	base       int
	sources    []Source
	iterations int
}

func (t *turnState) streaming() bool { return t.emit != nil }

func (t *turnState) publish(m push.LLMStream) {
	if t.emit != nil {
		t.emit(m)
	}
}

func (t *turnState) append(m core.Message) {
	t.conv.Append(m)
}

func (t *turnState) run(ctx context.Context) (*core.ChatResponse, error) {
	s := t.svc
	for t.iterations < s.opts.MaxIterations {
		t.iterations++
		resp, err := t.complete(ctx, t.req.Options)
		if err != nil {
			return nil, err
		}
		t.append(core.Message{Role: core.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})
		if !resp.HasToolCalls() {
			return resp, nil
		}
		if err := t.runTools(ctx, resp); err != nil {
			return nil, err
		}
	}

	// out of iterations: ask for an answer without tools
	s.log.Warn("chat %s reached %d tool iterations, requesting a final answer", t.req.ChatID, s.opts.MaxIterations)
	opts := t.req.Options
	opts.EnableTools = core.Bool(false)
	opts.Tools = nil
	resp, err := t.complete(ctx, opts)
	if err != nil {
		return nil, err
	}
	t.append(core.Message{Role: core.RoleAssistant, Content: resp.Text})
	return resp, nil
}

func (t *turnState) complete(ctx context.Context, opts core.ChatCompletionOptions) (*core.ChatResponse, error) {
	if t.streaming() {
		opts.Stream = true
		opts.StreamCallback = func(chunk core.StreamChunk) {
			if chunk.Type == core.ChunkContent && chunk.Content != "" {
				t.publish(push.LLMStream{Content: chunk.Content})
			}
		}
	}
	return t.svc.deps.LLM.GenerateChatCompletion(ctx, t.conv.Messages(), opts)
}

// runTools gates, executes and records the tool calls of one response.
func (t *turnState) runTools(ctx context.Context, resp *core.ChatResponse) error {
	s := t.svc
	calls := resp.ToolCalls

	approved, err := t.approve(ctx, calls)
	if err != nil {
		return err
	}
	allowed := make([]core.ToolCall, len(approved))
	for i, idx := range approved {
		allowed[i] = calls[idx]
	}

	for _, call := range allowed {
		args, _ := call.ParsedArguments()
		if t.req.ShowThinking {
			t.publish(push.LLMStream{Thinking: fmt.Sprintf("Calling %s", call.Function.Name)})
		}
		t.publish(push.LLMStream{ToolExecution: &push.ToolExecution{
			Tool: call.Function.Name, Args: args, ToolCallID: call.ID, Action: "start",
		}})
	}

	// indexed by position: providers may reuse call ids within a batch
	results := make([]*core.ToolResponse, len(calls))
	if len(allowed) > 0 {
		out := s.deps.Tools.ExecuteAll(ctx, allowed, resp.Provider, s.opts.Parallel)
		for i, idx := range approved {
			results[idx] = out[i]
		}
	}
	for i := range results {
		if results[i] == nil {
			results[i] = core.Failure("the user declined this tool call", &core.ErrorHelp{
				Suggestions: []string{"answer with the information you already have", "ask the user before retrying"},
			})
		}
	}

	// results go back in the order the model asked for them
	for i, call := range calls {
		res := results[i]
		t.append(core.Message{
			Role:       core.RoleTool,
			Content:    res.String(),
			ToolCallID: call.ID,
			Name:       call.Function.Name,
		})
		t.collectSources(call, res)

		te := &push.ToolExecution{Tool: call.Function.Name, ToolCallID: call.ID, Action: "complete", Result: res.Result}
		if !res.Success {
			te.Action = "error"
			te.Error = res.Error
		}
		t.publish(push.LLMStream{ToolExecution: te})
	}
	return ctx.Err()
}

// approve asks the gate about calls and returns the positions that may run.
// Without a gate everything runs.
func (t *turnState) approve(ctx context.Context, calls []core.ToolCall) ([]int, error) {
	gate := t.svc.deps.Gate
	if gate == nil {
		all := make([]int, len(calls))
		for i := range calls {
			all[i] = i
		}
		return all, nil
	}
	plan := gate.Propose(ctx, calls)
	if plan.RequiresConfirmation {
		t.publish(push.LLMStream{Thinking: fmt.Sprintf("Waiting for approval of plan %s", plan.ID)})
	}
	approval, err := gate.AwaitApproval(ctx, plan.ID)
	if err != nil {
		return nil, fmt.Errorf("await approval: %w", err)
	}
	var allowed []int
	for i, call := range calls {
		if approval.Allows(call) {
			allowed = append(allowed, i)
		}
	}
	return allowed, nil
}

// collectSources records the notes a search returned.
func (t *turnState) collectSources(call core.ToolCall, res *core.ToolResponse) {
	if !res.Success || call.Function.Name != "smart_search" {
		return
	}
	gjson.Get(res.String(), "result.results").ForEach(func(_, hit gjson.Result) bool {
		t.sources = append(t.sources, Source{
			NoteID:  hit.Get("noteId").String(),
			Title:   hit.Get("title").String(),
			Snippet: hit.Get("snippet").String(),
		})
		return true
	})
}

func dedupeSources(in []Source) []Source {
	seen := map[string]bool{}
	var out []Source
	for _, s := range in {
		if s.NoteID == "" || seen[s.NoteID] {
			continue
		}
		seen[s.NoteID] = true
		out = append(out, s)
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
