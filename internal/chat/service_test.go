package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/internal/execution"
	"github.com/yukin371/quill/internal/pipeline"
	"github.com/yukin371/quill/internal/preview"
	"github.com/yukin371/quill/internal/providers"
	"github.com/yukin371/quill/internal/push"
	"github.com/yukin371/quill/internal/service"
	"github.com/yukin371/quill/internal/storage"
	"github.com/yukin371/quill/internal/tools"
	"github.com/yukin371/quill/internal/validator"
	"github.com/yukin371/quill/pkg/logger"
)

var testDay = time.Date(2024, 3, 15, 10, 0, 0, 0, time.Local)

// step is one scripted model response.
type step struct {
	text  string
	calls []core.ToolCall
	err   error
}

// scriptedModel replays steps and streams them as chunks when asked.
type scriptedModel struct {
	mu       sync.Mutex
	steps    []step
	requests [][]core.Message
	options  []core.ChatCompletionOptions
}

func (m *scriptedModel) Name() string                                 { return "openai" }
func (m *scriptedModel) IsAvailable() bool                            { return true }
func (m *scriptedModel) Ping(context.Context) error                   { return nil }
func (m *scriptedModel) ListModels(context.Context) ([]string, error) { return []string{"gpt-test"}, nil }

func (m *scriptedModel) GenerateChatCompletion(_ context.Context, msgs []core.Message, opts core.ChatCompletionOptions) (*core.ChatResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, append([]core.Message(nil), msgs...))
	m.options = append(m.options, opts)
	if len(m.steps) == 0 {
		m.mu.Unlock()
		return nil, errors.New("script exhausted")
	}
	st := m.steps[0]
	m.steps = m.steps[1:]
	m.mu.Unlock()

	if st.err != nil {
		return nil, st.err
	}
	resp := &core.ChatResponse{Text: st.text, ToolCalls: st.calls, Provider: "openai", Model: opts.Model}
	if opts.Stream && opts.StreamCallback != nil {
		if st.text != "" {
			opts.StreamCallback(core.StreamChunk{Type: core.ChunkContent, Content: st.text})
		}
		for i := range st.calls {
			opts.StreamCallback(core.StreamChunk{Type: core.ChunkToolCall, ToolCall: &st.calls[i]})
		}
		opts.StreamCallback(core.StreamChunk{Type: core.ChunkDone})
	}
	return resp, nil
}

type harness struct {
	chat  *Service
	model *scriptedModel
	store *storage.SQLiteStore
	ids   storage.SeedResult
	hub   *push.Hub
	gate  *preview.Gate
}

func newHarness(t *testing.T, policy *preview.Policy, steps ...step) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ids, err := storage.Seed(ctx, store, testDay)
	require.NoError(t, err)

	model := &scriptedModel{steps: steps}
	factory := providers.NewFactory(map[string]providers.Config{"openai": {DefaultModel: "gpt-test"}},
		func(providers.Config, *logger.Logger) (core.Provider, error) { return model, nil }, nil)
	names, err := validator.New(nil)
	require.NoError(t, err)

	tb := tools.NewDefaultToolBox(store, tools.Options{Now: func() time.Time { return testDay }})
	exec := execution.NewExecutor(tb, names, nil, nil, execution.ExecutorOptions{Timeout: 5 * time.Second}, nil)
	selection := pipeline.NewModelSelection(factory, tb, nil, exec.Monitor(), pipeline.Options{}, nil)
	manager := service.NewManager(factory, selection, names, nil, service.Options{Precedence: []string{"openai"}}, nil)

	var gate *preview.Gate
	if policy != nil {
		builder, err := preview.NewBuilder(nil, nil)
		require.NoError(t, err)
		gate = preview.NewGate(builder, *policy, nil, nil)
	}
	hub := push.NewHub(nil)
	svc := NewService(Deps{
		LLM:        manager,
		Tools:      exec,
		Transcript: store,
		Notes:      store,
		Gate:       gate,
		Hub:        hub,
	}, Options{Parallel: true}, nil)
	t.Cleanup(svc.Close)
	return &harness{chat: svc, model: model, store: store, ids: ids, hub: hub, gate: gate}
}

func drain(sub *push.Subscription) []push.LLMStream {
	var out []push.LLMStream
	for {
		select {
		case m := <-sub.C:
			out = append(out, m.(push.LLMStream))
		default:
			return out
		}
	}
}

func searchCall(id, query string) core.ToolCall {
	return core.NewToolCall(id, "smart_search", `{"query":"`+query+`"}`)
}

func TestEndToEndProjectNotes(t *testing.T) {
	h := newHarness(t, &preview.Policy{ApprovalTimeout: time.Second, AutoApproveOnTimeout: true},
		step{calls: []core.ToolCall{searchCall("call_1", "project notes")}},
		step{text: "You have two project notes: Alpha and Beta."},
	)
	sub := h.hub.Subscribe(64, push.ForChat("chat1"))
	defer sub.Close()

	err := h.chat.StreamMessage(context.Background(), Request{ChatID: "chat1", Content: "find my project notes and summarize them", ShowThinking: true})
	require.NoError(t, err)

	// the first request offered smart_search
	first := h.model.options[0]
	var offered []string
	for _, tool := range first.Tools {
		offered = append(offered, tool.Name())
	}
	assert.Contains(t, offered, "smart_search")
	assert.Equal(t, "gpt-test", first.Model)

	// the tool result fed back holds two hits
	second := h.model.requests[1]
	toolMsg := second[len(second)-1]
	assert.Equal(t, core.RoleTool, toolMsg.Role)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.True(t, gjson.Get(toolMsg.Content, "success").Bool())
	assert.EqualValues(t, 2, gjson.Get(toolMsg.Content, "result.count").Int())
	assert.Equal(t, "project notes", gjson.Get(toolMsg.Content, "result.query").String(), "well-typed args pass through")

	msgs := drain(sub)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.True(t, last.Done)
	assert.Empty(t, last.Error)

	var content string
	var actions []string
	for _, m := range msgs[:len(msgs)-1] {
		assert.False(t, m.Done)
		assert.Equal(t, "chat1", m.ChatNoteID)
		content += m.Content
		if m.ToolExecution != nil {
			actions = append(actions, m.ToolExecution.Action)
		}
	}
	assert.Equal(t, "You have two project notes: Alpha and Beta.", content)
	assert.Equal(t, []string{"start", "complete"}, actions)

	saved, err := h.store.LoadMessages(context.Background(), "chat1")
	require.NoError(t, err)
	require.Len(t, saved, 4)
	assert.Equal(t, []string{core.RoleUser, core.RoleAssistant, core.RoleTool, core.RoleAssistant},
		[]string{saved[0].Role, saved[1].Role, saved[2].Role, saved[3].Role})
}

func TestReusedCallIDsKeepTheirOwnResults(t *testing.T) {
	h := newHarness(t, nil,
		step{calls: []core.ToolCall{searchCall("call_0", "project notes"), searchCall("call_0", "zebra quartz")}},
		step{text: "done"},
	)
	_, err := h.chat.SendMessage(context.Background(), Request{ChatID: "dup", Content: "search twice"})
	require.NoError(t, err)

	second := h.model.requests[1]
	require.Len(t, second, 4)
	first, other := second[2], second[3]
	assert.Equal(t, core.RoleTool, first.Role)
	assert.Equal(t, core.RoleTool, other.Role)
	assert.Equal(t, "project notes", gjson.Get(first.Content, "result.query").String())
	assert.EqualValues(t, 2, gjson.Get(first.Content, "result.count").Int())
	assert.Equal(t, "zebra quartz", gjson.Get(other.Content, "result.query").String())
}

func TestSendMessageReturnsSources(t *testing.T) {
	h := newHarness(t, nil,
		step{calls: []core.ToolCall{searchCall("c1", "project notes")}},
		step{text: "done"},
	)
	reply, err := h.chat.SendMessage(context.Background(), Request{ChatID: "chat2", Content: "find my project notes"})
	require.NoError(t, err)
	assert.Equal(t, "done", reply.Response)
	assert.Equal(t, "chat2", reply.SessionID)
	assert.Equal(t, 2, reply.Iterations)
	assert.Len(t, reply.Sources, 2)
	assert.False(t, h.model.options[0].Stream, "non-streaming turns do not stream")
}

func TestHistoryIsSentOnNextTurn(t *testing.T) {
	h := newHarness(t, nil, step{text: "first"}, step{text: "second"})
	ctx := context.Background()
	_, err := h.chat.SendMessage(ctx, Request{ChatID: "c", Content: "one"})
	require.NoError(t, err)
	_, err = h.chat.SendMessage(ctx, Request{ChatID: "c", Content: "two"})
	require.NoError(t, err)

	req := h.model.requests[1]
	require.Len(t, req, 3)
	assert.Equal(t, "one", req[0].Content)
	assert.Equal(t, "first", req[1].Content)
	assert.Equal(t, "two", req[2].Content)
}

func TestContextAndMentions(t *testing.T) {
	h := newHarness(t, nil, step{text: "ok"})
	reply, err := h.chat.SendMessage(context.Background(), Request{
		ChatID:         "c",
		Content:        "project",
		IncludeContext: true,
		Mentions:       []Mention{{NoteID: h.ids["Projects"]}, {NoteID: "missing"}},
	})
	require.NoError(t, err)

	req := h.model.requests[0]
	require.Len(t, req, 2)
	assert.Equal(t, core.RoleSystem, req[0].Role)
	assert.Contains(t, req[0].Content, "Project Alpha notes")
	assert.NotEmpty(t, reply.Sources)

	saved, err := h.store.LoadMessages(context.Background(), "c")
	require.NoError(t, err)
	for _, m := range saved {
		assert.NotEqual(t, core.RoleSystem, m.Role, "context is not persisted")
	}
}

func TestRejectedCallIsReported(t *testing.T) {
	create := core.NewToolCall("c1", "manage_note", `{"action":"create","title":"x","content":"y"}`)
	h := newHarness(t, &preview.Policy{ApprovalTimeout: 20 * time.Millisecond, AutoApproveOnTimeout: false},
		step{calls: []core.ToolCall{create}},
		step{text: "I could not create the note."},
	)
	reply, err := h.chat.SendMessage(context.Background(), Request{ChatID: "c", Content: "create a note"})
	require.NoError(t, err)
	assert.Equal(t, "I could not create the note.", reply.Response)

	toolMsg := h.model.requests[1][2]
	assert.False(t, gjson.Get(toolMsg.Content, "success").Bool())
	assert.Contains(t, gjson.Get(toolMsg.Content, "error").String(), "declined")

	hits, err := h.store.SearchNotes(context.Background(), "x", 10)
	require.NoError(t, err)
	for _, hit := range hits {
		assert.NotEqual(t, "x", hit.Title)
	}
}

func TestIterationLimitForcesAnswer(t *testing.T) {
	steps := make([]step, 0, DefaultMaxIterations+1)
	for i := range DefaultMaxIterations {
		steps = append(steps, step{calls: []core.ToolCall{searchCall("c"+string(rune('a'+i)), "project")}})
	}
	steps = append(steps, step{text: "summary"})
	h := newHarness(t, nil, steps...)

	reply, err := h.chat.SendMessage(context.Background(), Request{ChatID: "c", Content: "loop"})
	require.NoError(t, err)
	assert.Equal(t, "summary", reply.Response)
	last := h.model.options[len(h.model.options)-1]
	assert.False(t, last.ToolsEnabled())
	assert.Empty(t, last.Tools)
}

func TestStreamFailureEndsWithDone(t *testing.T) {
	h := newHarness(t, nil, step{err: errors.New("upstream 500")})
	sub := h.hub.Subscribe(8, push.ForChat("c"))
	defer sub.Close()

	err := h.chat.StreamMessage(context.Background(), Request{ChatID: "c", Content: "hi"})
	require.ErrorIs(t, err, service.ErrAllProvidersFailed)

	msgs := drain(sub)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Done)
	assert.Contains(t, msgs[0].Error, "upstream 500")

	saved, err := h.store.LoadMessages(context.Background(), "c")
	require.NoError(t, err)
	assert.Len(t, saved, 1, "the user message is kept")
}

func TestStreamMessageAsync(t *testing.T) {
	h := newHarness(t, nil, step{text: "later"})
	sub := h.hub.Subscribe(8, push.ForChat("c"))
	defer sub.Close()

	require.ErrorIs(t, h.chat.StreamMessageAsync(context.Background(), Request{ChatID: "c", Content: " "}), ErrEmptyMessage)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.chat.StreamMessageAsync(ctx, Request{ChatID: "c", Content: "hi"}))
	cancel() // the turn outlives the request context

	var done push.LLMStream
	require.Eventually(t, func() bool {
		for {
			select {
			case m := <-sub.C:
				if s := m.(push.LLMStream); s.Done {
					done = s
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, done.Error)

	h.chat.Close()
	assert.ErrorIs(t, h.chat.StreamMessageAsync(context.Background(), Request{ChatID: "c", Content: "hi"}), ErrClosed)
}
