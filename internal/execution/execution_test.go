package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/internal/eventbus"
	"github.com/yukin371/quill/internal/feedback"
	"github.com/yukin371/quill/internal/tools"
)

type fakeTool struct {
	name  string
	det   bool
	calls atomic.Int32
	run   func(ctx context.Context, args map[string]any) (*core.ToolResponse, error)
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Deterministic() bool { return f.det }
func (f *fakeTool) Definition() core.Tool {
	return core.NewTool(f.name, "test tool", &core.JSONSchema{
		Type: core.SchemaObject,
		Properties: map[string]*core.JSONSchema{
			"query": {Type: core.SchemaString},
			"limit": {Type: core.SchemaInteger},
		},
	})
}
func (f *fakeTool) Execute(ctx context.Context, args map[string]any) (*core.ToolResponse, error) {
	f.calls.Add(1)
	if f.run != nil {
		return f.run(ctx, args)
	}
	return core.Success(map[string]any{"echo": args["query"]}, nil), nil
}

func newExecutor(t *testing.T, opts ExecutorOptions, handlers ...tools.Handler) *Executor {
	t.Helper()
	tb := tools.NewToolBox()
	for _, h := range handlers {
		tb.Register(h)
	}
	return NewExecutor(tb, nil, nil, nil, opts, nil)
}

func TestCacheKeyIgnoresArgumentOrder(t *testing.T) {
	a := map[string]any{"query": "x", "limit": 5.0, "filters": map[string]any{"type": "text", "label": "l"}}
	b := map[string]any{"filters": map[string]any{"label": "l", "type": "text"}, "limit": 5.0, "query": "x"}

	ka, ok := CacheKey("smart_search", a, "openai")
	require.True(t, ok)
	kb, _ := CacheKey("smart_search", b, "openai")
	assert.Equal(t, ka, kb)

	kc, _ := CacheKey("smart_search", a, "anthropic")
	assert.NotEqual(t, ka, kc)

	_, ok = CacheKey("x", map[string]any{"bad": make(chan int)}, "p")
	assert.False(t, ok)
}

func TestResponseCacheTTL(t *testing.T) {
	c := NewResponseCache(10, time.Minute)
	args := map[string]any{"query": "x"}
	require.True(t, c.Set("smart_search", args, "openai", core.Success("r", nil), 100*time.Millisecond))

	got, ok := c.Get("smart_search", args, "openai")
	require.True(t, ok)
	assert.Equal(t, "r", got.Result)

	time.Sleep(150 * time.Millisecond)
	_, ok = c.Get("smart_search", args, "openai")
	assert.False(t, ok)

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.Equal(t, 0, c.Len())
}

func TestResponseCacheInvalidate(t *testing.T) {
	c := NewResponseCache(10, time.Minute)
	c.Set("a", map[string]any{"q": 1.0}, "p", core.Success(1, nil), 0)
	c.Set("a", map[string]any{"q": 2.0}, "p", core.Success(2, nil), 0)
	c.Set("b", map[string]any{"q": 1.0}, "p", core.Success(3, nil), 0)

	assert.Equal(t, 2, c.InvalidateTool("a"))
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("b", map[string]any{"q": 1.0}, "p")
	require.True(t, ok)
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.EqualValues(t, 1, c.Stats().Hits)
	c.ResetStats()
	assert.EqualValues(t, 0, c.Stats().Hits)
}

func TestMonitorAutoDisable(t *testing.T) {
	bus := eventbus.New(nil)
	var disabled []ToolStats
	bus.Subscribe(eventbus.EventToolDisabled, func(_ context.Context, e eventbus.Event) error {
		disabled = append(disabled, e.Payload.(ToolStats))
		return nil
	})
	m := NewMonitor(0, bus, nil)
	assert.Equal(t, DefaultDisableThreshold, m.Threshold())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m.RecordExecution(ctx, ExecutionRecord{ToolName: "x", Provider: "openai", Status: OutcomeFailure, Error: "boom"})
	}
	assert.False(t, m.IsToolDisabled("x", "openai"))

	m.RecordExecution(ctx, ExecutionRecord{ToolName: "x", Provider: "openai", Status: OutcomeTimeout})
	assert.True(t, m.IsToolDisabled("x", "openai"))
	require.Len(t, disabled, 1)
	assert.Equal(t, "openai", disabled[0].Provider)

	// other providers are tracked separately
	m.RecordExecution(ctx, ExecutionRecord{ToolName: "x", Provider: "anthropic", Status: OutcomeSuccess})
	assert.True(t, m.IsToolDisabled("x", "openai"))
	assert.False(t, m.IsToolDisabled("x", "anthropic"))
	assert.Equal(t, []string{"x"}, m.DisabledTools("openai"))

	stats, ok := m.Stats("x", "openai")
	require.True(t, ok)
	assert.Equal(t, 6, stats.ConsecutiveFailures)
	assert.Equal(t, 0.0, stats.Reliability)
	assert.Equal(t, "boom", stats.LastError)

	assert.True(t, m.ResetTool("x", "openai"))
	assert.False(t, m.IsToolDisabled("x", "openai"))
	assert.False(t, m.ResetTool("y", "openai"))
	assert.Len(t, m.Snapshot(), 2)
}

func TestExecuteWithTimeout(t *testing.T) {
	ctx := context.Background()

	res := ExecuteWithTimeout(ctx, "fast", func(context.Context) (any, error) { return 42, nil }, time.Second)
	assert.True(t, res.Success)
	assert.Equal(t, 42, res.Result)

	res = ExecuteWithTimeout(ctx, "slow", func(c context.Context) (any, error) {
		<-c.Done()
		return nil, c.Err()
	}, 50*time.Millisecond)
	assert.True(t, res.TimedOut)
	assert.ErrorIs(t, res.Err, ErrTimeout)

	res = ExecuteWithTimeout(ctx, "panics", func(context.Context) (any, error) { panic("bad") }, time.Second)
	assert.False(t, res.Success)
	assert.Contains(t, res.Err.Error(), "panicked")

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	res = ExecuteWithTimeout(cctx, "cancelled", func(c context.Context) (any, error) {
		<-c.Done()
		return nil, c.Err()
	}, time.Second)
	assert.False(t, res.TimedOut)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestExecutorCoercesAndCaches(t *testing.T) {
	search := &fakeTool{name: "search", det: true}
	e := newExecutor(t, ExecutorOptions{}, search)
	ctx := context.Background()

	call := core.NewToolCall("c1", "search", `{"query": "x", "limit": "5"}`)
	resp := e.Execute(ctx, call, "openai")
	require.True(t, resp.Success, resp.Error)
	assert.NotNil(t, resp.Metadata["corrections"])
	assert.Equal(t, "c1", resp.Metadata["executionId"])
	assert.Nil(t, resp.Metadata["cached"])

	again := e.Execute(ctx, core.NewToolCall("c2", "search", `{"limit": 5, "query": "x"}`), "openai")
	require.True(t, again.Success)
	assert.Equal(t, true, again.Metadata["cached"])
	assert.EqualValues(t, 1, search.calls.Load())

	rec, ok := e.Feedback().GetExecution("c1")
	require.True(t, ok)
	assert.Equal(t, feedback.StatusSuccess, rec.Status)
}

func TestExecutorWriteClearsCache(t *testing.T) {
	search := &fakeTool{name: "search", det: true}
	write := &fakeTool{name: "write"}
	e := newExecutor(t, ExecutorOptions{}, search, write)
	ctx := context.Background()

	e.Execute(ctx, core.NewToolCall("1", "search", `{"query": "x"}`), "openai")
	require.Equal(t, 1, e.Cache().Len())
	e.Execute(ctx, core.NewToolCall("2", "write", `{"query": "y"}`), "openai")
	assert.Equal(t, 0, e.Cache().Len())
	e.Execute(ctx, core.NewToolCall("3", "search", `{"query": "x"}`), "openai")
	assert.EqualValues(t, 2, search.calls.Load())
}

// noteTool reads or writes depending on its query argument.
type noteTool struct{ fakeTool }

func (n *noteTool) Mutates(args map[string]any) bool { return args["query"] != "read" }

func TestExecutorReadsKeepCache(t *testing.T) {
	search := &fakeTool{name: "search", det: true}
	note := &noteTool{fakeTool{name: "note"}}
	e := newExecutor(t, ExecutorOptions{}, search, note)
	ctx := context.Background()

	e.Execute(ctx, core.NewToolCall("1", "search", `{"query": "x"}`), "openai")
	e.Execute(ctx, core.NewToolCall("2", "search", `{"query": "x"}`), "openai")
	require.EqualValues(t, 1, e.Cache().Stats().Hits)

	e.Execute(ctx, core.NewToolCall("3", "note", `{"query": "read"}`), "openai")
	assert.Equal(t, 1, e.Cache().Len())
	assert.EqualValues(t, 1, e.Cache().Stats().Hits)

	e.Execute(ctx, core.NewToolCall("4", "note", `{"query": "write"}`), "openai")
	assert.Equal(t, 0, e.Cache().Len())
	assert.EqualValues(t, 1, e.Cache().Stats().Hits)
	assert.EqualValues(t, 1, e.Cache().Stats().Misses)
}

func TestExecutorRejectsBadCalls(t *testing.T) {
	e := newExecutor(t, ExecutorOptions{}, &fakeTool{name: "search"})
	ctx := context.Background()

	resp := e.Execute(ctx, core.NewToolCall("1", "serch", `{}`), "openai")
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Help)
	assert.Contains(t, resp.Help.Suggestions[0], "search")

	resp = e.Execute(ctx, core.NewToolCall("2", "search", `{"query": `), "openai")
	assert.False(t, resp.Success)

	// an optional argument that cannot be coerced is dropped
	resp = e.Execute(ctx, core.NewToolCall("3", "search", `{"query": "x", "limit": "many"}`), "openai")
	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Metadata["corrections"])
}

func TestExecutorDisablesFailingTool(t *testing.T) {
	flaky := &fakeTool{name: "flaky", run: func(context.Context, map[string]any) (*core.ToolResponse, error) {
		return nil, errors.New("store offline")
	}}
	e := newExecutor(t, ExecutorOptions{}, flaky)
	ctx := context.Background()

	for i := 0; i < DefaultDisableThreshold; i++ {
		resp := e.Execute(ctx, core.NewToolCall("", "flaky", `{}`), "openai")
		require.False(t, resp.Success)
	}
	resp := e.Execute(ctx, core.NewToolCall("", "flaky", `{}`), "openai")
	assert.Contains(t, resp.Error, "disabled")
	assert.EqualValues(t, DefaultDisableThreshold, flaky.calls.Load())

	// still available to another provider
	e.Execute(ctx, core.NewToolCall("", "flaky", `{}`), "anthropic")
	assert.EqualValues(t, DefaultDisableThreshold+1, flaky.calls.Load())
}

func TestExecutorTimeout(t *testing.T) {
	slow := &fakeTool{name: "slow", run: func(ctx context.Context, _ map[string]any) (*core.ToolResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := newExecutor(t, ExecutorOptions{Timeout: 50 * time.Millisecond}, slow)

	resp := e.Execute(context.Background(), core.NewToolCall("t1", "slow", `{}`), "openai")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "timed out")

	stats, _ := e.Monitor().Stats("slow", "openai")
	assert.Equal(t, 1, stats.Timeouts)
	rec, _ := e.Feedback().GetExecution("t1")
	assert.Equal(t, feedback.StatusTimeout, rec.Status)
}

func TestExecutorCancel(t *testing.T) {
	started := make(chan struct{})
	blocking := &fakeTool{name: "block", run: func(ctx context.Context, _ map[string]any) (*core.ToolResponse, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := newExecutor(t, ExecutorOptions{}, blocking)
	ctx := context.Background()

	done := make(chan *core.ToolResponse, 1)
	go func() { done <- e.Execute(ctx, core.NewToolCall("b1", "block", `{}`), "openai") }()
	<-started

	ok, err := e.Cancel(ctx, "b1", "user stopped it")
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case resp := <-done:
		assert.False(t, resp.Success)
		assert.Equal(t, true, resp.Metadata["cancelled"])
	case <-time.After(time.Second):
		t.Fatal("execution did not stop after cancel")
	}
	// a cancellation is not a tool failure
	stats, _ := e.Monitor().Stats("block", "openai")
	assert.Equal(t, 0, stats.Failures)
}

func TestExecuteAllKeepsOrder(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	tool := &fakeTool{name: "search", run: func(_ context.Context, args map[string]any) (*core.ToolResponse, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return core.Success(args["query"], nil), nil
	}}
	e := newExecutor(t, ExecutorOptions{Parallelism: 2}, tool)

	calls := []core.ToolCall{
		core.NewToolCall("", "search", `{"query": "a"}`),
		core.NewToolCall("", "search", `{"query": "b"}`),
		core.NewToolCall("", "search", `{"query": "c"}`),
		core.NewToolCall("", "search", `{"query": "d"}`),
	}
	out := e.ExecuteAll(context.Background(), calls, "openai", true)
	require.Len(t, out, 4)
	for i, want := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, want, out[i].Result)
	}
	assert.LessOrEqual(t, peak, 2)
}
