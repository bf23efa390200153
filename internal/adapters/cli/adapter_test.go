package cli

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/internal/eventbus"
	"github.com/yukin371/quill/internal/preview"
	"github.com/yukin371/quill/internal/push"
	"github.com/yukin371/quill/pkg/logger"
)

type recordingApprover struct {
	got chan preview.Approval
	err error
}

func (r *recordingApprover) RecordApproval(_ context.Context, a preview.Approval) error {
	r.got <- a
	return r.err
}

// syncBuffer guards output written from the prompt goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer(80, true)
	require.NoError(t, err)
	return r
}

func updatePlan(t *testing.T) preview.ExecutionPlan {
	t.Helper()
	b, err := preview.NewBuilder(nil, func(id string) (string, bool) {
		return "old line", id == "n1"
	})
	require.NoError(t, err)
	call := core.NewToolCall("c1", "manage_note", `{"action":"update","noteId":"n1","content":"new line"}`)
	return b.CreatePlan([]core.ToolCall{call}, preview.ConfirmDefault)
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		input    string
		approved bool
		rejected []string
	}{
		{"", true, nil},
		{"Y", true, nil},
		{" yes ", true, nil},
		{"n", false, nil},
		{"no", false, nil},
		{"maybe", false, nil},
		{"except manage_note, clone_note", true, []string{"manage_note", "clone_note"}},
		{"EXCEPT call_X", true, []string{"call_X"}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			approved, rejected := ParseDecision(tt.input)
			assert.Equal(t, tt.approved, approved)
			assert.Equal(t, tt.rejected, rejected)
		})
	}
}

func TestConfirm(t *testing.T) {
	out := &bytes.Buffer{}
	a := NewAdapter(strings.NewReader("\nn\n"), out, newRenderer(t), nil, logger.Discard())
	assert.True(t, a.Confirm("Continue?"))
	assert.False(t, a.Confirm("Continue?"))
	assert.False(t, a.Confirm("Continue?"), "EOF declines")
	assert.Contains(t, out.String(), "Continue? [Y/n]")
}

func TestReadLineWithoutTrailingNewline(t *testing.T) {
	a := NewAdapter(strings.NewReader("hello"), &bytes.Buffer{}, newRenderer(t), nil, logger.Discard())
	line, err := a.ReadLine("> ")
	require.NoError(t, err)
	assert.Equal(t, "hello", line)
	_, err = a.ReadLine("> ")
	assert.Error(t, err)
}

func TestRenderPlan(t *testing.T) {
	plan := updatePlan(t)
	require.True(t, plan.RequiresConfirmation)

	out := newRenderer(t).Plan(plan)
	assert.Contains(t, out, "Plan "+plan.ID[:8])
	assert.Contains(t, out, "["+string(plan.Previews[0].RiskLevel)+"]")
	assert.Contains(t, out, "- old line")
	assert.Contains(t, out, "+ new line")
	assert.Contains(t, out, "noteId")
}

func TestRenderToolExecution(t *testing.T) {
	r := newRenderer(t)
	start := r.ToolExecution(&push.ToolExecution{Tool: "smart_search", Action: "start", Args: map[string]any{"query": "alpha"}})
	assert.Contains(t, start, "smart_search")
	assert.Contains(t, start, `"query":"alpha"`)

	long := strings.Repeat("x", 500)
	done := r.ToolExecution(&push.ToolExecution{Tool: "smart_search", Action: "complete", Result: long})
	assert.Contains(t, done, "…")
	assert.Less(t, len(done), 300)

	failed := r.ToolExecution(&push.ToolExecution{Tool: "clone_note", Action: "error", Error: "note not found"})
	assert.Contains(t, failed, "clone_note: note not found")
	assert.Empty(t, r.ToolExecution(nil))
}

func TestFollowRendersTurn(t *testing.T) {
	hub := push.NewHub(logger.Discard())
	sub := hub.Subscribe(0, push.ForChat("chat-1"))
	out := &syncBuffer{}
	a := NewAdapter(strings.NewReader(""), out, newRenderer(t), nil, logger.Discard())

	finished := make(chan struct{})
	go func() {
		a.Follow(sub)
		close(finished)
	}()

	hub.Publish(push.LLMStream{ChatNoteID: "chat-1", ToolExecution: &push.ToolExecution{Tool: "smart_search", Action: "start"}})
	hub.Publish(push.LLMStream{ChatNoteID: "other", Content: "not mine"})
	hub.Publish(push.LLMStream{ChatNoteID: "chat-1", Content: "Two project "})
	hub.Publish(push.LLMStream{ChatNoteID: "chat-1", Content: "notes found."})
	hub.Publish(push.LLMStream{ChatNoteID: "chat-1", Done: true})

	require.True(t, a.WaitTurn(2*time.Second))
	hub.Close()
	<-finished

	text := out.String()
	assert.Contains(t, text, "smart_search")
	assert.Contains(t, text, "Two project notes found.")
	assert.NotContains(t, text, "not mine")
}

func TestWaitTurnTimesOut(t *testing.T) {
	a := NewAdapter(strings.NewReader(""), &bytes.Buffer{}, newRenderer(t), nil, logger.Discard())
	assert.False(t, a.WaitTurn(10*time.Millisecond))
}

func TestHandlePlanRecordsAnswer(t *testing.T) {
	approver := &recordingApprover{got: make(chan preview.Approval, 1)}
	out := &syncBuffer{}
	a := NewAdapter(strings.NewReader("except manage_note\n"), out, newRenderer(t), approver, logger.Discard())

	plan := updatePlan(t)
	require.NoError(t, a.HandlePlan(context.Background(), eventbus.Event{Type: eventbus.EventPlanCreated, Payload: plan}))

	select {
	case got := <-approver.got:
		assert.Equal(t, plan.ID, got.PlanID)
		assert.True(t, got.Approved)
		assert.Equal(t, []string{"manage_note"}, got.RejectedTools)
		assert.False(t, got.Automatic)
	case <-time.After(2 * time.Second):
		t.Fatal("no approval recorded")
	}
	assert.Contains(t, out.String(), "Approve?")
}

func TestHandlePlanAlreadyDecided(t *testing.T) {
	approver := &recordingApprover{got: make(chan preview.Approval, 1), err: preview.ErrAlreadyDecided}
	out := &syncBuffer{}
	a := NewAdapter(strings.NewReader("y\n"), out, newRenderer(t), approver, logger.Discard())

	require.NoError(t, a.HandlePlan(context.Background(), eventbus.Event{Payload: updatePlan(t)}))
	<-approver.got
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "already decided")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlePlanIgnoresLowRisk(t *testing.T) {
	approver := &recordingApprover{got: make(chan preview.Approval, 1)}
	a := NewAdapter(strings.NewReader("n\n"), &bytes.Buffer{}, newRenderer(t), approver, logger.Discard())

	require.NoError(t, a.HandlePlan(context.Background(), eventbus.Event{Payload: preview.ExecutionPlan{ID: "p1"}}))
	require.NoError(t, a.HandlePlan(context.Background(), eventbus.Event{Payload: "not a plan"}))
	select {
	case <-approver.got:
		t.Fatal("low risk plan should not prompt")
	case <-time.After(50 * time.Millisecond):
	}
}
