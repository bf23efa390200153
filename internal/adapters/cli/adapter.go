// Package cli renders chat turns in a terminal and asks the user to approve
// execution plans.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/yukin371/quill/internal/eventbus"
	"github.com/yukin371/quill/internal/preview"
	"github.com/yukin371/quill/internal/push"
	"github.com/yukin371/quill/pkg/logger"
)

// Approver records plan decisions. *preview.Gate satisfies it.
type Approver interface {
	RecordApproval(ctx context.Context, a preview.Approval) error
}

// Adapter 命令行适配器：渲染推送消息并通过标准输入征求确认
type Adapter struct {
	in       *bufio.Reader
	out      io.Writer
	render   *Renderer
	approver Approver
	log      *logger.Logger

	// mu serializes terminal output and prompts.
	mu      sync.Mutex
	content strings.Builder
	turns   chan struct{}
}

// NewAdapter creates an adapter. approver may be nil, in which case plans
// are only displayed.
func NewAdapter(in io.Reader, out io.Writer, render *Renderer, approver Approver, log *logger.Logger) *Adapter {
	return &Adapter{
		in:       bufio.NewReader(in),
		out:      out,
		render:   render,
		approver: approver,
		log:      log.Named("cli"),
		turns:    make(chan struct{}, 1),
	}
}

// ReadLine prints prompt and returns the next input line without the
// newline. io.EOF is returned once input is exhausted.
func (a *Adapter) ReadLine(prompt string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readLineLocked(prompt)
}

func (a *Adapter) readLineLocked(prompt string) (string, error) {
	fmt.Fprint(a.out, prompt)
	line, err := a.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Confirm asks a yes/no question. An empty answer counts as yes.
func (a *Adapter) Confirm(question string) bool {
	input, err := a.ReadLine(question + " [Y/n] ")
	if err != nil {
		return false
	}
	input = strings.TrimSpace(strings.ToLower(input))
	return input == "" || input == "y" || input == "yes"
}

// Printf writes a line of status output.
func (a *Adapter) Printf(format string, args ...any) {
	a.write(fmt.Sprintf(format, args...))
}

func (a *Adapter) write(s string) {
	if s == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprint(a.out, s)
}

// Follow renders push messages until sub is closed. Content chunks are
// buffered and rendered as markdown when the turn's done message arrives.
func (a *Adapter) Follow(sub *push.Subscription) {
	for msg := range sub.C {
		m, ok := msg.(push.LLMStream)
		if !ok {
			continue
		}
		a.handle(m)
	}
}

func (a *Adapter) handle(m push.LLMStream) {
	if m.Thinking != "" {
		a.write(a.render.Thinking(m.Thinking))
	}
	if m.ToolExecution != nil {
		a.write(a.render.ToolExecution(m.ToolExecution))
	}
	a.content.WriteString(m.Content)
	if m.Error != "" {
		a.write(a.render.Error(m.Error))
	}
	if !m.Done {
		return
	}
	a.write(a.render.Answer(a.content.String()))
	a.content.Reset()
	select {
	case a.turns <- struct{}{}:
	default:
	}
}

// WaitTurn blocks until a done message was rendered or timeout elapses.
func (a *Adapter) WaitTurn(timeout time.Duration) bool {
	select {
	case <-a.turns:
		return true
	case <-time.After(timeout):
		return false
	}
}

// HandlePlan is an event bus handler for plan:created. Plans that need
// confirmation are shown and the user's answer is recorded on the
// approver. The prompt runs on its own goroutine so the gate's timeout
// still applies while the user thinks.
func (a *Adapter) HandlePlan(ctx context.Context, event eventbus.Event) error {
	plan, ok := event.Payload.(preview.ExecutionPlan)
	if !ok || !plan.RequiresConfirmation {
		return nil
	}
	go a.promptPlan(context.WithoutCancel(ctx), plan)
	return nil
}

func (a *Adapter) promptPlan(ctx context.Context, plan preview.ExecutionPlan) {
	a.mu.Lock()
	fmt.Fprint(a.out, "\n"+a.render.Plan(plan))
	if a.approver == nil {
		a.mu.Unlock()
		return
	}
	input, err := a.readLineLocked("Approve? [Y/n/except tool,...] ")
	a.mu.Unlock()
	if err != nil {
		a.log.Warn("plan %s: read answer: %v", plan.ID, err)
		return
	}

	approved, rejected := ParseDecision(input)
	err = a.approver.RecordApproval(ctx, preview.Approval{
		PlanID:        plan.ID,
		Approved:      approved,
		RejectedTools: rejected,
		Reason:        "answered at terminal",
	})
	switch {
	case errors.Is(err, preview.ErrAlreadyDecided):
		a.write(a.render.Thinking("plan was already decided"))
	case err != nil:
		a.write(a.render.Error(err.Error()))
	}
}

// ParseDecision interprets an approval answer: empty, "y" or "yes"
// approve; "except a,b" approves everything but the named tools or call
// ids; anything else rejects.
func ParseDecision(input string) (approved bool, rejected []string) {
	input = strings.TrimSpace(input)
	lower := strings.ToLower(input)
	switch lower {
	case "", "y", "yes":
		return true, nil
	}
	if rest, ok := strings.CutPrefix(lower, "except "); ok {
		for _, name := range strings.Split(input[len(input)-len(rest):], ",") {
			if name = strings.TrimSpace(name); name != "" {
				rejected = append(rejected, name)
			}
		}
		return true, rejected
	}
	return false, nil
}
