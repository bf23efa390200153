package preview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/internal/eventbus"
	"github.com/yukin371/quill/pkg/logger"
)

var (
	ErrPlanNotFound    = errors.New("plan not found")
	ErrAlreadyDecided  = errors.New("plan approval already recorded")
	ErrApprovalPending = errors.New("plan is still awaiting approval")
)

const (
	DefaultApprovalTimeout = 30 * time.Second
	defaultRetainedPlans   = 256
)

// Approval is recorded exactly once per plan.
type Approval struct {
	PlanID        string    `json:"planId"`
	Approved      bool      `json:"approved"`
	RejectedTools []string  `json:"rejectedTools,omitempty"`
	ApprovedAt    time.Time `json:"approvedAt"`
	// Automatic is set when the timeout policy decided.
	Automatic bool   `json:"automatic,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// EventKeys lets bus subscribers filter by plan id.
func (a Approval) EventKeys() map[string]string {
	return map[string]string{"planId": a.PlanID}
}

// Allows reports whether a call may run under this approval. rejected may
// name either the tool or the tool call id.
func (a Approval) Allows(call core.ToolCall) bool {
	if !a.Approved {
		return false
	}
	for _, r := range a.RejectedTools {
		if r == call.Function.Name || r == call.ID {
			return false
		}
	}
	return true
}

// Policy configures approval gating for a deployment.
type Policy struct {
	Mode            ConfirmMode
	ApprovalTimeout time.Duration
	// AutoApproveOnTimeout approves an unanswered plan when the timeout
	// elapses; when false the plan is rejected instead.
	AutoApproveOnTimeout bool
}

// DefaultPolicy auto-approves after DefaultApprovalTimeout.
func DefaultPolicy() Policy {
	return Policy{ApprovalTimeout: DefaultApprovalTimeout, AutoApproveOnTimeout: true}
}

type planState struct {
	plan     ExecutionPlan
	approval *Approval
	decided  chan struct{}
}

// Gate tracks plans awaiting approval. At most one plan is pending per
// batch of tool calls.
type Gate struct {
	builder *Builder
	policy  Policy
	bus     *eventbus.Bus
	log     *logger.Logger
	now     func() time.Time

	mu      sync.Mutex
	plans   map[string]*planState
	pending map[string]string // batch key -> plan id
	order   []string
}

// NewGate creates a gate. bus and log may be nil.
func NewGate(builder *Builder, policy Policy, bus *eventbus.Bus, log *logger.Logger) *Gate {
	if policy.ApprovalTimeout <= 0 {
		policy.ApprovalTimeout = DefaultApprovalTimeout
	}
	return &Gate{
		builder: builder,
		policy:  policy,
		bus:     bus,
		log:     log.Named("preview"),
		now:     time.Now,
		plans:   make(map[string]*planState),
		pending: make(map[string]string),
	}
}

// Policy returns the active policy.
func (g *Gate) Policy() Policy { return g.policy }

// Propose builds a plan for calls and registers it. Proposing the same
// batch again while its plan is pending returns the existing plan.
func (g *Gate) Propose(ctx context.Context, calls []core.ToolCall) ExecutionPlan {
	key := BatchKey(calls)

	g.mu.Lock()
	if id, ok := g.pending[key]; ok {
		plan := g.plans[id].plan
		g.mu.Unlock()
		return plan
	}
	expired := g.expiredLocked(g.now())
	plan := g.builder.CreatePlan(calls, g.policy.Mode)
	g.plans[plan.ID] = &planState{plan: plan, decided: make(chan struct{})}
	g.pending[key] = plan.ID
	g.order = append(g.order, plan.ID)
	g.pruneLocked()
	g.mu.Unlock()

	for _, id := range expired {
		g.decideOnTimeout(ctx, id)
	}

	g.log.Debug("plan %s created for %d call(s), confirmation=%v", plan.ID, len(plan.Previews), plan.RequiresConfirmation)
	g.bus.Emit(ctx, eventbus.EventPlanCreated, plan)
	return plan
}

// GetPlan returns a plan by id.
func (g *Gate) GetPlan(id string) (ExecutionPlan, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.plans[id]
	if !ok {
		return ExecutionPlan{}, false
	}
	return st.plan, true
}

// GetApproval returns the recorded approval for a plan.
func (g *Gate) GetApproval(id string) (Approval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.plans[id]
	if !ok {
		return Approval{}, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	if st.approval == nil {
		return Approval{}, ErrApprovalPending
	}
	return *st.approval, nil
}

// PendingPlans lists plans that have no decision yet.
func (g *Gate) PendingPlans() []ExecutionPlan {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ExecutionPlan, 0, len(g.pending))
	for _, id := range g.order {
		if st := g.plans[id]; st != nil && st.approval == nil {
			out = append(out, st.plan)
		}
	}
	return out
}

// RecordApproval stores the decision for a plan. A second decision for the
// same plan fails with ErrAlreadyDecided.
func (g *Gate) RecordApproval(ctx context.Context, a Approval) error {
	if a.ApprovedAt.IsZero() {
		a.ApprovedAt = g.now()
	}

	g.mu.Lock()
	st, ok := g.plans[a.PlanID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPlanNotFound, a.PlanID)
	}
	if st.approval != nil {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyDecided, a.PlanID)
	}
	st.approval = &a
	delete(g.pending, st.plan.BatchKey)
	close(st.decided)
	g.mu.Unlock()

	event := eventbus.EventPlanApproved
	if !a.Approved {
		event = eventbus.EventPlanRejected
	}
	g.log.Info("plan %s decided: approved=%v automatic=%v", a.PlanID, a.Approved, a.Automatic)
	g.bus.Emit(ctx, event, a)
	return nil
}

// AwaitApproval blocks until the plan is decided. Plans that need no
// confirmation are approved at once. When the policy timeout elapses the
// plan is approved or rejected according to AutoApproveOnTimeout.
func (g *Gate) AwaitApproval(ctx context.Context, planID string) (Approval, error) {
	g.mu.Lock()
	st, ok := g.plans[planID]
	g.mu.Unlock()
	if !ok {
		return Approval{}, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}

	if !st.plan.RequiresConfirmation {
		g.decide(ctx, planID, true, "no confirmation required")
		return g.GetApproval(planID)
	}

	timer := time.NewTimer(g.policy.ApprovalTimeout)
	defer timer.Stop()

	select {
	case <-st.decided:
	case <-timer.C:
		g.decideOnTimeout(ctx, planID)
	case <-ctx.Done():
		// nobody is left to act on a later answer
		g.decide(context.WithoutCancel(ctx), planID, false, "approval abandoned: "+ctx.Err().Error())
		return Approval{}, ctx.Err()
	}
	return g.GetApproval(planID)
}

// decideOnTimeout applies AutoApproveOnTimeout to an unanswered plan.
func (g *Gate) decideOnTimeout(ctx context.Context, planID string) {
	reason := "approval timed out; rejected"
	if g.policy.AutoApproveOnTimeout {
		reason = "approval timed out; auto-approved"
	}
	g.log.Warn("plan %s: %s", planID, reason)
	g.decide(ctx, planID, g.policy.AutoApproveOnTimeout, reason)
}

// decide records an automatic decision unless one already exists.
func (g *Gate) decide(ctx context.Context, planID string, approved bool, reason string) {
	err := g.RecordApproval(ctx, Approval{PlanID: planID, Approved: approved, Automatic: true, Reason: reason})
	if err != nil && !errors.Is(err, ErrAlreadyDecided) {
		g.log.Error("plan %s: %v", planID, err)
	}
}

// expiredLocked lists undecided plans older than the approval timeout.
func (g *Gate) expiredLocked(now time.Time) []string {
	var out []string
	for _, id := range g.order {
		st := g.plans[id]
		if st != nil && st.approval == nil && now.Sub(st.plan.CreatedAt) > g.policy.ApprovalTimeout {
			out = append(out, id)
		}
	}
	return out
}

// pruneLocked drops the oldest decided plans beyond the retention limit.
// Undecided plans stay until they are answered or expire.
func (g *Gate) pruneLocked() {
	excess := len(g.order) - defaultRetainedPlans
	if excess <= 0 {
		return
	}
	kept := g.order[:0]
	for _, id := range g.order {
		if st := g.plans[id]; excess > 0 && (st == nil || st.approval != nil) {
			delete(g.plans, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	g.order = kept
}
