package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yukin371/quill/internal/coercion"
	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/internal/feedback"
	"github.com/yukin371/quill/internal/tools"
	"github.com/yukin371/quill/internal/validator"
	"github.com/yukin371/quill/pkg/logger"
)

const (
	DefaultToolTimeout = 30 * time.Second
	// watchdogGrace keeps the feedback watchdog behind the executor's own
	// timer so the executor decides the terminal state.
	watchdogGrace = 5 * time.Second
	// DefaultParallelism bounds ExecuteAll in parallel mode.
	DefaultParallelism = 4
)

// ExecutorOptions configure an Executor.
type ExecutorOptions struct {
	Timeout     time.Duration
	CacheTTL    time.Duration
	CacheSize   int
	Parallelism int
	Coercion    coercion.Options
}

// Executor 工具执行器：名称还原、参数修复、校验、缓存、超时与监控
type Executor struct {
	tools    *tools.ToolBox
	coercer  *coercion.Engine
	schema   *coercion.SchemaValidator
	names    *validator.Validator
	monitor  *Monitor
	cache    *ResponseCache
	feedback *feedback.Manager
	log      *logger.Logger
	opts     ExecutorOptions

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewExecutor wires the pipeline. names, fb and monitor may be nil.
func NewExecutor(tb *tools.ToolBox, names *validator.Validator, monitor *Monitor, fb *feedback.Manager, opts ExecutorOptions, log *logger.Logger) *Executor {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultToolTimeout
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.Coercion == (coercion.Options{}) {
		opts.Coercion = coercion.DefaultOptions()
	}
	if log == nil {
		log = logger.Discard()
	}
	if monitor == nil {
		monitor = NewMonitor(DefaultDisableThreshold, nil, log)
	}
	if fb == nil {
		fb = feedback.NewManager(feedback.Options{}, nil, log)
	}
	return &Executor{
		tools:    tb,
		coercer:  coercion.NewEngine(opts.Coercion, log.Named("coercion")),
		schema:   coercion.NewSchemaValidator(),
		names:    names,
		monitor:  monitor,
		cache:    NewResponseCache(opts.CacheSize, opts.CacheTTL),
		feedback: fb,
		log:      log,
		opts:     opts,
		running:  make(map[string]context.CancelFunc),
	}
}

// Monitor returns the failure monitor.
func (e *Executor) Monitor() *Monitor { return e.monitor }

// Cache returns the response cache.
func (e *Executor) Cache() *ResponseCache { return e.cache }

// Feedback returns the execution tracker.
func (e *Executor) Feedback() *feedback.Manager { return e.feedback }

// Tools returns the tool box.
func (e *Executor) Tools() *tools.ToolBox { return e.tools }

// NormalizeArguments repairs the arguments of call the same way Execute does
// before running it. ok is false for unknown tools and for arguments that
// cannot be repaired.
func (e *Executor) NormalizeArguments(call core.ToolCall, provider string) (map[string]any, bool) {
	name := call.Function.Name
	if e.names != nil {
		name = e.names.RestoreName(provider, name)
	}
	handler, ok := e.tools.Get(name)
	if !ok {
		return nil, false
	}
	raw, err := call.ParsedArguments()
	if err != nil {
		return nil, false
	}
	def := handler.Definition()
	coerced := e.coercer.Coerce(validator.Unflatten(raw, def.Function.Parameters), def)
	if !coerced.Success {
		return nil, false
	}
	return coerced.Value, true
}

// Execute runs one tool call requested by provider. It never returns nil and
// never returns an error: every failure becomes a ToolResponse the model can
// read.
func (e *Executor) Execute(ctx context.Context, call core.ToolCall, provider string) *core.ToolResponse {
	name := call.Function.Name
	if e.names != nil {
		name = e.names.RestoreName(provider, name)
	}
	meta := map[string]any{"toolName": name, "provider": provider}

	handler, ok := e.tools.Get(name)
	if !ok {
		return core.Failure(fmt.Sprintf("unknown tool '%s'", name), &core.ErrorHelp{
			PossibleCauses: []string{"the tool name was misspelled or invented"},
			Suggestions:    []string{"use one of: " + strings.Join(e.tools.Names(), ", ")},
		}).MergeMetadata(meta)
	}
	if e.monitor.IsToolDisabled(name, provider) {
		return core.Failure(fmt.Sprintf("tool '%s' is temporarily disabled for %s after repeated failures", name, provider), &core.ErrorHelp{
			PossibleCauses: []string{"the last calls to this tool all failed"},
			Suggestions:    []string{"answer without this tool", "try a different tool that covers the same need"},
		}).MergeMetadata(meta)
	}

	raw, err := call.ParsedArguments()
	if err != nil {
		return core.Failure(err.Error(), &core.ErrorHelp{
			PossibleCauses: []string{"the arguments are not a JSON object"},
			Suggestions:    []string{"send the arguments as a JSON object"},
			Examples:       []string{fmt.Sprintf(`{"name": "%s", "arguments": {...}}`, name)},
		}).MergeMetadata(meta)
	}

	def := handler.Definition()
	raw = validator.Unflatten(raw, def.Function.Parameters)
	coerced := e.coercer.Coerce(raw, def)
	if !coerced.Success {
		help := &core.ErrorHelp{Suggestions: []string{"fix the listed parameters and call the tool again"}}
		for _, pe := range coerced.Errors {
			help.PossibleCauses = append(help.PossibleCauses, pe.Error())
		}
		return core.Failure(coerced.Err().Error(), help).MergeMetadata(meta)
	}
	args := coerced.Value
	if len(coerced.Corrections) > 0 {
		meta["corrections"] = coerced.Corrections
	}
	if err := e.schema.ValidateArguments(def, args); err != nil {
		return core.Failure(err.Error(), &core.ErrorHelp{
			PossibleCauses: []string{"an argument is outside the allowed range or shape"},
			Suggestions:    []string{"check the tool's parameter schema"},
		}).MergeMetadata(meta)
	}

	deterministic := handler.Deterministic()
	if deterministic {
		if cached, ok := e.cache.Get(name, args, provider); ok {
			meta["cached"] = true
			return cached.MergeMetadata(meta)
		}
	}

	execID := e.feedback.StartExecution(ctx, feedback.StartOptions{
		ID:       call.ID,
		ToolName: name,
		Provider: provider,
		Args:     args,
		Timeout:  e.opts.Timeout + watchdogGrace,
	})
	meta["executionId"] = execID

	runCtx, cancel := context.WithCancel(ctx)
	e.track(execID, cancel)
	defer e.untrack(execID)

	runCtx = tools.WithReporter(runCtx, &feedbackReporter{ctx: ctx, m: e.feedback, id: execID})
	res := ExecuteWithTimeout(runCtx, name, func(c context.Context) (any, error) {
		return handler.Execute(c, args)
	}, e.opts.Timeout)
	meta["executionTimeMs"] = res.ExecutionTime.Milliseconds()
	record := ExecutionRecord{ToolName: name, Provider: provider, ExecutionTime: res.ExecutionTime}

	switch {
	case res.TimedOut:
		record.Status, record.Error = OutcomeTimeout, res.Err.Error()
		e.monitor.RecordExecution(ctx, record)
		e.ignoreInactive(e.feedback.TimeoutExecution(ctx, execID, res.Err.Error()))
		return core.Failure(fmt.Sprintf("tool '%s' timed out after %s", name, e.opts.Timeout), &core.ErrorHelp{
			PossibleCauses: []string{"the request covers too much data"},
			Suggestions:    []string{"narrow the request, e.g. a smaller limit or depth"},
		}).MergeMetadata(meta)

	case res.Err != nil:
		if e.feedback.IsCancelled(execID) || errors.Is(res.Err, context.Canceled) {
			if !e.feedback.IsCancelled(execID) {
				_, _ = e.feedback.CancelExecution(context.WithoutCancel(ctx), execID, "request cancelled")
			}
			e.log.Info("tool %s (%s) cancelled", name, execID)
			meta["cancelled"] = true
			return core.Failure(fmt.Sprintf("tool '%s' was cancelled", name), nil).MergeMetadata(meta)
		}
		record.Status, record.Error = OutcomeFailure, res.Err.Error()
		e.monitor.RecordExecution(ctx, record)
		e.ignoreInactive(e.feedback.FailExecution(ctx, execID, res.Err.Error()))
		e.log.Warn("tool %s failed for %s: %v", name, provider, res.Err)
		return core.Failure(fmt.Sprintf("tool '%s' failed: %v", name, res.Err), &core.ErrorHelp{
			PossibleCauses: []string{"an internal error in the note store"},
			Suggestions:    []string{"retry once", "tell the user the operation failed"},
		}).MergeMetadata(meta)
	}

	resp, _ := res.Result.(*core.ToolResponse)
	if resp == nil {
		resp = core.Failure(fmt.Sprintf("tool '%s' returned no response", name), nil)
	}
	if !resp.Success {
		record.Status, record.Error = OutcomeFailure, resp.Error
		e.monitor.RecordExecution(ctx, record)
		e.ignoreInactive(e.feedback.FailExecution(ctx, execID, resp.Error))
		return resp.MergeMetadata(meta)
	}

	record.Status = OutcomeSuccess
	e.monitor.RecordExecution(ctx, record)
	if deterministic {
		e.cache.Set(name, args, provider, resp, e.opts.CacheTTL)
	} else if tools.Mutates(handler, args) {
		// a write may change what any read returns
		e.cache.Clear()
	}
	e.ignoreInactive(e.feedback.CompleteExecution(ctx, execID, resp.Result))
	return resp.MergeMetadata(meta)
}

// ExecuteAll runs calls and returns responses in call order. In parallel
// mode at most Parallelism calls run at once.
func (e *Executor) ExecuteAll(ctx context.Context, calls []core.ToolCall, provider string, parallel bool) []*core.ToolResponse {
	out := make([]*core.ToolResponse, len(calls))
	if !parallel || len(calls) < 2 {
		for i, c := range calls {
			out[i] = e.Execute(ctx, c, provider)
		}
		return out
	}
	var g errgroup.Group
	g.SetLimit(e.opts.Parallelism)
	for i, c := range calls {
		g.Go(func() error {
			out[i] = e.Execute(ctx, c, provider)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Cancel stops a running execution. It reports whether the execution was
// active.
func (e *Executor) Cancel(ctx context.Context, execID, reason string) (bool, error) {
	ok, err := e.feedback.CancelExecution(ctx, execID, reason)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	cancel := e.running[execID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return ok, nil
}

func (e *Executor) track(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.running[id] = cancel
	e.mu.Unlock()
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	cancel := e.running[id]
	delete(e.running, id)
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ignoreInactive drops the error of a transition that lost the race with the
// watchdog or a cancellation.
func (e *Executor) ignoreInactive(err error) {
	if err != nil && !errors.Is(err, feedback.ErrNotActive) {
		e.log.Warn("feedback transition: %v", err)
	}
}

// feedbackReporter forwards tool progress to the feedback manager.
type feedbackReporter struct {
	ctx context.Context
	m   *feedback.Manager
	id  string
}

func (r *feedbackReporter) Progress(current, total int, message string) {
	_ = r.m.UpdateProgress(r.ctx, r.id, current, total, message)
}

func (r *feedbackReporter) Step(message string, data map[string]any) {
	_ = r.m.AddStep(r.ctx, r.id, message, feedback.StepInfo, data)
}

func (r *feedbackReporter) Warn(message string, data map[string]any) {
	_ = r.m.AddStep(r.ctx, r.id, message, feedback.StepWarning, data)
}
