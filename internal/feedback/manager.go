// Package feedback tracks tool executions through their state machine and
// publishes progress for a UI layer.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yukin371/quill/internal/eventbus"
	"github.com/yukin371/quill/pkg/logger"
)

const (
	DefaultHistoryCapacity = 100
	DefaultTimeout         = 60 * time.Second
)

// Options configure the manager.
type Options struct {
	HistoryCapacity int
	DefaultTimeout  time.Duration
}

// StartOptions describe a new execution.
type StartOptions struct {
	// ID reuses a pending record created by RegisterPending.
	ID       string
	ToolName string
	Provider string
	Args     map[string]any
	// Timeout overrides the default; negative disables the watchdog.
	Timeout time.Duration
}

type entry struct {
	record Record
	timer  *time.Timer
}

// Manager owns active execution records and a bounded history ring.
type Manager struct {
	opts Options
	bus  *eventbus.Bus
	log  *logger.Logger
	now  func() time.Time

	mu      sync.Mutex
	active  map[string]*entry
	history []Record // ring buffer
	next    int
	size    int
}

// NewManager creates a feedback manager. bus may be nil.
func NewManager(opts Options, bus *eventbus.Bus, log *logger.Logger) *Manager {
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = DefaultHistoryCapacity
	}
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		opts:    opts,
		bus:     bus,
		log:     log,
		now:     time.Now,
		active:  make(map[string]*entry),
		history: make([]Record, opts.HistoryCapacity),
	}
}

// RegisterPending creates a pending record, e.g. for a call awaiting
// approval. No watchdog runs until StartExecution.
func (m *Manager) RegisterPending(toolName string, args map[string]any) string {
	id := uuid.NewString()
	m.mu.Lock()
	m.active[id] = &entry{record: Record{
		ID:        id,
		ToolName:  toolName,
		Args:      args,
		Status:    StatusPending,
		StartTime: m.now(),
	}}
	m.mu.Unlock()
	return id
}

// StartExecution moves an execution to running, schedules its timeout and
// emits execution:start. It returns the execution id.
func (m *Manager) StartExecution(ctx context.Context, opts StartOptions) string {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = m.opts.DefaultTimeout
	}

	m.mu.Lock()
	e, ok := m.active[opts.ID]
	if !ok || e.record.Status != StatusPending {
		id := opts.ID
		if id == "" || ok {
			id = uuid.NewString()
		}
		e = &entry{record: Record{ID: id, ToolName: opts.ToolName, Args: opts.Args}}
		m.active[id] = e
	}
	e.record.Status = StatusRunning
	e.record.StartTime = m.now()
	if opts.Provider != "" {
		e.record.Provider = opts.Provider
	}
	if opts.Args != nil {
		e.record.Args = opts.Args
	}
	id := e.record.ID
	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() {
			m.onTimeout(e, timeout)
		})
	}
	snapshot := e.record.clone()
	m.mu.Unlock()

	m.log.Debug("execution %s started for %s", id, opts.ToolName)
	m.bus.Emit(ctx, eventbus.EventExecutionStart, snapshot)
	return id
}

// UpdateProgress records progress and emits execution:progress.
func (m *Manager) UpdateProgress(ctx context.Context, id string, current, total int, message string) error {
	m.mu.Lock()
	e, err := m.activeLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	p := &Progress{Current: current, Total: total, Message: message}
	if total > 0 {
		p.Percentage = float64(current) / float64(total) * 100
		if p.Percentage > 100 {
			p.Percentage = 100
		} else if p.Percentage < 0 {
			p.Percentage = 0
		}
	}
	if p.Percentage > 0 && p.Percentage < 100 {
		elapsed := m.now().Sub(e.record.StartTime)
		p.EstimatedTimeRemaining = time.Duration(float64(elapsed) / p.Percentage * (100 - p.Percentage))
	}
	e.record.Progress = p
	snapshot := e.record.clone()
	m.mu.Unlock()

	m.bus.Emit(ctx, eventbus.EventExecutionProgress, snapshot)
	return nil
}

// AddStep appends a log step and emits execution:step.
func (m *Manager) AddStep(ctx context.Context, id, message string, stepType StepType, data map[string]any) error {
	m.mu.Lock()
	e, err := m.activeLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if stepType == "" {
		stepType = StepInfo
	}
	e.record.Steps = append(e.record.Steps, Step{Timestamp: m.now(), Message: message, Type: stepType, Data: data})
	snapshot := e.record.clone()
	m.mu.Unlock()

	m.bus.Emit(ctx, eventbus.EventExecutionStep, snapshot)
	return nil
}

// CompleteExecution transitions to success.
func (m *Manager) CompleteExecution(ctx context.Context, id string, result any) error {
	_, err := m.terminate(ctx, id, StatusSuccess, func(r *Record) { r.Result = result })
	return err
}

// FailExecution transitions to error.
func (m *Manager) FailExecution(ctx context.Context, id, message string) error {
	_, err := m.terminate(ctx, id, StatusError, func(r *Record) { r.Error = message })
	return err
}

// TimeoutExecution transitions to timeout; used when the caller's own
// deadline fired before the watchdog.
func (m *Manager) TimeoutExecution(ctx context.Context, id, message string) error {
	_, err := m.terminate(ctx, id, StatusTimeout, func(r *Record) { r.Error = message })
	return err
}

// CancelExecution transitions to cancelled. It reports false without error
// when the execution already finished, so repeated or late cancels are safe.
func (m *Manager) CancelExecution(ctx context.Context, id, reason string) (bool, error) {
	ok, err := m.terminate(ctx, id, StatusCancelled, func(r *Record) { r.CancelNote = reason })
	if errors.Is(err, ErrNotActive) {
		return false, nil
	}
	return ok, err
}

// IsCancelled reports whether id ended as cancelled.
func (m *Manager) IsCancelled(id string) bool {
	r, ok := m.GetExecution(id)
	return ok && r.Status == StatusCancelled
}

// GetExecution returns an active or historical record.
func (m *Manager) GetExecution(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.active[id]; ok {
		return e.record.clone(), true
	}
	for i := 0; i < m.size; i++ {
		r := &m.history[m.index(i)]
		if r.ID == id {
			return r.clone(), true
		}
	}
	return Record{}, false
}

// ActiveExecutions returns snapshots of all non-terminal executions.
func (m *Manager) ActiveExecutions() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.active))
	for _, e := range m.active {
		out = append(out, e.record.clone())
	}
	return out
}

// History returns matching terminal records, newest first.
func (m *Manager) History(filter HistoryFilter) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for i := m.size - 1; i >= 0; i-- {
		r := &m.history[m.index(i)]
		if filter.ToolName != "" && r.ToolName != filter.ToolName {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r.clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// GetStatistics aggregates the history per tool.
func (m *Manager) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	type acc struct {
		ToolStatistics
		total time.Duration
	}
	overall := &acc{}
	byTool := map[string]*acc{}
	for i := 0; i < m.size; i++ {
		r := &m.history[m.index(i)]
		a := byTool[r.ToolName]
		if a == nil {
			a = &acc{}
			byTool[r.ToolName] = a
		}
		for _, x := range []*acc{overall, a} {
			x.Total++
			x.total += r.Duration
			switch r.Status {
			case StatusSuccess:
				x.Successful++
			case StatusError:
				x.Failed++
			case StatusCancelled:
				x.Cancelled++
			case StatusTimeout:
				x.TimedOut++
			}
		}
	}

	finish := func(a *acc) ToolStatistics {
		s := a.ToolStatistics
		if s.Total > 0 {
			s.SuccessRate = float64(s.Successful) / float64(s.Total)
			s.AverageDuration = a.total / time.Duration(s.Total)
		}
		return s
	}
	stats := Statistics{
		ToolStatistics: finish(overall),
		Active:         len(m.active),
		ByTool:         make(map[string]ToolStatistics, len(byTool)),
	}
	for name, a := range byTool {
		stats.ByTool[name] = finish(a)
	}
	return stats
}

// Shutdown stops all watchdogs and cancels every active execution.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_, _ = m.CancelExecution(ctx, id, "shutdown")
	}
}

func (m *Manager) onTimeout(e *entry, timeout time.Duration) {
	m.mu.Lock()
	current, ok := m.active[e.record.ID]
	stale := !ok || current != e || e.record.Status != StatusRunning
	m.mu.Unlock()
	if stale {
		return
	}
	m.log.Warn("execution %s (%s) timed out after %s", e.record.ID, e.record.ToolName, timeout)
	_ = m.TimeoutExecution(context.Background(), e.record.ID, fmt.Sprintf("execution timed out after %s", timeout))
}

// terminate is the single terminal path: stop the timer, stamp end time,
// move the record to history and emit the matching event.
func (m *Manager) terminate(ctx context.Context, id string, status Status, mutate func(*Record)) (bool, error) {
	m.mu.Lock()
	e, err := m.activeLocked(id)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	end := m.now()
	if end.Before(e.record.StartTime) {
		end = e.record.StartTime
	}
	e.record.Status = status
	e.record.EndTime = &end
	e.record.Duration = end.Sub(e.record.StartTime)
	mutate(&e.record)

	delete(m.active, id)
	m.push(e.record)
	snapshot := e.record.clone()
	m.mu.Unlock()

	m.bus.Emit(ctx, terminalEvent(status), snapshot)
	return true, nil
}

func (m *Manager) activeLocked(id string) (*entry, error) {
	if e, ok := m.active[id]; ok {
		return e, nil
	}
	for i := 0; i < m.size; i++ {
		if m.history[m.index(i)].ID == id {
			return nil, ErrNotActive
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
}

func (m *Manager) push(r Record) {
	capacity := len(m.history)
	m.history[m.next] = r
	m.next = (m.next + 1) % capacity
	if m.size < capacity {
		m.size++
	}
}

// index maps the i-th oldest history entry to its ring slot.
func (m *Manager) index(i int) int {
	capacity := len(m.history)
	start := (m.next - m.size + capacity) % capacity
	return (start + i) % capacity
}

func terminalEvent(s Status) eventbus.EventType {
	switch s {
	case StatusSuccess:
		return eventbus.EventExecutionComplete
	case StatusCancelled:
		return eventbus.EventExecutionCancelled
	case StatusTimeout:
		return eventbus.EventExecutionTimeout
	}
	return eventbus.EventExecutionError
}
