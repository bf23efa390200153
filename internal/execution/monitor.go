package execution

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/yukin371/quill/internal/eventbus"
	"github.com/yukin371/quill/pkg/logger"
)

// DefaultDisableThreshold is the number of consecutive failures after which a
// tool is reported disabled for a provider.
const DefaultDisableThreshold = 6

const recentWindow = 20

// Outcome is the status of a recorded execution.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// ExecutionRecord is one observation fed to the monitor.
type ExecutionRecord struct {
	ToolName      string
	Provider      string
	Status        Outcome
	ExecutionTime time.Duration
	Error         string
}

// ToolStats are the rolling statistics of one (tool, provider) pair.
type ToolStats struct {
	ToolName            string        `json:"toolName"`
	Provider            string        `json:"provider"`
	Total               int           `json:"total"`
	Successes           int           `json:"successes"`
	Failures            int           `json:"failures"`
	Timeouts            int           `json:"timeouts"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	AverageTime         time.Duration `json:"averageTime"`
	Reliability         float64       `json:"reliability"`
	Disabled            bool          `json:"disabled"`
	LastError           string        `json:"lastError,omitempty"`
	LastExecuted        time.Time     `json:"lastExecuted"`
}

// EventKeys lets bus subscribers filter by tool name.
func (s ToolStats) EventKeys() map[string]string {
	return map[string]string{"toolName": s.ToolName, "provider": s.Provider}
}

type pairKey struct{ tool, provider string }

type toolState struct {
	stats     ToolStats
	totalTime time.Duration
	recent    []bool // last outcomes, true = success
}

// Monitor keeps per (tool, provider) statistics. Disabling is advisory:
// callers consult IsToolDisabled before invoking a tool.
type Monitor struct {
	threshold int
	bus       *eventbus.Bus
	log       *logger.Logger
	now       func() time.Time

	mu    sync.RWMutex
	state map[pairKey]*toolState
}

// NewMonitor creates a monitor. threshold <= 0 uses DefaultDisableThreshold.
func NewMonitor(threshold int, bus *eventbus.Bus, log *logger.Logger) *Monitor {
	if threshold <= 0 {
		threshold = DefaultDisableThreshold
	}
	return &Monitor{
		threshold: threshold,
		bus:       bus,
		log:       log.Named("monitor"),
		now:       time.Now,
		state:     make(map[pairKey]*toolState),
	}
}

// Threshold returns the consecutive-failure limit.
func (m *Monitor) Threshold() int { return m.threshold }

// RecordExecution folds one observation into the pair's statistics.
func (m *Monitor) RecordExecution(ctx context.Context, rec ExecutionRecord) {
	key := pairKey{rec.ToolName, rec.Provider}

	m.mu.Lock()
	st := m.state[key]
	if st == nil {
		st = &toolState{stats: ToolStats{ToolName: rec.ToolName, Provider: rec.Provider}}
		m.state[key] = st
	}
	s := &st.stats
	wasDisabled := s.Disabled

	s.Total++
	s.LastExecuted = m.now()
	st.totalTime += rec.ExecutionTime
	s.AverageTime = st.totalTime / time.Duration(s.Total)

	ok := rec.Status == OutcomeSuccess
	switch rec.Status {
	case OutcomeSuccess:
		s.Successes++
		s.ConsecutiveFailures = 0
	case OutcomeTimeout:
		s.Timeouts++
		s.ConsecutiveFailures++
	default:
		s.Failures++
		s.ConsecutiveFailures++
	}
	if rec.Error != "" {
		s.LastError = rec.Error
	}
	st.recent = append(st.recent, ok)
	if len(st.recent) > recentWindow {
		st.recent = st.recent[1:]
	}
	s.Disabled = s.ConsecutiveFailures >= m.threshold
	s.Reliability = m.reliability(st)
	snapshot := *s
	m.mu.Unlock()

	if snapshot.Disabled && !wasDisabled {
		m.log.Warn("tool %s disabled for provider %s after %d consecutive failures", rec.ToolName, rec.Provider, snapshot.ConsecutiveFailures)
		m.bus.Emit(ctx, eventbus.EventToolDisabled, snapshot)
	}
}

// reliability is the recent success rate scaled down by the consecutive
// failure streak; it reaches zero at the threshold.
func (m *Monitor) reliability(st *toolState) float64 {
	if len(st.recent) == 0 {
		return 1
	}
	ok := 0
	for _, r := range st.recent {
		if r {
			ok++
		}
	}
	rate := float64(ok) / float64(len(st.recent))
	penalty := math.Max(0, 1-float64(st.stats.ConsecutiveFailures)/float64(m.threshold))
	return rate * penalty
}

// IsToolDisabled reports whether the pair crossed the failure threshold.
func (m *Monitor) IsToolDisabled(tool, provider string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.state[pairKey{tool, provider}]
	return st != nil && st.stats.Disabled
}

// DisabledTools lists tools currently disabled for provider.
func (m *Monitor) DisabledTools(provider string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k, st := range m.state {
		if k.provider == provider && st.stats.Disabled {
			out = append(out, k.tool)
		}
	}
	sort.Strings(out)
	return out
}

// ResetTool clears the failure streak of a pair and re-enables it.
func (m *Monitor) ResetTool(tool, provider string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state[pairKey{tool, provider}]
	if st == nil {
		return false
	}
	st.stats.ConsecutiveFailures = 0
	st.stats.Disabled = false
	st.recent = nil
	st.stats.Reliability = 1
	m.log.Info("tool %s re-enabled for provider %s", tool, provider)
	return true
}

// Stats returns the statistics of one pair.
func (m *Monitor) Stats(tool, provider string) (ToolStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.state[pairKey{tool, provider}]
	if st == nil {
		return ToolStats{}, false
	}
	return st.stats, true
}

// Snapshot returns all statistics ordered by tool then provider.
func (m *Monitor) Snapshot() []ToolStats {
	m.mu.RLock()
	out := make([]ToolStats, 0, len(m.state))
	for _, st := range m.state {
		out = append(out, st.stats)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ToolName != out[j].ToolName {
			return out[i].ToolName < out[j].ToolName
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}
