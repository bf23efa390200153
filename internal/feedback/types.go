package feedback

import (
	"errors"
	"time"
)

// ErrExecutionNotFound is returned for ids that are neither active nor in
// history.
var ErrExecutionNotFound = errors.New("execution not found")

// ErrNotActive is returned when updating an execution that already reached a
// terminal state.
var ErrNotActive = errors.New("execution is not active")

// Status is the execution state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// StepType classifies a log step.
type StepType string

const (
	StepInfo     StepType = "info"
	StepWarning  StepType = "warning"
	StepError    StepType = "error"
	StepProgress StepType = "progress"
)

// Step is one timestamped log entry of an execution.
type Step struct {
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Type      StepType       `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
}

// Progress is the latest progress report.
type Progress struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message,omitempty"`
	// EstimatedTimeRemaining is a linear projection from elapsed time.
	EstimatedTimeRemaining time.Duration `json:"estimatedTimeRemaining"`
}

// Record is a snapshot of one execution.
type Record struct {
	ID         string         `json:"id"`
	ToolName   string         `json:"toolName"`
	Provider   string         `json:"provider,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Status     Status         `json:"status"`
	StartTime  time.Time      `json:"startTime"`
	EndTime    *time.Time     `json:"endTime,omitempty"`
	Duration   time.Duration  `json:"duration,omitempty"`
	Steps      []Step         `json:"steps"`
	Progress   *Progress      `json:"progress,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	CancelNote string         `json:"cancelReason,omitempty"`
}

// EventKeys lets bus subscribers filter by execution id or tool.
func (r Record) EventKeys() map[string]string {
	return map[string]string{"executionId": r.ID, "toolName": r.ToolName}
}

func (r *Record) clone() Record {
	out := *r
	out.Steps = append([]Step(nil), r.Steps...)
	if r.Progress != nil {
		p := *r.Progress
		out.Progress = &p
	}
	if r.EndTime != nil {
		t := *r.EndTime
		out.EndTime = &t
	}
	return out
}

// HistoryFilter selects history records. Zero values match everything.
type HistoryFilter struct {
	ToolName string
	Status   Status
	Limit    int
}

// ToolStatistics aggregates history for one tool.
type ToolStatistics struct {
	Total           int           `json:"total"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	Cancelled       int           `json:"cancelled"`
	TimedOut        int           `json:"timedOut"`
	SuccessRate     float64       `json:"successRate"`
	AverageDuration time.Duration `json:"averageDuration"`
}

// Statistics aggregates the whole history.
type Statistics struct {
	ToolStatistics
	Active int                       `json:"active"`
	ByTool map[string]ToolStatistics `json:"byTool"`
}
