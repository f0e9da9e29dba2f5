package api

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a workflow.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every valid workflow status in lifecycle order.
var Statuses = []Status{
	StatusCreated,
	StatusRunning,
	StatusPaused,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// transitions is the workflow state machine. Terminal states have no
// outgoing edges.
var transitions = map[Status][]Status{
	StatusCreated: {StatusRunning, StatusPaused, StatusFailed, StatusCancelled},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusFailed, StatusCancelled},
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether the state machine allows s -> next.
// A transition to the same status is always allowed and treated as a no-op
// by the lifecycle manager.
func (s Status) CanTransitionTo(next Status) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ExecutionMode controls how the stages of a workflow are meant to run.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
	ModeAdaptive   ExecutionMode = "adaptive"
)

// Valid reports whether m is a known execution mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeSequential, ModeParallel, ModeAdaptive:
		return true
	}
	return false
}

// MaxTimeoutMs is the largest TimeoutMs representable as a time.Duration.
const MaxTimeoutMs = int64(1<<63-1) / int64(time.Millisecond)

// WorkflowConfig is the static plan of a workflow.
type WorkflowConfig struct {
	Stages        []string      `json:"stages"`
	ExecutionMode ExecutionMode `json:"executionMode"`
	Priority      Priority      `json:"priority"`
	TimeoutMs     int64         `json:"timeoutMs,omitempty"`
	RetryPolicy   *RetryPolicy  `json:"retryPolicy,omitempty"`
}

// Validate checks the configuration and fills in defaults for an empty
// execution mode or priority.
func (c *WorkflowConfig) Validate() error {
	if len(c.Stages) == 0 {
		return fmt.Errorf("%w: workflow must have at least one stage", ErrInvalidArgument)
	}
	seen := make(map[string]struct{}, len(c.Stages))
	for _, stage := range c.Stages {
		if stage == "" {
			return fmt.Errorf("%w: stage name is required", ErrInvalidArgument)
		}
		if _, dup := seen[stage]; dup {
			return fmt.Errorf("%w: duplicate stage %q", ErrInvalidArgument, stage)
		}
		seen[stage] = struct{}{}
	}

	if c.ExecutionMode == "" {
		c.ExecutionMode = ModeSequential
	}
	if !c.ExecutionMode.Valid() {
		return fmt.Errorf("%w: unknown execution mode %q", ErrInvalidArgument, c.ExecutionMode)
	}
	if c.Priority == "" {
		c.Priority = PriorityMedium
	}
	if !c.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidArgument, c.Priority)
	}
	if c.TimeoutMs < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidArgument)
	}
	if c.TimeoutMs > MaxTimeoutMs {
		return fmt.Errorf("%w: timeout exceeds %d ms", ErrInvalidArgument, MaxTimeoutMs)
	}
	return nil
}

// HasStage reports whether stage is part of the configured plan.
func (c WorkflowConfig) HasStage(stage string) bool {
	for _, s := range c.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// Timeout returns TimeoutMs as a duration, zero when unset. Values beyond
// MaxTimeoutMs saturate instead of overflowing.
func (c WorkflowConfig) Timeout() time.Duration {
	if c.TimeoutMs > MaxTimeoutMs {
		return time.Duration(MaxTimeoutMs) * time.Millisecond
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// ExecutionContext carries the caller identity and free-form variables.
type ExecutionContext struct {
	UserID    string         `json:"userId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

// ExecutionStatus tracks where a workflow is in its plan.
type ExecutionStatus struct {
	Status          Status         `json:"status"`
	CurrentStage    string         `json:"currentStage,omitempty"`
	CompletedStages []string       `json:"completedStages"`
	StageResults    map[string]any `json:"stageResults,omitempty"`
	StartTime       *time.Time     `json:"startTime,omitempty"`
	EndTime         *time.Time     `json:"endTime,omitempty"`
	RetryCount      int            `json:"retryCount"`
}

// IsStageCompleted reports whether stage is already in CompletedStages.
func (s ExecutionStatus) IsStageCompleted(stage string) bool {
	for _, done := range s.CompletedStages {
		if done == stage {
			return true
		}
	}
	return false
}

// PerformanceMetrics aggregates timing information collected while the
// workflow moves through its stages.
type PerformanceMetrics struct {
	StageDurationsMs map[string]int64 `json:"stageDurationsMs,omitempty"`
	TotalDurationMs  int64            `json:"totalDurationMs"`
	TransitionCount  int              `json:"transitionCount"`
	StageEnteredAt   *time.Time       `json:"stageEnteredAt,omitempty"`
}

// VersionEntry records one mutation of a workflow.
type VersionEntry struct {
	Version   int       `json:"version"`
	ChangedAt time.Time `json:"changedAt"`
	Change    string    `json:"change"`
}

// Workflow is a configured, ordered sequence of stages carrying lifecycle
// status and audit history. It is owned by the lifecycle manager; other
// components only read it.
type Workflow struct {
	WorkflowID         string             `json:"workflowId"`
	OrchestratorID     string             `json:"orchestratorId"`
	Config             WorkflowConfig     `json:"config"`
	ExecutionContext   ExecutionContext   `json:"executionContext"`
	ExecutionStatus    ExecutionStatus    `json:"executionStatus"`
	AuditTrail         []AuditEvent       `json:"auditTrail"`
	PerformanceMetrics PerformanceMetrics `json:"performanceMetrics"`
	VersionHistory     []VersionEntry     `json:"versionHistory"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// Version returns the latest version number, 0 for a workflow that was
// never persisted.
func (w *Workflow) Version() int {
	if len(w.VersionHistory) == 0 {
		return 0
	}
	return w.VersionHistory[len(w.VersionHistory)-1].Version
}

// Duration returns EndTime - StartTime when both are set.
func (w *Workflow) Duration() (time.Duration, bool) {
	st := w.ExecutionStatus
	if st.StartTime == nil || st.EndTime == nil {
		return 0, false
	}
	return st.EndTime.Sub(*st.StartTime), true
}

// Clone returns a deep copy of w. Values stored in Variables and
// StageResults are copied shallowly.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w

	c.Config.Stages = append([]string(nil), w.Config.Stages...)
	if w.Config.RetryPolicy != nil {
		rp := *w.Config.RetryPolicy
		c.Config.RetryPolicy = &rp
	}
	c.ExecutionContext.Variables = cloneMap(w.ExecutionContext.Variables)

	c.ExecutionStatus.CompletedStages = append([]string{}, w.ExecutionStatus.CompletedStages...)
	c.ExecutionStatus.StageResults = cloneMap(w.ExecutionStatus.StageResults)
	c.ExecutionStatus.StartTime = cloneTime(w.ExecutionStatus.StartTime)
	c.ExecutionStatus.EndTime = cloneTime(w.ExecutionStatus.EndTime)

	c.AuditTrail = make([]AuditEvent, len(w.AuditTrail))
	for i, ev := range w.AuditTrail {
		ev.Data = cloneMap(ev.Data)
		c.AuditTrail[i] = ev
	}

	if w.PerformanceMetrics.StageDurationsMs != nil {
		c.PerformanceMetrics.StageDurationsMs = make(map[string]int64, len(w.PerformanceMetrics.StageDurationsMs))
		for k, v := range w.PerformanceMetrics.StageDurationsMs {
			c.PerformanceMetrics.StageDurationsMs[k] = v
		}
	}
	c.PerformanceMetrics.StageEnteredAt = cloneTime(w.PerformanceMetrics.StageEnteredAt)
	c.VersionHistory = append([]VersionEntry(nil), w.VersionHistory...)

	return &c
}

// Normalize replaces nil collections with empty ones. Decoders that drop
// empty values (gob, BSON) call it so that loaded workflows compare equal
// to freshly created ones.
func (w *Workflow) Normalize() {
	if w.ExecutionStatus.CompletedStages == nil {
		w.ExecutionStatus.CompletedStages = []string{}
	}
	if w.AuditTrail == nil {
		w.AuditTrail = []AuditEvent{}
	}
	if w.VersionHistory == nil {
		w.VersionHistory = []VersionEntry{}
	}
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
