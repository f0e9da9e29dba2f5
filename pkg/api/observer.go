package api

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Observer receives callbacks from the lifecycle manager and the
// coordination facade for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay coordination.
type Observer interface {
	// OnWorkflowCreated is called once after a workflow is persisted.
	OnWorkflowCreated(ctx context.Context, wf *Workflow)

	// OnStatusChanged is called after a status transition is persisted.
	OnStatusChanged(ctx context.Context, wf *Workflow, from Status)

	// OnStageAdvanced is called after the current stage moved forward.
	OnStageAdvanced(ctx context.Context, wf *Workflow, from string)

	// OnWorkflowDeleted is called after a workflow was removed.
	OnWorkflowDeleted(ctx context.Context, workflowID string)

	// OnCoordinationStep is called after each auxiliary coordination step,
	// for both successes and failures (err != nil).
	OnCoordinationStep(ctx context.Context, workflowID, step string, err error, d time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowCreated(ctx context.Context, wf *Workflow)                 {}
func (NoopObserver) OnStatusChanged(ctx context.Context, wf *Workflow, from Status)      {}
func (NoopObserver) OnStageAdvanced(ctx context.Context, wf *Workflow, from string)      {}
func (NoopObserver) OnWorkflowDeleted(ctx context.Context, workflowID string)            {}
func (NoopObserver) OnCoordinationStep(ctx context.Context, id, step string, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowCreated(ctx context.Context, wf *Workflow) {
	for _, o := range c.observers {
		o.OnWorkflowCreated(ctx, wf)
	}
}

func (c *CompositeObserver) OnStatusChanged(ctx context.Context, wf *Workflow, from Status) {
	for _, o := range c.observers {
		o.OnStatusChanged(ctx, wf, from)
	}
}

func (c *CompositeObserver) OnStageAdvanced(ctx context.Context, wf *Workflow, from string) {
	for _, o := range c.observers {
		o.OnStageAdvanced(ctx, wf, from)
	}
}

func (c *CompositeObserver) OnWorkflowDeleted(ctx context.Context, workflowID string) {
	for _, o := range c.observers {
		o.OnWorkflowDeleted(ctx, workflowID)
	}
}

func (c *CompositeObserver) OnCoordinationStep(ctx context.Context, id, step string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnCoordinationStep(ctx, id, step, err, d)
	}
}

// LoggingObserver writes structured logs using zap.
type LoggingObserver struct {
	Logger *zap.Logger
}

// NewLoggingObserver creates an Observer that logs lifecycle and
// coordination events using the provided logger. If logger is nil, the
// global zap logger is used.
func NewLoggingObserver(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.L()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowCreated(ctx context.Context, wf *Workflow) {
	o.Logger.Info("workflow_created",
		zap.String("workflow_id", wf.WorkflowID),
		zap.Strings("stages", wf.Config.Stages),
		zap.String("priority", string(wf.Config.Priority)),
	)
}

func (o *LoggingObserver) OnStatusChanged(ctx context.Context, wf *Workflow, from Status) {
	o.Logger.Info("workflow_status_changed",
		zap.String("workflow_id", wf.WorkflowID),
		zap.String("from", string(from)),
		zap.String("to", string(wf.ExecutionStatus.Status)),
	)
}

func (o *LoggingObserver) OnStageAdvanced(ctx context.Context, wf *Workflow, from string) {
	o.Logger.Debug("workflow_stage_advanced",
		zap.String("workflow_id", wf.WorkflowID),
		zap.String("from", from),
		zap.String("to", wf.ExecutionStatus.CurrentStage),
	)
}

func (o *LoggingObserver) OnWorkflowDeleted(ctx context.Context, workflowID string) {
	o.Logger.Info("workflow_deleted", zap.String("workflow_id", workflowID))
}

func (o *LoggingObserver) OnCoordinationStep(ctx context.Context, id, step string, err error, d time.Duration) {
	if err != nil {
		o.Logger.Warn("coordination_step_failed",
			zap.String("workflow_id", id),
			zap.String("step", step),
			zap.Duration("duration", d),
			zap.Error(err),
		)
		return
	}
	o.Logger.Debug("coordination_step_completed",
		zap.String("workflow_id", id),
		zap.String("step", step),
		zap.Duration("duration", d),
	)
}

// BasicMetrics collects simple counters. It implements Observer, and can
// be combined with LoggingObserver via NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsCreated   atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsFailed    atomic.Int64
	workflowsDeleted   atomic.Int64
	stepsSucceeded     atomic.Int64
	stepsFailed        atomic.Int64
	totalStepDuration  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsCreated   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	WorkflowsDeleted   int64

	StepsSucceeded  int64
	StepsFailed     int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowCreated(ctx context.Context, wf *Workflow) {
	m.workflowsCreated.Add(1)
}

func (m *BasicMetrics) OnStatusChanged(ctx context.Context, wf *Workflow, from Status) {
	switch wf.ExecutionStatus.Status {
	case StatusCompleted:
		m.workflowsCompleted.Add(1)
	case StatusFailed:
		m.workflowsFailed.Add(1)
	}
}

func (m *BasicMetrics) OnWorkflowDeleted(ctx context.Context, workflowID string) {
	m.workflowsDeleted.Add(1)
}

func (m *BasicMetrics) OnCoordinationStep(ctx context.Context, id, step string, err error, d time.Duration) {
	if err != nil {
		m.stepsFailed.Add(1)
		return
	}
	m.stepsSucceeded.Add(1)
	m.totalStepDuration.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	succeeded := m.stepsSucceeded.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if succeeded > 0 {
		avg = time.Duration(totalNs / succeeded)
	}

	return BasicMetricsSnapshot{
		WorkflowsCreated:   m.workflowsCreated.Load(),
		WorkflowsCompleted: m.workflowsCompleted.Load(),
		WorkflowsFailed:    m.workflowsFailed.Load(),
		WorkflowsDeleted:   m.workflowsDeleted.Load(),
		StepsSucceeded:     succeeded,
		StepsFailed:        m.stepsFailed.Load(),
		AvgStepDuration:    avg,
	}
}
