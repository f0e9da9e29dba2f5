package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	zapobserver "go.uber.org/zap/zaptest/observer"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	created  int
	statuses int
	stages   int
	deleted  int
	steps    int

	lastFrom     Status
	lastStageIn  string
	lastDeleted  string
	lastStepName string
	lastStepErr  error
	lastStepDur  time.Duration
}

func (o *testObserver) OnWorkflowCreated(ctx context.Context, wf *Workflow) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created++
}

func (o *testObserver) OnStatusChanged(ctx context.Context, wf *Workflow, from Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses++
	o.lastFrom = from
}

func (o *testObserver) OnStageAdvanced(ctx context.Context, wf *Workflow, from string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages++
	o.lastStageIn = from
}

func (o *testObserver) OnWorkflowDeleted(ctx context.Context, workflowID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted++
	o.lastDeleted = workflowID
}

func (o *testObserver) OnCoordinationStep(ctx context.Context, id, step string, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps++
	o.lastStepName = step
	o.lastStepErr = err
	o.lastStepDur = d
}

func newTestWorkflow() *Workflow {
	return &Workflow{
		WorkflowID: "wf-123",
		Config: WorkflowConfig{
			Stages:   []string{"context", "plan"},
			Priority: PriorityMedium,
		},
		ExecutionStatus: ExecutionStatus{
			Status:       StatusRunning,
			CurrentStage: "plan",
		},
	}
}

func newRecordingLogger() (*zap.Logger, *zapobserver.ObservedLogs) {
	core, logs := zapobserver.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	wf := newTestWorkflow()
	var o Observer = NoopObserver{}

	// These calls should simply not panic.
	o.OnWorkflowCreated(ctx, wf)
	o.OnStatusChanged(ctx, wf, StatusCreated)
	o.OnStageAdvanced(ctx, wf, "context")
	o.OnWorkflowDeleted(ctx, wf.WorkflowID)
	o.OnCoordinationStep(ctx, wf.WorkflowID, "monitoring", errors.New("boom"), time.Second)
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil) // include a nil to ensure it is filtered

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	wf := newTestWorkflow()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	err := errors.New("step failed")
	co.OnWorkflowCreated(ctx, wf)
	co.OnStatusChanged(ctx, wf, StatusCreated)
	co.OnStageAdvanced(ctx, wf, "context")
	co.OnWorkflowDeleted(ctx, wf.WorkflowID)
	co.OnCoordinationStep(ctx, wf.WorkflowID, "resources", err, 2*time.Second)

	for i, o := range []*testObserver{o1, o2} {
		if o.created != 1 || o.statuses != 1 || o.stages != 1 || o.deleted != 1 || o.steps != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.lastFrom != StatusCreated || o.lastStageIn != "context" || o.lastDeleted != "wf-123" {
			t.Fatalf("observer %d argument mismatch: %+v", i+1, o)
		}
		if o.lastStepName != "resources" || o.lastStepErr != err || o.lastStepDur != 2*time.Second {
			t.Fatalf("observer %d step mismatch: %+v", i+1, o)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesGlobal(t *testing.T) {
	o := NewLoggingObserver(nil)
	lo, ok := o.(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver, got %T", o)
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_OnWorkflowCreated_EmitsInfoLog(t *testing.T) {
	logger, logs := newRecordingLogger()
	o := NewLoggingObserver(logger)

	o.OnWorkflowCreated(context.Background(), newTestWorkflow())

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected InfoLevel, got %v", entries[0].Level)
	}
	if entries[0].Message != "workflow_created" {
		t.Fatalf("expected message workflow_created, got %q", entries[0].Message)
	}
	if got := entries[0].ContextMap()["workflow_id"]; got != "wf-123" {
		t.Fatalf("expected workflow_id=wf-123, got %v", got)
	}
}

func TestLoggingObserver_OnCoordinationStep_LevelDependsOnError(t *testing.T) {
	logger, logs := newRecordingLogger()
	o := NewLoggingObserver(logger)
	ctx := context.Background()

	o.OnCoordinationStep(ctx, "wf-1", "monitoring", nil, time.Second)
	o.OnCoordinationStep(ctx, "wf-1", "orchestration", errors.New("boom"), 2*time.Second)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel {
		t.Fatalf("expected success entry at DebugLevel, got %v", entries[0].Level)
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("expected failure entry at WarnLevel, got %v", entries[1].Level)
	}

	fields := entries[1].ContextMap()
	if fields["step"] != "orchestration" {
		t.Fatalf("expected step=orchestration, got %v", fields["step"])
	}
	if fields["error"] == nil {
		t.Fatalf("expected error field on failure entry")
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_WorkflowCountersAndSnapshot(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()

	wf := newTestWorkflow()
	m.OnWorkflowCreated(ctx, wf)
	m.OnWorkflowCreated(ctx, wf)

	wf.ExecutionStatus.Status = StatusCompleted
	m.OnStatusChanged(ctx, wf, StatusRunning)

	failed := newTestWorkflow()
	failed.ExecutionStatus.Status = StatusFailed
	m.OnStatusChanged(ctx, failed, StatusRunning)

	m.OnWorkflowDeleted(ctx, "wf-123")

	snap := m.Snapshot()
	if snap.WorkflowsCreated != 2 {
		t.Fatalf("WorkflowsCreated=%d, want 2", snap.WorkflowsCreated)
	}
	if snap.WorkflowsCompleted != 1 || snap.WorkflowsFailed != 1 {
		t.Fatalf("completed/failed = %d/%d, want 1/1", snap.WorkflowsCompleted, snap.WorkflowsFailed)
	}
	if snap.WorkflowsDeleted != 1 {
		t.Fatalf("WorkflowsDeleted=%d, want 1", snap.WorkflowsDeleted)
	}
}

func TestBasicMetrics_OnCoordinationStep_SuccessOnlyCountsDuration(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()

	m.OnCoordinationStep(ctx, "wf", "monitoring", nil, 1*time.Second)
	m.OnCoordinationStep(ctx, "wf", "resources", nil, 3*time.Second)
	m.OnCoordinationStep(ctx, "wf", "orchestration", errors.New("fail"), 10*time.Second)

	snap := m.Snapshot()
	if snap.StepsSucceeded != 2 || snap.StepsFailed != 1 {
		t.Fatalf("succeeded/failed = %d/%d, want 2/1", snap.StepsSucceeded, snap.StepsFailed)
	}
	if want := 2 * time.Second; snap.AvgStepDuration != want {
		t.Fatalf("AvgStepDuration=%v, want %v", snap.AvgStepDuration, want)
	}
}

func TestBasicMetrics_SnapshotZeroStepsHasZeroAverage(t *testing.T) {
	var m BasicMetrics
	snap := m.Snapshot()
	if snap.StepsSucceeded != 0 {
		t.Fatalf("StepsSucceeded=%d, want 0", snap.StepsSucceeded)
	}
	if snap.AvgStepDuration != 0 {
		t.Fatalf("AvgStepDuration=%v, want 0", snap.AvgStepDuration)
	}
}
