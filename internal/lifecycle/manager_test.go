package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/orchestro/internal/persistence"
	"github.com/petrijr/orchestro/pkg/api"
)

type recordingPublisher struct {
	mu     sync.Mutex
	names  []string
	events []map[string]any
}

func (p *recordingPublisher) Publish(ctx context.Context, name string, payload map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names = append(p.names, name)
	p.events = append(p.events, payload)
}

func (p *recordingPublisher) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.names...)
}

// stepClock advances by step on every call.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

type failingStore struct {
	*persistence.InMemoryStore
	err error
}

func (s *failingStore) Save(ctx context.Context, wf *api.Workflow) (*api.Workflow, error) {
	return nil, s.err
}

func newTestManager(t *testing.T) (*Manager, *recordingPublisher, *api.BasicMetrics) {
	t.Helper()
	pub := &recordingPublisher{}
	metrics := &api.BasicMetrics{}
	clock := &stepClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), step: 100 * time.Millisecond}
	m := NewManagerWithConfig(Config{
		Store:          persistence.NewInMemoryStore(),
		Observer:       metrics,
		Publisher:      pub,
		OrchestratorID: "orch-test",
		Now:            clock.Now,
	})
	return m, pub, metrics
}

func contextPlanConfig() api.WorkflowConfig {
	return api.WorkflowConfig{
		Stages:        []string{"context", "plan"},
		ExecutionMode: api.ModeSequential,
		Priority:      api.PriorityMedium,
	}
}

func createWorkflow(t *testing.T, m *Manager, stages ...string) *api.Workflow {
	t.Helper()
	cfg := contextPlanConfig()
	if len(stages) > 0 {
		cfg.Stages = stages
	}
	wf, err := m.CreateWorkflow(context.Background(), cfg, api.ExecutionContext{UserID: "u-1"}, "create", nil)
	require.NoError(t, err)
	return wf
}

func TestCreateWorkflow_InitialState(t *testing.T) {
	m, pub, metrics := newTestManager(t)
	ctx := context.Background()

	wf, err := m.CreateWorkflow(ctx, contextPlanConfig(),
		api.ExecutionContext{UserID: "u-1", SessionID: "s-1"},
		"full_coordination", map[string]any{"source": "test"})
	require.NoError(t, err)

	assert.NotEmpty(t, wf.WorkflowID)
	assert.Equal(t, "orch-test", wf.OrchestratorID)
	assert.Equal(t, api.StatusCreated, wf.ExecutionStatus.Status)
	assert.Equal(t, "context", wf.ExecutionStatus.CurrentStage)
	assert.Empty(t, wf.ExecutionStatus.CompletedStages)
	assert.NotNil(t, wf.ExecutionStatus.CompletedStages)
	assert.Nil(t, wf.ExecutionStatus.StartTime)
	assert.Equal(t, 1, wf.Version())

	require.Len(t, wf.AuditTrail, 1)
	assert.Equal(t, api.EventWorkflowCreated, wf.AuditTrail[0].Type)
	assert.Equal(t, "full_coordination", wf.AuditTrail[0].Detail)
	assert.Equal(t, "u-1", wf.AuditTrail[0].Actor)

	stored, err := m.GetWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, wf.WorkflowID, stored.WorkflowID)

	assert.Equal(t, []string{"workflow.created"}, pub.Names())
	assert.Equal(t, int64(1), metrics.Snapshot().WorkflowsCreated)
}

func TestCreateWorkflow_DefaultsAndValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	wf, err := m.CreateWorkflow(ctx, api.WorkflowConfig{Stages: []string{"a"}}, api.ExecutionContext{}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, api.ModeSequential, wf.Config.ExecutionMode)
	assert.Equal(t, api.PriorityMedium, wf.Config.Priority)

	_, err = m.CreateWorkflow(ctx, api.WorkflowConfig{}, api.ExecutionContext{}, "", nil)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	_, err = m.CreateWorkflow(ctx, api.WorkflowConfig{Stages: []string{"a", "a"}}, api.ExecutionContext{}, "", nil)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestCreateWorkflow_PersistFailureIsReturned(t *testing.T) {
	boom := errors.New("disk full")
	m := NewManagerWithConfig(Config{Store: &failingStore{InMemoryStore: persistence.NewInMemoryStore(), err: boom}})

	wf, err := m.CreateWorkflow(context.Background(), contextPlanConfig(), api.ExecutionContext{}, "create", nil)
	assert.Nil(t, wf)
	assert.ErrorIs(t, err, boom)
}

func TestGetWorkflow_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.GetWorkflow(context.Background(), "missing")
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestUpdateWorkflowStatus_Lifecycle(t *testing.T) {
	m, pub, metrics := newTestManager(t)
	ctx := context.Background()
	wf := createWorkflow(t, m)

	running, err := m.UpdateWorkflowStatus(ctx, wf.WorkflowID, api.StatusRunning)
	require.NoError(t, err)
	require.NotNil(t, running.ExecutionStatus.StartTime)
	assert.Nil(t, running.ExecutionStatus.EndTime)
	firstStart := *running.ExecutionStatus.StartTime

	_, err = m.UpdateWorkflowStatus(ctx, wf.WorkflowID, api.StatusPaused)
	require.NoError(t, err)
	resumed, err := m.UpdateWorkflowStatus(ctx, wf.WorkflowID, api.StatusRunning)
	require.NoError(t, err)
	assert.True(t, firstStart.Equal(*resumed.ExecutionStatus.StartTime), "start time is stamped once")

	done, err := m.UpdateWorkflowStatus(ctx, wf.WorkflowID, api.StatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, done.ExecutionStatus.EndTime)
	d, ok := done.Duration()
	require.True(t, ok)
	assert.Equal(t, d.Milliseconds(), done.PerformanceMetrics.TotalDurationMs)
	assert.Equal(t, 5, done.Version())

	assert.Equal(t, int64(1), metrics.Snapshot().WorkflowsCompleted)
	assert.Contains(t, pub.Names(), "workflow.updated")
}

func TestUpdateWorkflowStatus_SameStatusIsNoop(t *testing.T) {
	m, pub, _ := newTestManager(t)
	ctx := context.Background()
	wf := createWorkflow(t, m)

	got, err := m.UpdateWorkflowStatus(ctx, wf.WorkflowID, api.StatusCreated)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version())
	assert.Len(t, got.AuditTrail, 1)
	assert.Equal(t, []string{"workflow.created"}, pub.Names())
}

func TestUpdateWorkflowStatus_RejectsInvalid(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	wf := createWorkflow(t, m)

	_, err := m.UpdateWorkflowStatus(ctx, wf.WorkflowID, api.Status("exploded"))
	assert.ErrorIs(t, err, api.ErrInvalidTransition)

	_, err = m.UpdateWorkflowStatus(ctx, wf.WorkflowID, api.StatusCompleted)
	assert.ErrorIs(t, err, api.ErrInvalidTransition, "created cannot complete without running")

	_, err = m.UpdateWorkflowStatus(ctx, wf.WorkflowID, api.StatusCancelled)
	require.NoError(t, err)
	_, err = m.UpdateWorkflowStatus(ctx, wf.WorkflowID, api.StatusRunning)
	assert.ErrorIs(t, err, api.ErrInvalidTransition, "cancelled is terminal")

	_, err = m.UpdateWorkflowStatus(ctx, "missing", api.StatusRunning)
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestUpdateWorkflowStatus_FailedStampsEndAndPublishes(t *testing.T) {
	m, pub, metrics := newTestManager(t)
	ctx := context.Background()
	wf := createWorkflow(t, m)

	failed, err := m.UpdateWorkflowStatus(ctx, wf.WorkflowID, api.StatusFailed)
	require.NoError(t, err)
	assert.NotNil(t, failed.ExecutionStatus.EndTime)
	assert.Equal(t, []string{"workflow.created", "workflow.updated", "workflow.failed"}, pub.Names())
	assert.Equal(t, int64(1), metrics.Snapshot().WorkflowsFailed)
}

func TestUpdateCurrentStage_AppendsPreviousOnce(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	wf := createWorkflow(t, m, "context", "plan", "confirm")

	first, err := m.UpdateCurrentStage(ctx, wf.WorkflowID, "plan")
	require.NoError(t, err)
	assert.Equal(t, "plan", first.ExecutionStatus.CurrentStage)
	assert.Equal(t, []string{"context"}, first.ExecutionStatus.CompletedStages)

	second, err := m.UpdateCurrentStage(ctx, wf.WorkflowID, "plan")
	require.NoError(t, err)
	assert.Equal(t, []string{"context"}, second.ExecutionStatus.CompletedStages)
	assert.Equal(t, first.Version(), second.Version())
}

func TestUpdateCurrentStage_NonAdjacentAndRevisit(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	wf := createWorkflow(t, m, "context", "plan", "confirm")

	_, err := m.UpdateCurrentStage(ctx, wf.WorkflowID, "confirm")
	require.NoError(t, err)
	_, err = m.UpdateCurrentStage(ctx, wf.WorkflowID, "context")
	require.NoError(t, err)
	got, err := m.UpdateCurrentStage(ctx, wf.WorkflowID, "confirm")
	require.NoError(t, err)

	assert.Equal(t, []string{"context", "confirm"}, got.ExecutionStatus.CompletedStages)
	assert.Contains(t, got.PerformanceMetrics.StageDurationsMs, "context")
	assert.Equal(t, 3, got.PerformanceMetrics.TransitionCount)
}

func TestUpdateCurrentStage_Rejects(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	wf := createWorkflow(t, m)

	_, err := m.UpdateCurrentStage(ctx, wf.WorkflowID, "trace")
	assert.ErrorIs(t, err, api.ErrInvalidTransition)

	_, err = m.UpdateWorkflowStatus(ctx, wf.WorkflowID, api.StatusCancelled)
	require.NoError(t, err)
	_, err = m.UpdateCurrentStage(ctx, wf.WorkflowID, "plan")
	assert.ErrorIs(t, err, api.ErrInvalidTransition)

	_, err = m.UpdateCurrentStage(ctx, "missing", "plan")
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestRecordStageResultAndRetries(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	wf := createWorkflow(t, m)

	got, err := m.RecordStageResult(ctx, wf.WorkflowID, "context", map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, got.ExecutionStatus.StageResults["context"])

	_, err = m.RecordStageResult(ctx, wf.WorkflowID, "nope", 1)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	got, err = m.AddRetries(ctx, wf.WorkflowID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ExecutionStatus.RetryCount)
}

func TestDeleteWorkflow(t *testing.T) {
	m, pub, metrics := newTestManager(t)
	ctx := context.Background()
	wf := createWorkflow(t, m)

	removed, err := m.DeleteWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = m.GetWorkflow(ctx, wf.WorkflowID)
	assert.ErrorIs(t, err, api.ErrNotFound)

	removed, err = m.DeleteWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.False(t, removed)

	assert.Equal(t, "workflow.deleted", pub.Names()[len(pub.Names())-1])
	assert.Equal(t, int64(1), metrics.Snapshot().WorkflowsDeleted)
}

func TestListWorkflows(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	a := createWorkflow(t, m)
	createWorkflow(t, m)
	_, err := m.UpdateWorkflowStatus(ctx, a.WorkflowID, api.StatusRunning)
	require.NoError(t, err)

	all, err := m.ListWorkflows(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := m.ListWorkflows(ctx, api.StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, a.WorkflowID, running[0].WorkflowID)

	_, err = m.ListWorkflows(ctx, api.Status("bogus"))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestGetWorkflowStatistics(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	completed := createWorkflow(t, m)
	_, err := m.UpdateWorkflowStatus(ctx, completed.WorkflowID, api.StatusRunning)
	require.NoError(t, err)
	_, err = m.UpdateWorkflowStatus(ctx, completed.WorkflowID, api.StatusCompleted)
	require.NoError(t, err)

	failed := createWorkflow(t, m)
	_, err = m.UpdateWorkflowStatus(ctx, failed.WorkflowID, api.StatusFailed)
	require.NoError(t, err)

	running := createWorkflow(t, m)
	_, err = m.UpdateWorkflowStatus(ctx, running.WorkflowID, api.StatusRunning)
	require.NoError(t, err)

	createWorkflow(t, m)

	stats, err := m.GetWorkflowStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 2, stats.InProgress)
	// The step clock advances 100ms per reading; running -> completed spans one step.
	assert.InDelta(t, 100, stats.AverageDurationMs, 0.001)
}

func TestGetWorkflowStatistics_Empty(t *testing.T) {
	m, _, _ := newTestManager(t)

	stats, err := m.GetWorkflowStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Statistics{}, stats)
}

func TestConcurrentStageUpdatesStayConsistent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	wf := createWorkflow(t, m, "a", "b", "c", "d")

	var wg sync.WaitGroup
	for _, stage := range []string{"b", "c", "d", "b", "c", "d"} {
		wg.Add(1)
		go func(stage string) {
			defer wg.Done()
			_, _ = m.UpdateCurrentStage(ctx, wf.WorkflowID, stage)
		}(stage)
	}
	wg.Wait()

	got, err := m.GetWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, s := range got.ExecutionStatus.CompletedStages {
		assert.False(t, seen[s], "stage %s completed twice", s)
		seen[s] = true
		assert.True(t, got.Config.HasStage(s))
	}
}
