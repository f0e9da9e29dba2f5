// Package lifecycle owns workflow entities: creation, status and stage
// transitions, deletion and aggregate statistics.
//
// Workflows are mutated only through Manager. Every mutation is a
// load-modify-save cycle serialized by the manager, appends a version entry
// and is announced to the configured observer and publisher.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/petrijr/orchestro/internal/events"
	"github.com/petrijr/orchestro/internal/persistence"
	"github.com/petrijr/orchestro/pkg/api"
)

// Config describes how to construct a Manager.
type Config struct {
	Store          persistence.WorkflowStore
	Observer       api.Observer
	Publisher      events.Publisher
	OrchestratorID string
	Logger         *zap.Logger
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Manager is the WorkflowLifecycleManager.
type Manager struct {
	store          persistence.WorkflowStore
	observer       api.Observer
	publisher      events.Publisher
	orchestratorID string
	logger         *zap.Logger
	now            func() time.Time

	mu sync.Mutex // serializes load-modify-save cycles
}

// NewManagerWithConfig creates a Manager using the given configuration.
// Missing collaborators default to an in-memory store, a no-op observer and
// a no-op publisher.
func NewManagerWithConfig(cfg Config) *Manager {
	store := cfg.Store
	if store == nil {
		store = persistence.NewInMemoryStore()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	id := cfg.OrchestratorID
	if id == "" {
		id = "orchestro"
	}
	return &Manager{
		store:          store,
		observer:       obs,
		publisher:      pub,
		orchestratorID: id,
		logger:         logger,
		now:            now,
	}
}

// NewManager returns a Manager over store with default collaborators.
func NewManager(store persistence.WorkflowStore) *Manager {
	return NewManagerWithConfig(Config{Store: store})
}

// OrchestratorID identifies the orchestrator that owns created workflows.
func (m *Manager) OrchestratorID() string {
	return m.orchestratorID
}

// CreateWorkflow persists a new workflow in status created, positioned at
// the first configured stage. operation and details are recorded on the
// creation audit event.
func (m *Manager) CreateWorkflow(ctx context.Context, cfg api.WorkflowConfig, execCtx api.ExecutionContext, operation string, details map[string]any) (*api.Workflow, error) {
	cfg.Stages = append([]string(nil), cfg.Stages...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := m.now()
	entered := now
	wf := &api.Workflow{
		WorkflowID:       uuid.NewString(),
		OrchestratorID:   m.orchestratorID,
		Config:           cfg,
		ExecutionContext: execCtx,
		ExecutionStatus: api.ExecutionStatus{
			Status:          api.StatusCreated,
			CurrentStage:    cfg.Stages[0],
			CompletedStages: []string{},
			StageResults:    map[string]any{},
		},
		PerformanceMetrics: api.PerformanceMetrics{
			StageDurationsMs: map[string]int64{},
			StageEnteredAt:   &entered,
		},
		AuditTrail: []api.AuditEvent{{
			Type:   api.EventWorkflowCreated,
			At:     now,
			Actor:  execCtx.UserID,
			Detail: operation,
			Data:   details,
		}},
		VersionHistory: []api.VersionEntry{{Version: 1, ChangedAt: now, Change: "created"}},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	saved, err := m.store.Save(ctx, wf)
	if err != nil {
		return nil, fmt.Errorf("persist workflow %s: %w", wf.WorkflowID, err)
	}

	m.observer.OnWorkflowCreated(ctx, saved)
	m.publish(ctx, api.EventWorkflowCreated, saved, map[string]any{
		"operation": operation,
		"stages":    saved.Config.Stages,
	})
	return saved, nil
}

// GetWorkflow returns the workflow with the given id.
func (m *Manager) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	wf, err := m.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowNotFound) {
			return nil, api.NotFoundf("workflow %s", id)
		}
		return nil, err
	}
	return wf, nil
}

// ListWorkflows returns all workflows, or only those in status when it is
// not empty.
func (m *Manager) ListWorkflows(ctx context.Context, status api.Status) ([]*api.Workflow, error) {
	if status == "" {
		return m.store.FindAll(ctx)
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", api.ErrInvalidArgument, status)
	}
	return m.store.FindByStatus(ctx, status)
}

// UpdateWorkflowStatus moves a workflow along the state machine. Setting
// the current status again is a no-op. Entering running the first time
// stamps the start time; entering a terminal status stamps the end time.
func (m *Manager) UpdateWorkflowStatus(ctx context.Context, id string, status api.Status) (*api.Workflow, error) {
	if !status.Valid() {
		return nil, api.InvalidTransitionf("unknown status %q", status)
	}

	var from api.Status
	wf, changed, err := m.mutate(ctx, id, func(wf *api.Workflow, now time.Time) (string, error) {
		from = wf.ExecutionStatus.Status
		if from == status {
			return "", nil
		}
		if !from.CanTransitionTo(status) {
			return "", api.InvalidTransitionf("workflow %s cannot move from %s to %s", id, from, status)
		}

		st := &wf.ExecutionStatus
		st.Status = status
		if status == api.StatusRunning && st.StartTime == nil {
			t := now
			st.StartTime = &t
		}
		if status.IsTerminal() {
			t := now
			st.EndTime = &t
			closeStage(wf, now)
			if d, ok := wf.Duration(); ok {
				wf.PerformanceMetrics.TotalDurationMs = d.Milliseconds()
			}
		}
		wf.PerformanceMetrics.TransitionCount++
		wf.AuditTrail = append(wf.AuditTrail, api.AuditEvent{
			Type:   api.EventWorkflowUpdated,
			At:     now,
			Detail: fmt.Sprintf("status %s -> %s", from, status),
			Data:   map[string]any{"from": string(from), "to": string(status)},
		})
		return "status:" + string(status), nil
	})
	if err != nil || !changed {
		return wf, err
	}

	m.observer.OnStatusChanged(ctx, wf, from)
	m.publish(ctx, api.EventWorkflowUpdated, wf, map[string]any{"from": string(from)})
	if status == api.StatusFailed {
		m.publish(ctx, api.EventWorkflowFailed, wf, nil)
	}
	return wf, nil
}

// UpdateCurrentStage advances the workflow to stage. The previous current
// stage is appended to the completed stages at most once. Moving to the
// stage that is already current is a no-op. The stage must be part of the
// configured plan but need not be adjacent to the current one.
func (m *Manager) UpdateCurrentStage(ctx context.Context, id, stage string) (*api.Workflow, error) {
	var from string
	wf, changed, err := m.mutate(ctx, id, func(wf *api.Workflow, now time.Time) (string, error) {
		st := &wf.ExecutionStatus
		if st.Status.IsTerminal() {
			return "", api.InvalidTransitionf("workflow %s is %s", id, st.Status)
		}
		if !wf.Config.HasStage(stage) {
			return "", api.InvalidTransitionf("stage %q is not configured for workflow %s", stage, id)
		}
		from = st.CurrentStage
		if from == stage {
			return "", nil
		}

		closeStage(wf, now)
		if from != "" && !st.IsStageCompleted(from) {
			st.CompletedStages = append(st.CompletedStages, from)
		}
		st.CurrentStage = stage
		entered := now
		wf.PerformanceMetrics.StageEnteredAt = &entered
		wf.PerformanceMetrics.TransitionCount++
		wf.AuditTrail = append(wf.AuditTrail, api.AuditEvent{
			Type:   api.EventWorkflowStageChanged,
			At:     now,
			Detail: fmt.Sprintf("stage %s -> %s", from, stage),
			Data:   map[string]any{"from": from, "to": stage},
		})
		return "stage:" + stage, nil
	})
	if err != nil || !changed {
		return wf, err
	}

	m.observer.OnStageAdvanced(ctx, wf, from)
	m.publish(ctx, api.EventWorkflowStageChanged, wf, map[string]any{"from": from})
	return wf, nil
}

// RecordStageResult stores result under stage in the workflow's stage
// results, replacing any earlier value.
func (m *Manager) RecordStageResult(ctx context.Context, id, stage string, result any) (*api.Workflow, error) {
	wf, _, err := m.mutate(ctx, id, func(wf *api.Workflow, now time.Time) (string, error) {
		if !wf.Config.HasStage(stage) {
			return "", fmt.Errorf("%w: stage %q is not configured for workflow %s", api.ErrInvalidArgument, stage, id)
		}
		if wf.ExecutionStatus.StageResults == nil {
			wf.ExecutionStatus.StageResults = make(map[string]any)
		}
		wf.ExecutionStatus.StageResults[stage] = result
		wf.AuditTrail = append(wf.AuditTrail, api.AuditEvent{
			Type:   api.EventWorkflowStageResult,
			At:     now,
			Detail: stage,
		})
		return "result:" + stage, nil
	})
	return wf, err
}

// AddRetries adds n to the workflow's retry count.
func (m *Manager) AddRetries(ctx context.Context, id string, n int) (*api.Workflow, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: retry increment must not be negative", api.ErrInvalidArgument)
	}
	wf, _, err := m.mutate(ctx, id, func(wf *api.Workflow, now time.Time) (string, error) {
		if n == 0 {
			return "", nil
		}
		wf.ExecutionStatus.RetryCount += n
		return fmt.Sprintf("retries:+%d", n), nil
	})
	return wf, err
}

// DeleteWorkflow appends a terminal audit event and removes the workflow.
// It reports false, without error, when the workflow does not exist.
func (m *Manager) DeleteWorkflow(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wf, err := m.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowNotFound) {
			return false, nil
		}
		return false, err
	}

	now := m.now()
	wf.AuditTrail = append(wf.AuditTrail, api.AuditEvent{
		Type:   api.EventWorkflowDeleted,
		At:     now,
		Detail: "deleted",
		Data:   map[string]any{"finalStatus": string(wf.ExecutionStatus.Status)},
	})
	appendVersion(wf, now, "deleted")
	if _, err := m.store.Save(ctx, wf); err != nil {
		// The record is going away anyway; the audit entry is best effort.
		m.logger.Warn("workflow_delete_audit_failed",
			zap.String("workflow_id", id),
			zap.Error(err),
		)
	}

	removed, err := m.store.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete workflow %s: %w", id, err)
	}
	if !removed {
		return false, nil
	}

	m.observer.OnWorkflowDeleted(ctx, id)
	m.publish(ctx, api.EventWorkflowDeleted, wf, map[string]any{
		"auditEvents": len(wf.AuditTrail),
	})
	return true, nil
}

// Statistics aggregates workflow counts per status.
type Statistics struct {
	Total      int `json:"total"`
	Created    int `json:"created"`
	Running    int `json:"running"`
	Paused     int `json:"paused"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	InProgress int `json:"inProgress"`
	// AverageDurationMs is the mean duration of completed workflows that
	// recorded both a start and an end time; 0 when there are none.
	AverageDurationMs float64 `json:"averageDurationMs"`
}

// GetWorkflowStatistics computes Statistics over every stored workflow.
func (m *Manager) GetWorkflowStatistics(ctx context.Context) (Statistics, error) {
	all, err := m.store.FindAll(ctx)
	if err != nil {
		return Statistics{}, err
	}

	var (
		stats   Statistics
		total   time.Duration
		samples int
	)
	stats.Total = len(all)
	for _, wf := range all {
		switch wf.ExecutionStatus.Status {
		case api.StatusCreated:
			stats.Created++
		case api.StatusRunning:
			stats.Running++
		case api.StatusPaused:
			stats.Paused++
		case api.StatusCompleted:
			stats.Completed++
			if d, ok := wf.Duration(); ok {
				total += d
				samples++
			}
		case api.StatusFailed:
			stats.Failed++
		case api.StatusCancelled:
			stats.Cancelled++
		}
	}
	stats.InProgress = stats.Created + stats.Running + stats.Paused
	if samples > 0 {
		stats.AverageDurationMs = float64(total.Milliseconds()) / float64(samples)
	}
	return stats, nil
}

// mutate loads the workflow, applies fn and saves the result when fn
// reports a change (a non-empty change label).
func (m *Manager) mutate(ctx context.Context, id string, fn func(wf *api.Workflow, now time.Time) (string, error)) (*api.Workflow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wf, err := m.GetWorkflow(ctx, id)
	if err != nil {
		return nil, false, err
	}

	now := m.now()
	change, err := fn(wf, now)
	if err != nil {
		return nil, false, err
	}
	if change == "" {
		return wf, false, nil
	}

	appendVersion(wf, now, change)
	saved, err := m.store.Save(ctx, wf)
	if err != nil {
		return nil, false, fmt.Errorf("persist workflow %s: %w", id, err)
	}
	return saved, true, nil
}

func appendVersion(wf *api.Workflow, now time.Time, change string) {
	wf.VersionHistory = append(wf.VersionHistory, api.VersionEntry{
		Version:   wf.Version() + 1,
		ChangedAt: now,
		Change:    change,
	})
	wf.UpdatedAt = now
}

// closeStage accumulates the time spent in the current stage.
func closeStage(wf *api.Workflow, now time.Time) {
	pm := &wf.PerformanceMetrics
	stage := wf.ExecutionStatus.CurrentStage
	if stage == "" || pm.StageEnteredAt == nil {
		return
	}
	if pm.StageDurationsMs == nil {
		pm.StageDurationsMs = make(map[string]int64)
	}
	pm.StageDurationsMs[stage] += now.Sub(*pm.StageEnteredAt).Milliseconds()
	pm.StageEnteredAt = nil
}

func (m *Manager) publish(ctx context.Context, typ api.EventType, wf *api.Workflow, extra map[string]any) {
	payload := map[string]any{
		"workflowId":     wf.WorkflowID,
		"orchestratorId": wf.OrchestratorID,
		"status":         string(wf.ExecutionStatus.Status),
		"currentStage":   wf.ExecutionStatus.CurrentStage,
		"version":        wf.Version(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	m.publisher.Publish(ctx, string(typ), payload)
}
