package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/orchestro/pkg/api"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleWorkflow(id string, status api.Status) *api.Workflow {
	return &api.Workflow{
		WorkflowID:     id,
		OrchestratorID: "orchestrator-test",
		Config: api.WorkflowConfig{
			Stages:        []string{"context", "plan", "confirm"},
			ExecutionMode: api.ModeSequential,
			Priority:      api.PriorityMedium,
		},
		ExecutionStatus: api.ExecutionStatus{
			Status:          status,
			CurrentStage:    "context",
			CompletedStages: []string{},
		},
		AuditTrail: []api.AuditEvent{
			{Type: api.EventWorkflowCreated, At: baseTime, Detail: "created"},
		},
		VersionHistory: []api.VersionEntry{
			{Version: 1, ChangedAt: baseTime, Change: "created"},
		},
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
}

// runStoreContract exercises the behavior every WorkflowStore backing must
// share. The store must be empty when passed in.
func runStoreContract(t *testing.T, store WorkflowStore) {
	t.Helper()
	ctx := context.Background()

	// Save and load.
	wf := sampleWorkflow("wf-1", api.StatusCreated)
	saved, err := store.Save(ctx, wf)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if saved == wf {
		t.Fatalf("Save must return a copy, not the argument")
	}

	got, err := store.FindByID(ctx, "wf-1")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got.WorkflowID != "wf-1" || got.ExecutionStatus.Status != api.StatusCreated {
		t.Fatalf("unexpected workflow: %+v", got)
	}
	if len(got.Config.Stages) != 3 || got.ExecutionStatus.CurrentStage != "context" {
		t.Fatalf("config not preserved: %+v", got.Config)
	}

	// Overwrite with a new status.
	wf.ExecutionStatus.Status = api.StatusRunning
	wf.UpdatedAt = baseTime.Add(time.Minute)
	if _, err := store.Save(ctx, wf); err != nil {
		t.Fatalf("Save (update) failed: %v", err)
	}
	got, err = store.FindByID(ctx, "wf-1")
	if err != nil {
		t.Fatalf("FindByID after update failed: %v", err)
	}
	if got.ExecutionStatus.Status != api.StatusRunning {
		t.Fatalf("expected running after update, got %q", got.ExecutionStatus.Status)
	}

	// Status index follows updates.
	second := sampleWorkflow("wf-2", api.StatusCreated)
	second.CreatedAt = baseTime.Add(time.Second)
	if _, err := store.Save(ctx, second); err != nil {
		t.Fatalf("Save wf-2 failed: %v", err)
	}

	running, err := store.FindByStatus(ctx, api.StatusRunning)
	if err != nil {
		t.Fatalf("FindByStatus(running) failed: %v", err)
	}
	if len(running) != 1 || running[0].WorkflowID != "wf-1" {
		t.Fatalf("expected only wf-1 running, got %d workflows", len(running))
	}
	created, err := store.FindByStatus(ctx, api.StatusCreated)
	if err != nil {
		t.Fatalf("FindByStatus(created) failed: %v", err)
	}
	if len(created) != 1 || created[0].WorkflowID != "wf-2" {
		t.Fatalf("expected only wf-2 created, got %d workflows", len(created))
	}

	all, err := store.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(all) != 2 || all[0].WorkflowID != "wf-1" || all[1].WorkflowID != "wf-2" {
		t.Fatalf("expected [wf-1 wf-2] in creation order, got %d workflows", len(all))
	}

	// Delete.
	removed, err := store.Delete(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !removed {
		t.Fatalf("expected Delete to report removal")
	}
	removed, err = store.Delete(ctx, "wf-1")
	if err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
	if removed {
		t.Fatalf("expected second Delete to report nothing removed")
	}

	if _, err := store.FindByID(ctx, "wf-1"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound after delete, got %v", err)
	}
	if !errors.Is(ErrWorkflowNotFound, api.ErrNotFound) {
		t.Fatalf("ErrWorkflowNotFound must match api.ErrNotFound")
	}

	running, err = store.FindByStatus(ctx, api.StatusRunning)
	if err != nil {
		t.Fatalf("FindByStatus after delete failed: %v", err)
	}
	if len(running) != 0 {
		t.Fatalf("expected no running workflows after delete, got %d", len(running))
	}
}
