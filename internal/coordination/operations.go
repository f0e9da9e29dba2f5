package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/orchestro/internal/dispatch"
	"github.com/petrijr/orchestro/internal/lifecycle"
	"github.com/petrijr/orchestro/internal/logging"
	"github.com/petrijr/orchestro/pkg/api"
)

// ExecutionResult is the outcome of ExecuteWorkflowWithCoordination.
type ExecutionResult struct {
	Workflow   *api.Workflow        `json:"workflow"`
	Statistics lifecycle.Statistics `json:"statistics"`
	Dispatch   dispatch.Result      `json:"dispatch"`
}

// ExecuteWorkflowWithCoordination runs the existing workflow: it is moved
// to running, the execute operation is dispatched to the orchestration
// module under the workflow's retry policy, and the dispatch outcome is
// recorded as the result of the current stage. A failed dispatch marks
// the workflow failed and is returned together with the result.
func (f *Facade) ExecuteWorkflowWithCoordination(ctx context.Context, workflowID string) (*ExecutionResult, error) {
	errs := f.errs.With(map[string]any{"workflowId": workflowID, "operation": dispatch.OpExecute})

	stats, err := f.lifecycle.GetWorkflowStatistics(ctx)
	if err != nil {
		errs.LogError(logging.SeverityHigh, "statistics unavailable", "coordination.execute", err)
		return nil, err
	}

	wf, err := f.lifecycle.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.ExecutionStatus.Status.IsTerminal() {
		return nil, api.InvalidTransitionf("workflow %s is %s", workflowID, wf.ExecutionStatus.Status)
	}
	if wf.ExecutionStatus.Status != api.StatusRunning {
		if wf, err = f.lifecycle.UpdateWorkflowStatus(ctx, workflowID, api.StatusRunning); err != nil {
			errs.LogError(logging.SeverityHigh, "workflow could not start", "coordination.execute", err)
			return nil, err
		}
	}

	dispatchCtx := ctx
	if timeout := wf.Config.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, dispatchErr := f.dispatchResult(dispatchCtx, wf.Config.RetryPolicy, dispatch.OpExecute, wf)

	if res.Attempts > 1 {
		if _, err := f.lifecycle.AddRetries(ctx, workflowID, res.Attempts-1); err != nil {
			errs.LogError(logging.SeverityLow, "retry count not recorded", "coordination.execute", err)
		}
	}
	if stage := wf.ExecutionStatus.CurrentStage; stage != "" {
		summary := res.Summary()
		if dispatchErr != nil {
			summary["error"] = dispatchErr.Error()
		}
		if updated, err := f.lifecycle.RecordStageResult(ctx, workflowID, stage, summary); err != nil {
			errs.LogError(logging.SeverityLow, "stage result not recorded", "coordination.execute", err)
		} else {
			wf = updated
		}
	}

	result := &ExecutionResult{Workflow: wf, Statistics: stats, Dispatch: res}
	if dispatchErr != nil {
		errs.LogError(logging.SeverityHigh, "workflow execution failed", "coordination.execute", dispatchErr)
		if failed, err := f.lifecycle.UpdateWorkflowStatus(ctx, workflowID, api.StatusFailed); err != nil {
			errs.LogError(logging.SeverityCritical, "workflow could not be marked failed", "coordination.execute", err)
		} else {
			result.Workflow = failed
		}
		return result, fmt.Errorf("execute workflow %s: %w", workflowID, dispatchErr)
	}

	f.publisher.Publish(ctx, string(api.EventWorkflowExecuted), map[string]any{
		"workflowId":      workflowID,
		"messageId":       res.MessageID,
		"attempts":        res.Attempts,
		"executionTimeMs": res.ExecutionTimeMs,
	})
	return result, nil
}

// StopWorkflowWithCoordination asks the orchestration module to stop the
// workflow, releases its resources, stops monitoring and cancels it when it
// is not already terminal. It never returns an error or panics: any failure
// is logged and reported as false. Calling it again is safe.
func (f *Facade) StopWorkflowWithCoordination(ctx context.Context, workflowID string) (stopped bool) {
	errs := f.errs.With(map[string]any{"workflowId": workflowID, "operation": dispatch.OpStop})
	defer func() {
		if r := recover(); r != nil {
			errs.LogError(logging.SeverityCritical, "stop panicked", "coordination.stop", fmt.Errorf("%v", r))
			stopped = false
		}
	}()

	wf, err := f.lifecycle.GetWorkflow(ctx, workflowID)
	if err != nil {
		errs.LogError(logging.SeverityMedium, "stop failed", "coordination.stop", err)
		return false
	}
	if err := f.dispatch(ctx, nil, dispatch.OpStop, wf); err != nil {
		errs.LogError(logging.SeverityMedium, "stop failed", "coordination.stop", err)
		return false
	}

	released := 0
	if f.allocator != nil {
		released = f.allocator.ReleaseForExecution(ctx, workflowID)
	}
	if f.monitor != nil {
		f.monitor.StopMonitoring(workflowID)
	}
	if !wf.ExecutionStatus.Status.IsTerminal() {
		if _, err := f.lifecycle.UpdateWorkflowStatus(ctx, workflowID, api.StatusCancelled); err != nil {
			errs.LogError(logging.SeverityMedium, "stop failed", "coordination.stop", err)
			return false
		}
	}

	f.publisher.Publish(ctx, string(api.EventWorkflowStopped), map[string]any{
		"workflowId":          workflowID,
		"releasedAllocations": released,
	})
	return true
}

// Overview is the coordination dashboard.
type Overview struct {
	Timestamp          time.Time                `json:"timestamp"`
	Statistics         lifecycle.Statistics     `json:"statistics"`
	Health             *api.HealthReport        `json:"health,omitempty"`
	Performance        *api.PerformanceSnapshot `json:"performance,omitempty"`
	ActiveAllocations  int                      `json:"activeAllocations"`
	MonitoredWorkflows []string                 `json:"monitoredWorkflows"`
}

// GetCoordinationOverview merges workflow statistics with a fresh health
// report and performance snapshot.
func (f *Facade) GetCoordinationOverview(ctx context.Context) (*Overview, error) {
	stats, err := f.lifecycle.GetWorkflowStatistics(ctx)
	if err != nil {
		return nil, err
	}
	out := &Overview{
		Timestamp:          time.Now().UTC(),
		Statistics:         stats,
		MonitoredWorkflows: []string{},
	}
	if f.monitor != nil {
		report := f.monitor.PerformHealthCheck(ctx)
		out.Health = &report
		out.MonitoredWorkflows = f.monitor.MonitoredWorkflows()
	}
	if f.allocator != nil {
		snap := f.allocator.MonitorSystemPerformance(ctx)
		out.Performance = &snap
		out.ActiveAllocations = f.allocator.ActiveAllocations()
	}
	return out, nil
}
