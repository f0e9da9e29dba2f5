// Package coordination strings the lifecycle manager, health monitor,
// resource allocator and module dispatcher together.
//
// Creating a workflow is strict: if the workflow cannot be persisted the
// call fails. Everything after that is best effort. Monitoring, resource
// allocation and orchestration activation run concurrently, each failure is
// isolated to its own flag, and the number of successful steps decides the
// reported coordination health.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/orchestro/internal/dispatch"
	"github.com/petrijr/orchestro/internal/events"
	"github.com/petrijr/orchestro/internal/lifecycle"
	"github.com/petrijr/orchestro/internal/logging"
	"github.com/petrijr/orchestro/pkg/api"
)

// Step names, as reported in errors, logs and metrics.
const (
	StepCreate        = "create"
	StepMonitoring    = "monitoring"
	StepResources     = "resources"
	StepOrchestration = "orchestration"
)

// Source is the module name the facade uses when dispatching.
const Source = "coordinator"

// WorkflowManager is the lifecycle surface the facade needs.
type WorkflowManager interface {
	CreateWorkflow(ctx context.Context, cfg api.WorkflowConfig, execCtx api.ExecutionContext, operation string, details map[string]any) (*api.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (*api.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, id string, status api.Status) (*api.Workflow, error)
	RecordStageResult(ctx context.Context, id, stage string, result any) (*api.Workflow, error)
	AddRetries(ctx context.Context, id string, n int) (*api.Workflow, error)
	GetWorkflowStatistics(ctx context.Context) (lifecycle.Statistics, error)
}

// HealthMonitor is the monitoring surface the facade needs.
type HealthMonitor interface {
	StartMonitoring(ctx context.Context, workflowID string) (api.HealthReport, error)
	StopMonitoring(workflowID string) bool
	PerformHealthCheck(ctx context.Context) api.HealthReport
	MonitoredWorkflows() []string
}

// ResourceAllocator is the allocation surface the facade needs.
type ResourceAllocator interface {
	AllocateResources(ctx context.Context, executionID string, req api.ResourceRequirements) (*api.ResourceAllocation, error)
	ReleaseForExecution(ctx context.Context, executionID string) int
	MonitorSystemPerformance(ctx context.Context) api.PerformanceSnapshot
	ActiveAllocations() int
}

// ModuleDispatcher is the dispatch surface the facade needs.
type ModuleDispatcher interface {
	CoordinateModuleOperation(ctx context.Context, source, target, operation string, payload map[string]any) (dispatch.Result, error)
	CoordinateWithRetry(ctx context.Context, policy *api.RetryPolicy, source, target, operation string, payload map[string]any) (dispatch.Result, error)
}

var (
	_ WorkflowManager  = (*lifecycle.Manager)(nil)
	_ ModuleDispatcher = (*dispatch.Dispatcher)(nil)
)

// ErrNotConfigured is the step error for a collaborator that was not
// provided.
var ErrNotConfigured = errors.New("component not configured")

// Config describes how to construct a Facade. Only Lifecycle is
// required; a missing collaborator makes its step fail.
type Config struct {
	Lifecycle  WorkflowManager
	Monitor    HealthMonitor
	Allocator  ResourceAllocator
	Dispatcher ModuleDispatcher
	Observer   api.Observer
	Publisher  events.Publisher
	Errors     *logging.ErrorHandler
	// OrchestrationModule is the dispatch target for start, execute and
	// stop. Defaults to "orchestration".
	OrchestrationModule string
}

// Facade is the CoordinationFacade.
type Facade struct {
	lifecycle  WorkflowManager
	monitor    HealthMonitor
	allocator  ResourceAllocator
	dispatcher ModuleDispatcher
	observer   api.Observer
	publisher  events.Publisher
	errs       *logging.ErrorHandler
	module     string
}

// New creates a Facade.
func New(cfg Config) (*Facade, error) {
	if cfg.Lifecycle == nil {
		return nil, fmt.Errorf("%w: lifecycle manager is required", api.ErrInvalidArgument)
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	errs := cfg.Errors
	if errs == nil {
		errs = logging.NewErrorHandler(nil)
	}
	module := cfg.OrchestrationModule
	if module == "" {
		module = "orchestration"
	}
	return &Facade{
		lifecycle:  cfg.Lifecycle,
		monitor:    cfg.Monitor,
		allocator:  cfg.Allocator,
		dispatcher: cfg.Dispatcher,
		observer:   obs,
		publisher:  pub,
		errs:       errs,
		module:     module,
	}, nil
}

// CreateParams are the inputs of CreateWorkflowWithFullCoordination.
type CreateParams struct {
	Config    api.WorkflowConfig
	Context   api.ExecutionContext
	Operation string
	Details   map[string]any

	// SkipMonitoring disables step 2.
	SkipMonitoring bool
	// Resources is the request for step 3; nil skips allocation.
	Resources *api.ResourceRequirements
	// SkipOrchestration disables step 4.
	SkipOrchestration bool
}

// CoordinatedWorkflow is the outcome of CreateWorkflowWithFullCoordination.
// Skipped steps count as not succeeded.
type CoordinatedWorkflow struct {
	Workflow            *api.Workflow           `json:"workflow"`
	MonitoringEnabled   bool                    `json:"monitoringEnabled"`
	ResourcesAllocated  bool                    `json:"resourcesAllocated"`
	Allocation          *api.ResourceAllocation `json:"allocation,omitempty"`
	OrchestrationActive bool                    `json:"orchestrationActive"`
	HealthStatus        api.CoordinationHealth  `json:"healthStatus"`
	StepErrors          map[string]string       `json:"stepErrors,omitempty"`
	Skipped             []string                `json:"skipped,omitempty"`
}

const coordinationSteps = 3

// CreateWorkflowWithFullCoordination creates a workflow and then, in
// parallel, starts monitoring, allocates resources and activates
// orchestration. Only a failure to create the workflow is returned as an
// error; the other steps report through the flags of the result.
func (f *Facade) CreateWorkflowWithFullCoordination(ctx context.Context, p CreateParams) (*CoordinatedWorkflow, error) {
	operation := p.Operation
	if operation == "" {
		operation = "full_coordination"
	}

	wf, err := f.lifecycle.CreateWorkflow(ctx, p.Config, p.Context, operation, p.Details)
	if err != nil {
		f.errs.With(map[string]any{"workflowId": "", "operation": operation}).
			LogError(logging.SeverityHigh, "workflow creation failed", "coordination."+StepCreate, err)
		return nil, err
	}
	id := wf.WorkflowID

	stepCtx := ctx
	if timeout := wf.Config.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var (
		monErr, resErr, orchErr error
		allocation              *api.ResourceAllocation
		skipped                 []string
	)

	var g errgroup.Group
	if p.SkipMonitoring {
		skipped = append(skipped, StepMonitoring)
	} else {
		g.Go(func() error {
			monErr = f.step(stepCtx, id, StepMonitoring, func(ctx context.Context) error {
				if f.monitor == nil {
					return ErrNotConfigured
				}
				_, err := f.monitor.StartMonitoring(ctx, id)
				return err
			})
			return nil
		})
	}
	if p.Resources == nil {
		skipped = append(skipped, StepResources)
	} else {
		req := *p.Resources
		if req.Priority == "" {
			req.Priority = wf.Config.Priority
		}
		g.Go(func() error {
			resErr = f.step(stepCtx, id, StepResources, func(ctx context.Context) error {
				if f.allocator == nil {
					return ErrNotConfigured
				}
				a, err := f.allocator.AllocateResources(ctx, id, req)
				allocation = a
				return err
			})
			return nil
		})
	}
	if p.SkipOrchestration {
		skipped = append(skipped, StepOrchestration)
	} else {
		g.Go(func() error {
			orchErr = f.step(stepCtx, id, StepOrchestration, func(ctx context.Context) error {
				return f.dispatch(ctx, nil, dispatch.OpStartWorkflow, wf)
			})
			return nil
		})
	}
	_ = g.Wait()

	out := &CoordinatedWorkflow{
		Workflow:            wf,
		MonitoringEnabled:   !p.SkipMonitoring && monErr == nil,
		ResourcesAllocated:  p.Resources != nil && resErr == nil,
		Allocation:          allocation,
		OrchestrationActive: !p.SkipOrchestration && orchErr == nil,
		Skipped:             skipped,
	}
	succeeded := 0
	for _, ok := range []bool{out.MonitoringEnabled, out.ResourcesAllocated, out.OrchestrationActive} {
		if ok {
			succeeded++
		}
	}
	out.HealthStatus = api.ScoreCoordination(succeeded, coordinationSteps)

	for step, err := range map[string]error{StepMonitoring: monErr, StepResources: resErr, StepOrchestration: orchErr} {
		if err != nil {
			if out.StepErrors == nil {
				out.StepErrors = make(map[string]string)
			}
			out.StepErrors[step] = err.Error()
		}
	}

	f.errs.Info("workflow_coordinated", map[string]any{
		"workflowId":          id,
		"healthStatus":        string(out.HealthStatus),
		"monitoringEnabled":   out.MonitoringEnabled,
		"resourcesAllocated":  out.ResourcesAllocated,
		"orchestrationActive": out.OrchestrationActive,
	})
	return out, nil
}

// step runs one auxiliary coordination step with failure isolation: a
// returned error or a panic becomes a StepError, which is logged, observed
// and published but never propagated to the caller of the pipeline.
func (f *Facade) step(ctx context.Context, workflowID, name string, fn func(ctx context.Context) error) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			var stepErr *api.StepError
			if !errors.As(err, &stepErr) {
				err = api.NewStepError(workflowID, name, err)
			}
			f.errs.With(map[string]any{"workflowId": workflowID, "step": name}).
				LogError(logging.SeverityMedium, "coordination step failed", "coordination."+name, err)
			f.publisher.Publish(ctx, string(api.EventCoordinationStepFailed), map[string]any{
				"workflowId": workflowID,
				"step":       name,
				"error":      err.Error(),
			})
		}
		f.observer.OnCoordinationStep(ctx, workflowID, name, err, time.Since(start))
	}()
	return fn(ctx)
}

// dispatch sends operation for wf to the orchestration module and treats
// an unsuccessful result as an error.
func (f *Facade) dispatch(ctx context.Context, policy *api.RetryPolicy, operation string, wf *api.Workflow) error {
	_, err := f.dispatchResult(ctx, policy, operation, wf)
	return err
}

func (f *Facade) dispatchResult(ctx context.Context, policy *api.RetryPolicy, operation string, wf *api.Workflow) (dispatch.Result, error) {
	if f.dispatcher == nil {
		return dispatch.Result{}, ErrNotConfigured
	}
	payload := map[string]any{
		"workflowId":    wf.WorkflowID,
		"stages":        wf.Config.Stages,
		"currentStage":  wf.ExecutionStatus.CurrentStage,
		"executionMode": string(wf.Config.ExecutionMode),
		"priority":      string(wf.Config.Priority),
	}
	res, err := f.dispatcher.CoordinateWithRetry(ctx, policy, Source, f.module, operation, payload)
	if err == nil && !res.Success {
		err = fmt.Errorf("module %s did not accept %s", f.module, operation)
	}
	return res, err
}
