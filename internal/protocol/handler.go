package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/petrijr/orchestro/internal/coordination"
	"github.com/petrijr/orchestro/internal/lifecycle"
	"github.com/petrijr/orchestro/pkg/api"
)

// Service names reported in Metadata.ServicesInvolved.
const (
	ServiceLifecycle    = "lifecycle"
	ServiceHealth       = "health"
	ServiceResources    = "resources"
	ServiceDispatch     = "dispatch"
	ServiceTransactions = "transactions"
)

// Update actions.
const (
	ActionStatus  = "status"
	ActionStage   = "stage"
	ActionExecute = "execute"
	ActionStop    = "stop"
)

// Query types.
const (
	QueryStatistics  = "statistics"
	QueryOverview    = "overview"
	QueryHealth      = "health"
	QueryPerformance = "performance"
	QueryStatus      = "status"
)

// Workflows is the lifecycle surface used directly by the handler.
type Workflows interface {
	GetWorkflow(ctx context.Context, id string) (*api.Workflow, error)
	ListWorkflows(ctx context.Context, status api.Status) ([]*api.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, id string, status api.Status) (*api.Workflow, error)
	UpdateCurrentStage(ctx context.Context, id, stage string) (*api.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) (bool, error)
	GetWorkflowStatistics(ctx context.Context) (lifecycle.Statistics, error)
}

// Health is the monitoring surface used by queries.
type Health interface {
	PerformHealthCheck(ctx context.Context) api.HealthReport
	MonitoredWorkflows() []string
}

// Resources is the allocation surface used by queries and compensations.
type Resources interface {
	MonitorSystemPerformance(ctx context.Context) api.PerformanceSnapshot
	ListAllocations(executionID string) []api.ResourceAllocation
	ReleaseForExecution(ctx context.Context, executionID string) int
}

// compensator is implemented by transaction managers that can undo work.
type compensator interface {
	OnAbort(txID string, fn func(ctx context.Context) error) error
}

var _ Workflows = (*lifecycle.Manager)(nil)

// Config describes how to construct a Handler. Facade and Workflows are
// required.
type Config struct {
	Facade       *coordination.Facade
	Workflows    Workflows
	Health       Health
	Resources    Resources
	Transactions TransactionManager
	Logger       *zap.Logger
	Now          func() time.Time
}

// Handler serves protocol requests.
type Handler struct {
	facade    *coordination.Facade
	workflows Workflows
	health    Health
	resources Resources
	tx        TransactionManager
	logger    *zap.Logger
	now       func() time.Time
}

// NewHandler creates a Handler. A nil TransactionManager defaults to an
// in-memory one.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Facade == nil || cfg.Workflows == nil {
		return nil, fmt.Errorf("%w: facade and workflows are required", api.ErrInvalidArgument)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tx := cfg.Transactions
	if tx == nil {
		tx = NewMemoryTransactionManager(logger, 0)
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Handler{
		facade:    cfg.Facade,
		workflows: cfg.Workflows,
		health:    cfg.Health,
		resources: cfg.Resources,
		tx:        tx,
		logger:    logger,
		now:       now,
	}, nil
}

// CreatePayload is the payload of a create request.
type CreatePayload struct {
	Config            api.WorkflowConfig        `json:"config"`
	Context           api.ExecutionContext      `json:"context"`
	Operation         string                    `json:"operation,omitempty"`
	Details           map[string]any            `json:"details,omitempty"`
	Resources         *api.ResourceRequirements `json:"resources,omitempty"`
	SkipMonitoring    bool                      `json:"skipMonitoring,omitempty"`
	SkipOrchestration bool                      `json:"skipOrchestration,omitempty"`
}

// UpdatePayload is the payload of an update request.
type UpdatePayload struct {
	WorkflowID string     `json:"workflowId"`
	Action     string     `json:"action"`
	Status     api.Status `json:"status,omitempty"`
	Stage      string     `json:"stage,omitempty"`
}

// WorkflowPayload identifies a workflow for get and delete.
type WorkflowPayload struct {
	WorkflowID string `json:"workflowId"`
}

// ListPayload filters a list request.
type ListPayload struct {
	Status api.Status `json:"status,omitempty"`
}

// QueryPayload is the payload of a query request.
type QueryPayload struct {
	Type       string `json:"type"`
	WorkflowID string `json:"workflowId,omitempty"`
}

// WorkflowStatus is the result of a status query.
type WorkflowStatus struct {
	WorkflowID      string                   `json:"workflowId"`
	ExecutionStatus api.ExecutionStatus      `json:"executionStatus"`
	Monitored       bool                     `json:"monitored"`
	Allocations     []api.ResourceAllocation `json:"allocations"`
}

type outcome struct {
	result   any
	services []string
}

// Handle serves one request. It never returns a nil response; failures are
// reported through Response.Error.
func (h *Handler) Handle(ctx context.Context, req Request) *Response {
	start := h.now()
	resp := &Response{
		ProtocolVersion: Version,
		RequestID:       req.RequestID,
	}

	out, txID, err := h.route(ctx, req)
	resp.Timestamp = h.now()
	resp.Metadata = Metadata{
		OperationDurationMs: resp.Timestamp.Sub(start).Milliseconds(),
		ServicesInvolved:    out.services,
		TransactionID:       txID,
	}
	if resp.Metadata.ServicesInvolved == nil {
		resp.Metadata.ServicesInvolved = []string{}
	}
	if err != nil {
		resp.Status = StatusError
		resp.Error = errorBody(err)
		h.logger.Warn("protocol_request_failed",
			zap.String("request_id", req.RequestID),
			zap.String("operation", string(req.Operation)),
			zap.String("code", resp.Error.Code),
			zap.Error(err),
		)
		return resp
	}
	resp.Status = StatusSuccess
	resp.Result = out.result
	return resp
}

// HandleJSON decodes a request envelope, serves it and encodes the
// response. A malformed envelope yields a VALIDATION_ERROR response.
func (h *Handler) HandleJSON(ctx context.Context, body []byte) ([]byte, *Response) {
	var req Request
	var resp *Response
	if err := json.Unmarshal(body, &req); err != nil {
		resp = &Response{
			ProtocolVersion: Version,
			Timestamp:       h.now(),
			RequestID:       gjson.GetBytes(body, "requestId").String(),
			Status:          StatusError,
			Error:           errorBody(fmt.Errorf("%w: malformed request: %v", api.ErrInvalidArgument, err)),
			Metadata:        Metadata{ServicesInvolved: []string{}},
		}
	} else {
		resp = h.Handle(ctx, req)
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("protocol_encode_failed", zap.String("request_id", resp.RequestID), zap.Error(err))
		fallback := &Response{
			ProtocolVersion: Version,
			Timestamp:       resp.Timestamp,
			RequestID:       resp.RequestID,
			Status:          StatusError,
			Error:           &ErrorBody{Code: CodeInternal, Message: "response could not be encoded"},
			Metadata:        resp.Metadata,
		}
		raw, _ = json.Marshal(fallback)
		return raw, fallback
	}
	return raw, resp
}

func (h *Handler) route(ctx context.Context, req Request) (outcome, string, error) {
	if !compatible(req.ProtocolVersion) {
		return outcome{}, "", fmt.Errorf("%w: unsupported protocol version %q", api.ErrInvalidArgument, req.ProtocolVersion)
	}
	switch req.Operation {
	case OpCreate:
		return h.inTx(ctx, func(txID string) (outcome, error) { return h.create(ctx, txID, req.Payload) })
	case OpUpdate:
		return h.inTx(ctx, func(string) (outcome, error) { return h.update(ctx, req.Payload) })
	case OpDelete:
		return h.inTx(ctx, func(string) (outcome, error) { return h.delete(ctx, req.Payload) })
	case OpGet:
		out, err := h.get(ctx, req.Payload)
		return out, "", err
	case OpList:
		out, err := h.list(ctx, req.Payload)
		return out, "", err
	case OpQuery:
		out, err := h.query(ctx, req.Payload)
		return out, "", err
	default:
		return outcome{}, "", fmt.Errorf("%w: unknown operation %q", api.ErrInvalidArgument, req.Operation)
	}
}

// inTx runs fn inside a transaction. The transaction aborts when fn fails
// or ctx ends before commit.
func (h *Handler) inTx(ctx context.Context, fn func(txID string) (outcome, error)) (outcome, string, error) {
	txID, err := h.tx.BeginTransaction(ctx)
	if err != nil {
		return outcome{}, "", fmt.Errorf("begin transaction: %w", err)
	}
	out, err := fn(txID)
	out.services = append(out.services, ServiceTransactions)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		// Compensations must run even though ctx may be done.
		if aerr := h.tx.AbortTransaction(context.WithoutCancel(ctx), txID); aerr != nil {
			h.logger.Warn("transaction_abort_failed", zap.String("tx_id", txID), zap.Error(aerr))
		}
		return out, txID, err
	}
	if err := h.tx.CommitTransaction(ctx, txID); err != nil {
		return out, txID, fmt.Errorf("commit transaction: %w", err)
	}
	return out, txID, nil
}

func (h *Handler) create(ctx context.Context, txID string, raw json.RawMessage) (outcome, error) {
	out := outcome{services: []string{ServiceLifecycle, ServiceHealth, ServiceResources, ServiceDispatch}}
	var p CreatePayload
	if err := decode(raw, &p); err != nil {
		return out, err
	}
	cw, err := h.facade.CreateWorkflowWithFullCoordination(ctx, coordination.CreateParams{
		Config:            p.Config,
		Context:           p.Context,
		Operation:         p.Operation,
		Details:           p.Details,
		Resources:         p.Resources,
		SkipMonitoring:    p.SkipMonitoring,
		SkipOrchestration: p.SkipOrchestration,
	})
	if err != nil {
		return out, err
	}
	if c, ok := h.tx.(compensator); ok {
		id := cw.Workflow.WorkflowID
		_ = c.OnAbort(txID, func(ctx context.Context) error {
			h.facade.StopWorkflowWithCoordination(ctx, id)
			_, err := h.workflows.DeleteWorkflow(ctx, id)
			return err
		})
	}
	out.result = cw
	return out, nil
}

func (h *Handler) update(ctx context.Context, raw json.RawMessage) (outcome, error) {
	action := gjson.GetBytes(raw, "action").String()
	var p UpdatePayload
	if err := decode(raw, &p); err != nil {
		return outcome{}, err
	}
	if p.WorkflowID == "" {
		return outcome{}, fmt.Errorf("%w: workflowId is required", api.ErrInvalidArgument)
	}

	switch action {
	case ActionStatus:
		out := outcome{services: []string{ServiceLifecycle}}
		wf, err := h.workflows.UpdateWorkflowStatus(ctx, p.WorkflowID, p.Status)
		out.result = wf
		return out, err
	case ActionStage:
		out := outcome{services: []string{ServiceLifecycle}}
		if p.Stage == "" {
			return out, fmt.Errorf("%w: stage is required", api.ErrInvalidArgument)
		}
		wf, err := h.workflows.UpdateCurrentStage(ctx, p.WorkflowID, p.Stage)
		out.result = wf
		return out, err
	case ActionExecute:
		out := outcome{services: []string{ServiceLifecycle, ServiceDispatch}}
		res, err := h.facade.ExecuteWorkflowWithCoordination(ctx, p.WorkflowID)
		out.result = res
		return out, err
	case ActionStop:
		out := outcome{services: []string{ServiceLifecycle, ServiceDispatch, ServiceResources, ServiceHealth}}
		stopped := h.facade.StopWorkflowWithCoordination(ctx, p.WorkflowID)
		out.result = map[string]any{"workflowId": p.WorkflowID, "stopped": stopped}
		return out, nil
	default:
		return outcome{}, fmt.Errorf("%w: unknown update action %q", api.ErrInvalidArgument, action)
	}
}

func (h *Handler) delete(ctx context.Context, raw json.RawMessage) (outcome, error) {
	out := outcome{services: []string{ServiceLifecycle}}
	id, err := workflowID(raw)
	if err != nil {
		return out, err
	}
	deleted, err := h.workflows.DeleteWorkflow(ctx, id)
	if err != nil {
		return out, err
	}
	if !deleted {
		return out, api.NotFoundf("workflow %s", id)
	}
	out.result = map[string]any{"workflowId": id, "deleted": true}
	return out, nil
}

func (h *Handler) get(ctx context.Context, raw json.RawMessage) (outcome, error) {
	out := outcome{services: []string{ServiceLifecycle}}
	id, err := workflowID(raw)
	if err != nil {
		return out, err
	}
	wf, err := h.workflows.GetWorkflow(ctx, id)
	out.result = wf
	return out, err
}

func (h *Handler) list(ctx context.Context, raw json.RawMessage) (outcome, error) {
	out := outcome{services: []string{ServiceLifecycle}}
	var p ListPayload
	if len(raw) > 0 {
		if err := decode(raw, &p); err != nil {
			return out, err
		}
	}
	wfs, err := h.workflows.ListWorkflows(ctx, p.Status)
	if err != nil {
		return out, err
	}
	if wfs == nil {
		wfs = []*api.Workflow{}
	}
	out.result = wfs
	return out, nil
}

func (h *Handler) query(ctx context.Context, raw json.RawMessage) (outcome, error) {
	typ := gjson.GetBytes(raw, "type").String()
	switch typ {
	case QueryStatistics:
		stats, err := h.workflows.GetWorkflowStatistics(ctx)
		return outcome{result: stats, services: []string{ServiceLifecycle}}, err
	case QueryOverview:
		ov, err := h.facade.GetCoordinationOverview(ctx)
		return outcome{result: ov, services: []string{ServiceLifecycle, ServiceHealth, ServiceResources}}, err
	case QueryHealth:
		out := outcome{services: []string{ServiceHealth}}
		if h.health == nil {
			return out, coordination.ErrNotConfigured
		}
		out.result = h.health.PerformHealthCheck(ctx)
		return out, nil
	case QueryPerformance:
		out := outcome{services: []string{ServiceResources}}
		if h.resources == nil {
			return out, coordination.ErrNotConfigured
		}
		out.result = h.resources.MonitorSystemPerformance(ctx)
		return out, nil
	case QueryStatus:
		return h.status(ctx, raw)
	default:
		return outcome{}, fmt.Errorf("%w: unknown query type %q", api.ErrInvalidArgument, typ)
	}
}

func (h *Handler) status(ctx context.Context, raw json.RawMessage) (outcome, error) {
	out := outcome{services: []string{ServiceLifecycle}}
	id, err := workflowID(raw)
	if err != nil {
		return out, err
	}
	wf, err := h.workflows.GetWorkflow(ctx, id)
	if err != nil {
		return out, err
	}
	st := WorkflowStatus{
		WorkflowID:      id,
		ExecutionStatus: wf.ExecutionStatus,
		Allocations:     []api.ResourceAllocation{},
	}
	if h.health != nil {
		out.services = append(out.services, ServiceHealth)
		for _, m := range h.health.MonitoredWorkflows() {
			if m == id {
				st.Monitored = true
				break
			}
		}
	}
	if h.resources != nil {
		out.services = append(out.services, ServiceResources)
		st.Allocations = h.resources.ListAllocations(id)
	}
	out.result = st
	return out, nil
}

func workflowID(raw json.RawMessage) (string, error) {
	var p WorkflowPayload
	if err := decode(raw, &p); err != nil {
		return "", err
	}
	if p.WorkflowID == "" {
		return "", fmt.Errorf("%w: workflowId is required", api.ErrInvalidArgument)
	}
	return p.WorkflowID, nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: payload is required", api.ErrInvalidArgument)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decode payload: %v", api.ErrInvalidArgument, err)
	}
	return nil
}
