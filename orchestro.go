package orchestro

import (
	"github.com/petrijr/orchestro/internal/config"
	"github.com/petrijr/orchestro/internal/coordination"
	"github.com/petrijr/orchestro/internal/dispatch"
	"github.com/petrijr/orchestro/internal/protocol"
	"github.com/petrijr/orchestro/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api or the
// internal packages.

type (
	Config               = config.Config
	Workflow             = api.Workflow
	WorkflowConfig       = api.WorkflowConfig
	ExecutionContext     = api.ExecutionContext
	Status               = api.Status
	Priority             = api.Priority
	ExecutionMode        = api.ExecutionMode
	RetryPolicy          = api.RetryPolicy
	ResourceRequirements = api.ResourceRequirements
	ResourceAllocation   = api.ResourceAllocation
	HealthReport         = api.HealthReport
	Observer             = api.Observer
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	NoopObserver         = api.NoopObserver

	CreateParams        = coordination.CreateParams
	CoordinatedWorkflow = coordination.CoordinatedWorkflow
	ExecutionResult     = coordination.ExecutionResult
	Overview            = coordination.Overview

	Message       = dispatch.Message
	ModuleHandler = dispatch.Handler
	HandlerFunc   = dispatch.HandlerFunc

	Request  = protocol.Request
	Response = protocol.Response
)

// Re-export common helpers.

var (
	LoadConfig           = config.Load
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	Retry                = api.Retry
)

// Re-export status and priority values for convenience.

const (
	StatusCreated   = api.StatusCreated
	StatusRunning   = api.StatusRunning
	StatusPaused    = api.StatusPaused
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusCancelled = api.StatusCancelled

	PriorityLow      = api.PriorityLow
	PriorityMedium   = api.PriorityMedium
	PriorityHigh     = api.PriorityHigh
	PriorityCritical = api.PriorityCritical
)
