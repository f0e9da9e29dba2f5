package api

import "time"

// EventType identifies an audit trail entry or a published event.
type EventType string

const (
	EventWorkflowCreated      EventType = "workflow.created"
	EventWorkflowUpdated      EventType = "workflow.updated"
	EventWorkflowStageChanged EventType = "workflow.stage_changed"
	EventWorkflowStageResult  EventType = "workflow.stage_result"
	EventWorkflowFailed       EventType = "workflow.failed"
	EventWorkflowDeleted      EventType = "workflow.deleted"

	EventCoordinationStepFailed EventType = "coordination.step_failed"
	EventWorkflowExecuted       EventType = "workflow.executed"
	EventWorkflowStopped        EventType = "workflow.stopped"
)

// AuditEvent is a small append-only history record kept on the workflow.
// Keep Data low-volume: do NOT dump large payloads here.
type AuditEvent struct {
	Type   EventType      `json:"type"`
	At     time.Time      `json:"at"`
	Actor  string         `json:"actor,omitempty"`
	Detail string         `json:"detail,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}
