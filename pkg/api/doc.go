// Package api contains the data model shared by every orchestro component.
//
// Most users interact with the higher-level orchestro package, which
// re-exports selected types from here. The api package is intended for
// custom integrations such as alternative stores, observers or module
// handlers.
//
// # Workflows
//
// A Workflow couples a WorkflowConfig (ordered stages, execution mode,
// priority, timeout and retry policy) with its ExecutionStatus, an audit
// trail, per-stage performance metrics and a version history. Status
// changes follow a fixed state machine, see Status.CanTransitionTo;
// completed, failed and cancelled are terminal.
//
// # Resources
//
// ResourceRequirements are scaled by Priority.Multiplier before they are
// checked against the pool. A request that does not fit fails with an
// *InsufficientResourcesError naming the first short dimension.
//
// # Health
//
// HealthReport aggregates CheckResults with WorstOf. CoordinationHealth
// scores how many auxiliary coordination steps succeeded for a workflow.
//
// # Errors
//
// Components return errors that match one of the sentinels ErrNotFound,
// ErrInvalidTransition, ErrInsufficientResources, ErrInvalidArgument or
// ErrCoordinationStepFailure under errors.Is.
//
// # Observability
//
// Observer receives lifecycle and coordination callbacks. LoggingObserver,
// BasicMetrics and CompositeObserver cover the common cases.
package api
