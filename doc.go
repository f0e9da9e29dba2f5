// Package orchestro coordinates multi-stage workflows across independent
// modules.
//
// A workflow is an ordered list of stages with a status that follows a
// fixed state machine (created, running, paused and the terminal completed,
// failed and cancelled). Orchestro persists each workflow together with its
// audit trail, stage timings and version history, and coordinates four
// collaborators around it:
//
//   - the lifecycle manager, which owns workflow state
//   - the health monitor, which aggregates checks and watches workflows
//   - the resource allocator, which hands out capacity from a fixed pool
//     scaled by workflow priority
//   - the module dispatcher, which delivers messages to named modules
//
// # Coordination
//
// Creating a workflow through the coordination facade is strict only about
// persistence. Monitoring, resource allocation and orchestration activation
// run concurrently afterwards; a failure in any of them is isolated, logged
// and reflected in the reported coordination health (healthy, warning or
// critical) instead of failing the call.
//
// # Runtime
//
// NewRuntime wires every component from a Config:
//
//	cfg, err := orchestro.LoadConfig("orchestro.yaml")
//	if err != nil { ... }
//	rt, err := orchestro.NewRuntime(ctx, cfg)
//	if err != nil { ... }
//	defer rt.Close(ctx)
//	_ = rt.Start(ctx)
//	cw, err := rt.Facade.CreateWorkflowWithFullCoordination(ctx, orchestro.CreateParams{...})
//
// Workflows can be stored in memory, SQLite, PostgreSQL, Redis or MongoDB,
// optionally behind an LRU cache. Events go to an in-process bus or to
// Redis pub/sub. The HTTP surface exposes the versioned request/response
// protocol, a health endpoint and Prometheus metrics.
//
// Embedders that do real work register their own orchestration module
// with WithModule; otherwise the built-in LocalOrchestrator accepts every
// operation and only tracks which workflows are active.
package orchestro
