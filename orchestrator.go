package orchestro

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/petrijr/orchestro/internal/dispatch"
)

// LocalOrchestrator is the built-in orchestration module. It accepts the
// operations the coordinator sends and tracks which workflows are active.
// It does no work of its own; embedders that drive real execution register
// their own module under the orchestration name instead.
type LocalOrchestrator struct {
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]time.Time
	runs   map[string]int
}

var _ dispatch.Handler = (*LocalOrchestrator)(nil)

// NewLocalOrchestrator creates an empty LocalOrchestrator.
func NewLocalOrchestrator(logger *zap.Logger) *LocalOrchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalOrchestrator{
		logger: logger,
		active: make(map[string]time.Time),
		runs:   make(map[string]int),
	}
}

func (o *LocalOrchestrator) Handle(ctx context.Context, msg dispatch.Message) (any, error) {
	if msg.Operation == dispatch.OpHealthCheck {
		return "pass", nil
	}

	id, _ := msg.Payload["workflowId"].(string)
	if id == "" {
		return nil, fmt.Errorf("%s: workflowId missing from payload", msg.Operation)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	switch msg.Operation {
	case dispatch.OpStartWorkflow:
		o.active[id] = time.Now().UTC()
		return map[string]any{"workflowId": id, "accepted": true}, nil
	case dispatch.OpExecute:
		if _, ok := o.active[id]; !ok {
			o.active[id] = time.Now().UTC()
		}
		o.runs[id]++
		o.logger.Debug("workflow_execute_accepted",
			zap.String("workflow_id", id),
			zap.Any("stage", msg.Payload["currentStage"]),
			zap.Int("run", o.runs[id]),
		)
		return map[string]any{"workflowId": id, "run": o.runs[id]}, nil
	case dispatch.OpStop:
		_, was := o.active[id]
		delete(o.active, id)
		return map[string]any{"workflowId": id, "wasActive": was}, nil
	default:
		return nil, fmt.Errorf("unsupported operation %q", msg.Operation)
	}
}

// Active returns the ids of started, not yet stopped workflows.
func (o *LocalOrchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.active))
	for id := range o.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Runs reports how often a workflow was executed.
func (o *LocalOrchestrator) Runs(workflowID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[workflowID]
}
