package persistence

import (
	"context"
	"fmt"
	"sort"

	"github.com/petrijr/orchestro/pkg/api"
)

// ErrWorkflowNotFound is returned when a workflow is not found. It matches
// api.ErrNotFound with errors.Is.
var ErrWorkflowNotFound = fmt.Errorf("workflow %w", api.ErrNotFound)

// WorkflowStore persists workflow entities.
//
// Implementations must be goroutine-safe. Save stores a copy of the given
// workflow and returns the stored copy, so callers never share memory with
// the store.
type WorkflowStore interface {
	Save(ctx context.Context, wf *api.Workflow) (*api.Workflow, error)
	// FindByID returns ErrWorkflowNotFound when no workflow has the id.
	FindByID(ctx context.Context, id string) (*api.Workflow, error)
	FindAll(ctx context.Context) ([]*api.Workflow, error)
	FindByStatus(ctx context.Context, status api.Status) ([]*api.Workflow, error)
	// Delete reports whether a workflow was removed. Deleting an unknown id
	// is not an error.
	Delete(ctx context.Context, id string) (bool, error)
}

// Pinger is implemented by stores (and clients) that can verify their
// backing connection. The health monitor uses it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// sortWorkflows orders workflows by creation time, then id, so that every
// backend lists in the same order.
func sortWorkflows(wfs []*api.Workflow) {
	sort.SliceStable(wfs, func(i, j int) bool {
		a, b := wfs[i], wfs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.WorkflowID < b.WorkflowID
	})
}
