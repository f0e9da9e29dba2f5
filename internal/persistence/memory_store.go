package persistence

import (
	"context"
	"sync"

	"github.com/petrijr/orchestro/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe WorkflowStore backed by a map.
// It keeps deep copies so callers cannot mutate stored state.
type InMemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*api.Workflow
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows: make(map[string]*api.Workflow),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ WorkflowStore = (*InMemoryStore)(nil)

var _ Pinger = (*InMemoryStore)(nil)

func (s *InMemoryStore) Save(ctx context.Context, wf *api.Workflow) (*api.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[wf.WorkflowID] = wf.Clone()
	return wf.Clone(), nil
}

func (s *InMemoryStore) FindByID(ctx context.Context, id string) (*api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return wf.Clone(), nil
}

func (s *InMemoryStore) FindAll(ctx context.Context) ([]*api.Workflow, error) {
	return s.list(func(*api.Workflow) bool { return true }), nil
}

func (s *InMemoryStore) FindByStatus(ctx context.Context, status api.Status) ([]*api.Workflow, error) {
	return s.list(func(wf *api.Workflow) bool {
		return wf.ExecutionStatus.Status == status
	}), nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return false, nil
	}
	delete(s.workflows, id)
	return true, nil
}

// Ping always succeeds.
func (s *InMemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *InMemoryStore) list(keep func(*api.Workflow) bool) []*api.Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*api.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		if keep(wf) {
			result = append(result, wf.Clone())
		}
	}
	sortWorkflows(result)
	return result
}
