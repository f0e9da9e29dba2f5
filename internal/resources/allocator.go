// Package resources tracks a finite resource pool and the allocations taken
// from it.
package resources

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/petrijr/orchestro/pkg/api"
)

// Config describes how to construct an Allocator.
type Config struct {
	// Capacity is the total pool. Dimensions left at zero cannot be
	// allocated from.
	Capacity api.ResourceVector
	// Sampler reports host usage for performance snapshots. Optional.
	Sampler HostSampler
	// QueueDepth reports pending work, typically the dispatcher mailbox.
	QueueDepth func() int
	Logger     *zap.Logger
	Now        func() time.Time
}

// Allocator is the ResourceAllocator. A single mutex guards the remaining
// capacity so concurrent allocations and releases are serialized.
type Allocator struct {
	capacity   api.ResourceVector
	sampler    HostSampler
	queueDepth func() int
	logger     *zap.Logger
	now        func() time.Time
	started    time.Time

	mu          sync.Mutex
	remaining   api.ResourceVector
	allocations map[string]*api.ResourceAllocation

	// request accounting for performance snapshots
	attempts     int64
	failures     int64
	totalLatency time.Duration
}

// NewAllocator creates an Allocator with the given pool.
func NewAllocator(cfg Config) *Allocator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Allocator{
		capacity:    cfg.Capacity,
		sampler:     cfg.Sampler,
		queueDepth:  cfg.QueueDepth,
		logger:      logger,
		now:         now,
		started:     now(),
		remaining:   cfg.Capacity,
		allocations: make(map[string]*api.ResourceAllocation),
	}
}

// SetQueueDepth installs the queue depth source after construction, for
// wiring order where the dispatcher is built after the allocator.
func (a *Allocator) SetQueueDepth(fn func() int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queueDepth = fn
}

// Capacity returns the configured pool size.
func (a *Allocator) Capacity() api.ResourceVector {
	return a.capacity
}

// Remaining returns the unallocated capacity.
func (a *Allocator) Remaining() api.ResourceVector {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remaining
}

// AllocateResources scales the requested vector by the priority multiplier
// and takes it from the pool. If any dimension does not fit, nothing is
// taken and the error matches api.ErrInsufficientResources.
func (a *Allocator) AllocateResources(ctx context.Context, executionID string, req api.ResourceRequirements) (*api.ResourceAllocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if executionID == "" {
		return nil, fmt.Errorf("%w: execution id is required", api.ErrInvalidArgument)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = api.PriorityMedium
	}
	requested := req.Vector()
	scaled := requested.Scale(priority.Multiplier())

	start := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	defer func() {
		a.attempts++
		a.totalLatency += time.Since(start)
	}()

	available := a.remaining.Dimensions()
	for i, d := range scaled.Dimensions() {
		if d.Value > available[i].Value {
			a.failures++
			return nil, &api.InsufficientResourcesError{
				Dimension: d.Name,
				Requested: d.Value,
				Available: available[i].Value,
			}
		}
	}

	a.remaining = a.remaining.Sub(scaled)
	alloc := &api.ResourceAllocation{
		AllocationID:        uuid.NewString(),
		ExecutionID:         executionID,
		Requested:           requested,
		Allocated:           scaled,
		Priority:            priority,
		Status:              api.AllocationAllocated,
		AllocationTime:      a.now(),
		EstimatedDurationMs: req.EstimatedDurationMs,
	}
	a.allocations[alloc.AllocationID] = alloc

	a.logger.Debug("resources_allocated",
		zap.String("allocation_id", alloc.AllocationID),
		zap.String("execution_id", executionID),
		zap.String("priority", string(priority)),
		zap.Float64("cpu_cores", scaled.CPUCores),
		zap.Float64("memory_mb", scaled.MemoryMB),
	)
	cp := *alloc
	return &cp, nil
}

// ReleaseResources returns an allocation to the pool. It reports true
// exactly once per allocation; unknown or already released ids yield false.
func (a *Allocator) ReleaseResources(ctx context.Context, allocationID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.releaseLocked(allocationID)
}

// ReleaseForExecution releases every active allocation held by the
// execution and returns how many were released.
func (a *Allocator) ReleaseForExecution(ctx context.Context, executionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	released := 0
	for id, alloc := range a.allocations {
		if alloc.ExecutionID == executionID && a.releaseLocked(id) {
			released++
		}
	}
	return released
}

func (a *Allocator) releaseLocked(allocationID string) bool {
	alloc, ok := a.allocations[allocationID]
	if !ok || alloc.Status != api.AllocationAllocated {
		return false
	}
	alloc.Status = api.AllocationReleased
	a.remaining = a.outstandingLocked()
	t := a.now()
	alloc.ReleasedAt = &t

	a.logger.Debug("resources_released",
		zap.String("allocation_id", allocationID),
		zap.String("execution_id", alloc.ExecutionID),
	)
	return true
}

// outstandingLocked recomputes the remaining pool from the active
// allocations, so releases never accumulate rounding error. With no active
// allocations it is exactly the capacity.
func (a *Allocator) outstandingLocked() api.ResourceVector {
	remaining := a.capacity
	for _, alloc := range a.allocations {
		if alloc.Status == api.AllocationAllocated {
			remaining = remaining.Sub(alloc.Allocated)
		}
	}
	return remaining
}

// GetAllocation returns a copy of the allocation record.
func (a *Allocator) GetAllocation(allocationID string) (*api.ResourceAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, ok := a.allocations[allocationID]
	if !ok {
		return nil, api.NotFoundf("allocation %s", allocationID)
	}
	cp := *alloc
	return &cp, nil
}

// ListAllocations returns allocation records ordered by allocation time.
// An empty executionID lists every allocation.
func (a *Allocator) ListAllocations(executionID string) []api.ResourceAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]api.ResourceAllocation, 0, len(a.allocations))
	for _, alloc := range a.allocations {
		if executionID == "" || alloc.ExecutionID == executionID {
			out = append(out, *alloc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AllocationTime.Equal(out[j].AllocationTime) {
			return out[i].AllocationTime.Before(out[j].AllocationTime)
		}
		return out[i].AllocationID < out[j].AllocationID
	})
	return out
}

// ActiveAllocations counts allocations that still hold capacity.
func (a *Allocator) ActiveAllocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeLocked()
}

func (a *Allocator) activeLocked() int {
	n := 0
	for _, alloc := range a.allocations {
		if alloc.Status == api.AllocationAllocated {
			n++
		}
	}
	return n
}

// Utilization returns the used fraction of each configured dimension.
// Dimensions with zero capacity are omitted.
func (a *Allocator) Utilization() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.utilizationLocked()
}

func (a *Allocator) utilizationLocked() map[string]float64 {
	out := make(map[string]float64, 4)
	remaining := a.remaining.Dimensions()
	for i, c := range a.capacity.Dimensions() {
		if c.Value <= 0 {
			continue
		}
		out[c.Name] = (c.Value - remaining[i].Value) / c.Value
	}
	return out
}
