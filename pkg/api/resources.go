package api

import (
	"fmt"
	"math"
	"time"
)

// Priority orders workflows and resource requests.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Multiplier is the factor a request of this priority is scaled by before
// it is checked against the pool. Unknown priorities scale like medium.
func (p Priority) Multiplier() float64 {
	switch p {
	case PriorityCritical:
		return 1.5
	case PriorityHigh:
		return 1.25
	case PriorityLow:
		return 1.0
	default:
		return 1.1
	}
}

// Resource dimension names, as reported in errors and metrics.
const (
	DimensionCPU     = "cpuCores"
	DimensionMemory  = "memoryMb"
	DimensionDisk    = "diskSpaceMb"
	DimensionNetwork = "networkBandwidthMbps"
)

// ResourceVector is an amount of each pool dimension.
type ResourceVector struct {
	CPUCores             float64 `json:"cpuCores"`
	MemoryMB             float64 `json:"memoryMb"`
	DiskSpaceMB          float64 `json:"diskSpaceMb"`
	NetworkBandwidthMbps float64 `json:"networkBandwidthMbps"`
}

// Scale multiplies every dimension by f.
func (v ResourceVector) Scale(f float64) ResourceVector {
	return ResourceVector{
		CPUCores:             v.CPUCores * f,
		MemoryMB:             v.MemoryMB * f,
		DiskSpaceMB:          v.DiskSpaceMB * f,
		NetworkBandwidthMbps: v.NetworkBandwidthMbps * f,
	}
}

// Add returns v + o.
func (v ResourceVector) Add(o ResourceVector) ResourceVector {
	return ResourceVector{
		CPUCores:             v.CPUCores + o.CPUCores,
		MemoryMB:             v.MemoryMB + o.MemoryMB,
		DiskSpaceMB:          v.DiskSpaceMB + o.DiskSpaceMB,
		NetworkBandwidthMbps: v.NetworkBandwidthMbps + o.NetworkBandwidthMbps,
	}
}

// Sub returns v - o.
func (v ResourceVector) Sub(o ResourceVector) ResourceVector {
	return v.Add(o.Scale(-1))
}

// Dimensions returns the vector as name/value pairs in a stable order.
func (v ResourceVector) Dimensions() []Dimension {
	return []Dimension{
		{Name: DimensionCPU, Value: v.CPUCores},
		{Name: DimensionMemory, Value: v.MemoryMB},
		{Name: DimensionDisk, Value: v.DiskSpaceMB},
		{Name: DimensionNetwork, Value: v.NetworkBandwidthMbps},
	}
}

// Dimension is one named component of a ResourceVector.
type Dimension struct {
	Name  string
	Value float64
}

// ResourceRequirements is a request for pool capacity.
type ResourceRequirements struct {
	CPUCores             float64  `json:"cpuCores"`
	MemoryMB             float64  `json:"memoryMb"`
	DiskSpaceMB          float64  `json:"diskSpaceMb"`
	NetworkBandwidthMbps float64  `json:"networkBandwidthMbps"`
	Priority             Priority `json:"priority"`
	EstimatedDurationMs  int64    `json:"estimatedDurationMs,omitempty"`
}

// Vector returns the requested amounts.
func (r ResourceRequirements) Vector() ResourceVector {
	return ResourceVector{
		CPUCores:             r.CPUCores,
		MemoryMB:             r.MemoryMB,
		DiskSpaceMB:          r.DiskSpaceMB,
		NetworkBandwidthMbps: r.NetworkBandwidthMbps,
	}
}

// Validate rejects non-finite or negative amounts and unknown priorities. An empty
// priority is accepted and treated as medium.
func (r ResourceRequirements) Validate() error {
	for _, d := range r.Vector().Dimensions() {
		if math.IsNaN(d.Value) || math.IsInf(d.Value, 0) {
			return fmt.Errorf("%w: %s must be a finite number", ErrInvalidArgument, d.Name)
		}
		if d.Value < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidArgument, d.Name)
		}
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidArgument, r.Priority)
	}
	if r.EstimatedDurationMs < 0 {
		return fmt.Errorf("%w: estimated duration must not be negative", ErrInvalidArgument)
	}
	return nil
}

// AllocationStatus is the state of a ResourceAllocation.
type AllocationStatus string

const (
	AllocationAllocated AllocationStatus = "allocated"
	AllocationReleased  AllocationStatus = "released"
	AllocationFailed    AllocationStatus = "failed"
)

// ResourceAllocation records capacity taken from the pool on behalf of an
// execution. ExecutionID is a weak reference to a workflow.
type ResourceAllocation struct {
	AllocationID        string           `json:"allocationId"`
	ExecutionID         string           `json:"executionId"`
	Requested           ResourceVector   `json:"requestedResources"`
	Allocated           ResourceVector   `json:"allocatedResources"`
	Priority            Priority         `json:"priority"`
	Status              AllocationStatus `json:"status"`
	AllocationTime      time.Time        `json:"allocationTime"`
	ReleasedAt          *time.Time       `json:"releasedAt,omitempty"`
	EstimatedDurationMs int64            `json:"estimatedDurationMs,omitempty"`
}

// PerformanceSnapshot is a best-effort sample of pool and host usage.
type PerformanceSnapshot struct {
	Timestamp             time.Time          `json:"timestamp"`
	Utilization           map[string]float64 `json:"utilization"`
	QueueDepth            int                `json:"queueDepth"`
	AverageResponseTimeMs float64            `json:"averageResponseTimeMs"`
	ThroughputPerSecond   float64            `json:"throughputPerSecond"`
	ErrorRate             float64            `json:"errorRate"`
	ActiveAllocations     int                `json:"activeAllocations"`
	HostCPUPercent        float64            `json:"hostCpuPercent"`
	HostMemoryPercent     float64            `json:"hostMemoryPercent"`
	Errors                []string           `json:"errors,omitempty"`
}

// Workload describes work to place on one of several nodes.
type Workload struct {
	Priority               Priority           `json:"priority"`
	EstimatedResourceUsage float64            `json:"estimatedResourceUsage"`
	CurrentLoad            map[string]float64 `json:"currentLoad"`
	TargetNodes            []string           `json:"targetNodes"`
}

// BalanceResult is the placement chosen by BalanceWorkload.
type BalanceResult struct {
	SelectedNode                            string  `json:"selectedNode"`
	Strategy                                string  `json:"strategy"`
	ProjectedLoad                           float64 `json:"projectedLoad"`
	EstimatedLoadReductionPercent           float64 `json:"estimatedLoadReduction"`
	EstimatedResponseTimeImprovementPercent float64 `json:"estimatedResponseTimeImprovement"`
}
