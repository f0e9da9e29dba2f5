package resources

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/petrijr/orchestro/pkg/api"
)

// HostSampler reports the usage of the machine the orchestrator runs on.
type HostSampler interface {
	CPUPercent(ctx context.Context) (float64, error)
	MemoryPercent(ctx context.Context) (float64, error)
}

// GopsutilSampler samples the local host with gopsutil.
type GopsutilSampler struct{}

var _ HostSampler = GopsutilSampler{}

func (GopsutilSampler) CPUPercent(ctx context.Context) (float64, error) {
	// Interval 0 compares against the previous call instead of sleeping.
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, fmt.Errorf("no cpu samples")
	}
	return pcts[0], nil
}

func (GopsutilSampler) MemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// MonitorSystemPerformance samples pool utilization, request accounting
// and host usage. It never fails: sampling errors are reported in
// Errors, and a panic while sampling yields a timestamped snapshot with
// whatever was gathered before it.
func (a *Allocator) MonitorSystemPerformance(ctx context.Context) (snap api.PerformanceSnapshot) {
	snap.Timestamp = a.now()
	snap.Utilization = map[string]float64{}

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("performance sampling panicked: %v", r)
			snap.Errors = append(snap.Errors, msg)
			a.logger.Error("performance_sampling_panic", zap.Any("panic", r))
		}
	}()

	a.mu.Lock()
	snap.Utilization = a.utilizationLocked()
	snap.ActiveAllocations = a.activeLocked()
	attempts, failures, latency := a.attempts, a.failures, a.totalLatency
	queueDepth := a.queueDepth
	a.mu.Unlock()

	if attempts > 0 {
		snap.AverageResponseTimeMs = float64(latency.Microseconds()) / 1000 / float64(attempts)
		snap.ErrorRate = float64(failures) / float64(attempts)
	}
	if uptime := snap.Timestamp.Sub(a.started).Seconds(); uptime > 0 {
		snap.ThroughputPerSecond = float64(attempts-failures) / uptime
	}
	if queueDepth != nil {
		snap.QueueDepth = queueDepth()
	}

	if a.sampler != nil {
		if v, err := a.sampler.CPUPercent(ctx); err != nil {
			snap.Errors = append(snap.Errors, "cpu: "+err.Error())
		} else {
			snap.HostCPUPercent = v
		}
		if v, err := a.sampler.MemoryPercent(ctx); err != nil {
			snap.Errors = append(snap.Errors, "memory: "+err.Error())
		} else {
			snap.HostMemoryPercent = v
		}
	}
	return snap
}

// BalanceWorkload picks the least loaded target node. Load values come
// from CurrentLoad (missing nodes count as idle); ties go to the node that
// sorts first. The reported improvements compare the chosen node with the
// average load across targets. This is a placement heuristic, not a
// scheduler.
func (a *Allocator) BalanceWorkload(ctx context.Context, w api.Workload) (api.BalanceResult, error) {
	if len(w.TargetNodes) == 0 {
		return api.BalanceResult{}, fmt.Errorf("%w: workload has no target nodes", api.ErrInvalidArgument)
	}
	if w.EstimatedResourceUsage < 0 {
		return api.BalanceResult{}, fmt.Errorf("%w: estimated resource usage must not be negative", api.ErrInvalidArgument)
	}

	nodes := make([]string, 0, len(w.TargetNodes))
	for _, n := range w.TargetNodes {
		if n = strings.TrimSpace(n); n != "" {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) == 0 {
		return api.BalanceResult{}, fmt.Errorf("%w: workload has no target nodes", api.ErrInvalidArgument)
	}
	sort.Strings(nodes)

	var (
		selected string
		minLoad  = math.Inf(1)
		sum      float64
	)
	for _, n := range nodes {
		load := w.CurrentLoad[n]
		sum += load
		if load < minLoad {
			minLoad = load
			selected = n
		}
	}
	avg := sum / float64(len(nodes))

	usage := w.EstimatedResourceUsage * w.Priority.Multiplier()
	result := api.BalanceResult{
		SelectedNode:  selected,
		Strategy:      "least-loaded",
		ProjectedLoad: minLoad + usage,
	}
	if avg > 0 {
		reduction := (avg - minLoad) / avg * 100
		result.EstimatedLoadReductionPercent = reduction
		// Response time is assumed to improve at half the load reduction.
		result.EstimatedResponseTimeImprovementPercent = reduction * 0.5
	}

	a.logger.Debug("workload_balanced",
		zap.String("selected_node", selected),
		zap.Float64("projected_load", result.ProjectedLoad),
		zap.Int("candidates", len(nodes)),
	)
	return result, nil
}
