package health

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/orchestro/internal/dispatch"
	"github.com/petrijr/orchestro/internal/resources"
	"github.com/petrijr/orchestro/pkg/api"
)

func static(name string, status api.CheckStatus) Checker {
	return CheckFunc{CheckName: name, Fn: func(ctx context.Context) api.CheckResult {
		return api.CheckResult{Status: status}
	}}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPerformHealthCheck_WorstOf(t *testing.T) {
	cases := []struct {
		name   string
		checks []Checker
		want   api.HealthStatus
	}{
		{"no checks", nil, api.HealthHealthy},
		{"all pass", []Checker{static("a", api.CheckPass), static("b", api.CheckPass)}, api.HealthHealthy},
		{"one warn", []Checker{static("a", api.CheckPass), static("b", api.CheckWarn)}, api.HealthDegraded},
		{"warn and fail", []Checker{static("a", api.CheckWarn), static("b", api.CheckFail)}, api.HealthUnhealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMonitor(Config{Checkers: tc.checks})
			report := m.PerformHealthCheck(context.Background())
			assert.Equal(t, tc.want, report.Status)
			assert.Len(t, report.Checks, len(tc.checks))
			assert.False(t, report.Timestamp.IsZero())
		})
	}
}

func TestPerformHealthCheck_KeepsOrderAndRunsConcurrently(t *testing.T) {
	slow := func(name string) Checker {
		return CheckFunc{CheckName: name, Fn: func(ctx context.Context) api.CheckResult {
			time.Sleep(50 * time.Millisecond)
			return api.CheckResult{Status: api.CheckPass}
		}}
	}
	var reported []api.HealthReport
	m := NewMonitor(Config{
		Checkers: []Checker{slow("first"), slow("second"), slow("third")},
		OnReport: func(r api.HealthReport) { reported = append(reported, r) },
	})

	start := time.Now()
	report := m.PerformHealthCheck(context.Background())
	assert.Less(t, time.Since(start), 140*time.Millisecond)

	names := []string{report.Checks[0].Name, report.Checks[1].Name, report.Checks[2].Name}
	assert.Equal(t, []string{"first", "second", "third"}, names)
	require.Len(t, reported, 1)

	last, ok := m.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.Status, last.Status)
}

func TestPerformHealthCheck_PanickingCheckerFails(t *testing.T) {
	m := NewMonitor(Config{Checkers: []Checker{
		CheckFunc{CheckName: "broken", Fn: func(ctx context.Context) api.CheckResult { panic("boom") }},
	}})

	report := m.PerformHealthCheck(context.Background())
	assert.Equal(t, api.HealthUnhealthy, report.Status)
	assert.Equal(t, "broken", report.Checks[0].Name)
	assert.Contains(t, report.Checks[0].Message, "panicked")
}

func TestPerformHealthCheck_TimeoutReachesChecker(t *testing.T) {
	m := NewMonitor(Config{
		CheckTimeout: 10 * time.Millisecond,
		Checkers: []Checker{PingChecker{CheckName: "store", Target: pingFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})}},
	})

	report := m.PerformHealthCheck(context.Background())
	assert.Equal(t, api.CheckFail, report.Checks[0].Status)
}

func TestStartMonitoring(t *testing.T) {
	healthy := NewMonitor(Config{Checkers: []Checker{static("a", api.CheckWarn)}})

	_, err := healthy.StartMonitoring(context.Background(), "wf-1")
	require.NoError(t, err, "degraded still allows monitoring")
	assert.Equal(t, []string{"wf-1"}, healthy.MonitoredWorkflows())

	assert.True(t, healthy.StopMonitoring("wf-1"))
	assert.False(t, healthy.StopMonitoring("wf-1"))
	assert.Empty(t, healthy.MonitoredWorkflows())

	unhealthy := NewMonitor(Config{Checkers: []Checker{static("db", api.CheckFail)}})
	_, err = unhealthy.StartMonitoring(context.Background(), "wf-2")
	assert.ErrorIs(t, err, api.ErrCoordinationStepFailure)
	var stepErr *api.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "monitoring", stepErr.Step)
	assert.Equal(t, "wf-2", stepErr.WorkflowID)
	assert.Empty(t, unhealthy.MonitoredWorkflows())

	_, err = healthy.StartMonitoring(context.Background(), "")
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestModuleChecker(t *testing.T) {
	d := dispatch.New(dispatch.Config{})
	require.NoError(t, d.Register("plan", dispatch.HandlerFunc(func(ctx context.Context, msg dispatch.Message) (any, error) {
		assert.Equal(t, dispatch.OpHealthCheck, msg.Operation)
		return "pass", nil
	})))
	require.NoError(t, d.Register("trace", dispatch.HandlerFunc(func(ctx context.Context, msg dispatch.Message) (any, error) {
		return "warn", nil
	})))

	assert.Equal(t, api.CheckPass, ModuleChecker{Dispatcher: d, Module: "plan"}.Check(context.Background()).Status)
	assert.Equal(t, api.CheckWarn, ModuleChecker{Dispatcher: d, Module: "trace"}.Check(context.Background()).Status)
	assert.Equal(t, api.CheckFail, ModuleChecker{Dispatcher: d, Module: "missing"}.Check(context.Background()).Status)
	assert.Equal(t, "module:plan", ModuleChecker{Module: "plan"}.Name())
}

func TestResourceChecker(t *testing.T) {
	alloc := resources.NewAllocator(resources.Config{Capacity: api.ResourceVector{CPUCores: 10, MemoryMB: 100}})
	checker := ResourceChecker{Source: alloc, Warn: 0.5, Fail: 0.9}
	ctx := context.Background()

	assert.Equal(t, api.CheckPass, checker.Check(ctx).Status)

	_, err := alloc.AllocateResources(ctx, "wf", api.ResourceRequirements{CPUCores: 6, Priority: api.PriorityLow})
	require.NoError(t, err)
	res := checker.Check(ctx)
	assert.Equal(t, api.CheckWarn, res.Status)
	assert.Contains(t, res.Message, api.DimensionCPU)

	_, err = alloc.AllocateResources(ctx, "wf", api.ResourceRequirements{MemoryMB: 95, Priority: api.PriorityLow})
	require.NoError(t, err)
	assert.Equal(t, api.CheckFail, checker.Check(ctx).Status)
}

func TestNetworkChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	// A closed listener gives a port that refuses connections.
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := closed.Addr().String()
	require.NoError(t, closed.Close())

	ctx := context.Background()
	up := ln.Addr().String()

	assert.Equal(t, api.CheckPass, NetworkChecker{}.Check(ctx).Status)
	assert.Equal(t, api.CheckPass, NetworkChecker{Targets: []string{up}}.Check(ctx).Status)
	assert.Equal(t, api.CheckWarn, NetworkChecker{Targets: []string{up, deadAddr}}.Check(ctx).Status)
	assert.Equal(t, api.CheckFail, NetworkChecker{Targets: []string{deadAddr}}.Check(ctx).Status)
}

func TestPingChecker(t *testing.T) {
	ok := PingChecker{CheckName: "redis", Target: pingFunc(func(ctx context.Context) error { return nil })}
	bad := PingChecker{CheckName: "mongo", Target: pingFunc(func(ctx context.Context) error { return errors.New("no reachable servers") })}

	assert.Equal(t, api.CheckPass, ok.Check(context.Background()).Status)
	res := bad.Check(context.Background())
	assert.Equal(t, api.CheckFail, res.Status)
	assert.Equal(t, "no reachable servers", res.Message)
}
