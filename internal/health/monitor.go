// Package health aggregates the health of dependent modules, stores and
// resources into a single report.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/orchestro/pkg/api"
)

// Checker produces one entry of a health report. Check must not panic and
// should honour ctx.
type Checker interface {
	Name() string
	Check(ctx context.Context) api.CheckResult
}

// Config describes how to construct a Monitor.
type Config struct {
	Checkers []Checker
	// CheckTimeout bounds each checker. Defaults to 5s.
	CheckTimeout time.Duration
	Logger       *zap.Logger
	// OnReport is called after every completed health check.
	OnReport func(api.HealthReport)
	Now      func() time.Time
}

// Monitor is the HealthMonitor.
type Monitor struct {
	timeout  time.Duration
	logger   *zap.Logger
	onReport func(api.HealthReport)
	now      func() time.Time

	mu        sync.RWMutex
	checkers  []Checker
	last      *api.HealthReport
	monitored map[string]time.Time
}

// NewMonitor creates a Monitor with the given checkers.
func NewMonitor(cfg Config) *Monitor {
	timeout := cfg.CheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Monitor{
		timeout:   timeout,
		logger:    logger,
		onReport:  cfg.OnReport,
		now:       now,
		checkers:  append([]Checker(nil), cfg.Checkers...),
		monitored: make(map[string]time.Time),
	}
}

// AddChecker registers an additional checker.
func (m *Monitor) AddChecker(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// PerformHealthCheck runs every checker concurrently and folds the results
// worst-of. Results keep registration order.
func (m *Monitor) PerformHealthCheck(ctx context.Context) api.HealthReport {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	results := make([]api.CheckResult, len(checkers))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checkers {
		g.Go(func() error {
			results[i] = m.run(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	report := api.HealthReport{
		Status:    api.WorstOf(results),
		Timestamp: m.now(),
		Checks:    results,
	}

	m.mu.Lock()
	m.last = &report
	m.mu.Unlock()

	if report.Status != api.HealthHealthy {
		m.logger.Warn("health_check_degraded",
			zap.String("status", string(report.Status)),
			zap.Strings("failing", failing(results)),
		)
	}
	if m.onReport != nil {
		m.onReport(report)
	}
	return report
}

func (m *Monitor) run(ctx context.Context, c Checker) (res api.CheckResult) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = api.CheckResult{Status: api.CheckFail, Message: fmt.Sprintf("check panicked: %v", r)}
		}
		res.Name = c.Name()
		res.DurationMs = time.Since(start).Milliseconds()
	}()
	return c.Check(ctx)
}

func failing(results []api.CheckResult) []string {
	var out []string
	for _, r := range results {
		if r.Status != api.CheckPass {
			out = append(out, r.Name)
		}
	}
	return out
}

// LastReport returns the most recent report, if any.
func (m *Monitor) LastReport() (api.HealthReport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return api.HealthReport{}, false
	}
	return *m.last, true
}

// StartMonitoring checks health and, unless the system is unhealthy,
// adds the workflow to the watch set. An unhealthy system fails with an
// error matching api.ErrCoordinationStepFailure.
func (m *Monitor) StartMonitoring(ctx context.Context, workflowID string) (api.HealthReport, error) {
	if workflowID == "" {
		return api.HealthReport{}, fmt.Errorf("%w: workflow id is required", api.ErrInvalidArgument)
	}
	report := m.PerformHealthCheck(ctx)
	if err := ctx.Err(); err != nil {
		return report, api.NewStepError(workflowID, "monitoring", err)
	}
	if report.Status == api.HealthUnhealthy {
		return report, api.NewStepError(workflowID, "monitoring",
			fmt.Errorf("system is unhealthy: %v", failing(report.Checks)))
	}

	m.mu.Lock()
	m.monitored[workflowID] = m.now()
	m.mu.Unlock()
	return report, nil
}

// StopMonitoring removes the workflow from the watch set and reports
// whether it was being monitored.
func (m *Monitor) StopMonitoring(workflowID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.monitored[workflowID]; !ok {
		return false
	}
	delete(m.monitored, workflowID)
	return true
}

// MonitoredWorkflows lists watched workflow ids in sorted order.
func (m *Monitor) MonitoredWorkflows() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.monitored))
	for id := range m.monitored {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
