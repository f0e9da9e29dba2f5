package health

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/petrijr/orchestro/internal/dispatch"
	"github.com/petrijr/orchestro/pkg/api"
)

// CheckFunc adapts a function to Checker.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) api.CheckResult
}

func (f CheckFunc) Name() string { return f.CheckName }

func (f CheckFunc) Check(ctx context.Context) api.CheckResult { return f.Fn(ctx) }

// ModuleChecker asks a module for its health through the dispatcher. The
// module passes when its handler answers health_check without error.
type ModuleChecker struct {
	Dispatcher *dispatch.Dispatcher
	Module     string
	Source     string
}

func (c ModuleChecker) Name() string { return "module:" + c.Module }

func (c ModuleChecker) Check(ctx context.Context) api.CheckResult {
	source := c.Source
	if source == "" {
		source = "health"
	}
	res, err := c.Dispatcher.CoordinateModuleOperation(ctx, source, c.Module, dispatch.OpHealthCheck, nil)
	if err != nil {
		return api.CheckResult{Status: api.CheckFail, Message: err.Error()}
	}
	// A module may report its own degraded state.
	if s, ok := res.Result.(string); ok && api.CheckStatus(s) == api.CheckWarn {
		return api.CheckResult{Status: api.CheckWarn, Message: "module reported warn"}
	}
	return api.CheckResult{Status: api.CheckPass}
}

// UtilizationSource reports used fractions per resource dimension.
type UtilizationSource interface {
	Utilization() map[string]float64
}

// ResourceChecker warns or fails when any pool dimension crosses the
// configured utilization ratios.
type ResourceChecker struct {
	Source UtilizationSource
	Warn   float64
	Fail   float64
}

func (c ResourceChecker) Name() string { return "resources" }

func (c ResourceChecker) Check(ctx context.Context) api.CheckResult {
	warn, fail := c.Warn, c.Fail
	if warn <= 0 {
		warn = 0.75
	}
	if fail <= 0 {
		fail = 0.95
	}

	status := api.CheckPass
	var notes []string
	for dim, used := range c.Source.Utilization() {
		switch {
		case used >= fail:
			status = api.CheckFail
			notes = append(notes, fmt.Sprintf("%s at %.0f%%", dim, used*100))
		case used >= warn:
			if status != api.CheckFail {
				status = api.CheckWarn
			}
			notes = append(notes, fmt.Sprintf("%s at %.0f%%", dim, used*100))
		}
	}
	sort.Strings(notes)
	return api.CheckResult{Status: status, Message: strings.Join(notes, ", ")}
}

// Pinger is anything that can verify its backing connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker fails when Ping returns an error.
type PingChecker struct {
	CheckName string
	Target    Pinger
}

func (c PingChecker) Name() string { return c.CheckName }

func (c PingChecker) Check(ctx context.Context) api.CheckResult {
	if err := c.Target.Ping(ctx); err != nil {
		return api.CheckResult{Status: api.CheckFail, Message: err.Error()}
	}
	return api.CheckResult{Status: api.CheckPass}
}

// NetworkChecker dials TCP targets. One unreachable target out of several
// is a warning; all unreachable is a failure.
type NetworkChecker struct {
	Targets []string
	Dialer  *net.Dialer
}

func (c NetworkChecker) Name() string { return "network" }

func (c NetworkChecker) Check(ctx context.Context) api.CheckResult {
	if len(c.Targets) == 0 {
		return api.CheckResult{Status: api.CheckPass, Message: "no targets"}
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	var down []string
	for _, target := range c.Targets {
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			down = append(down, target)
			continue
		}
		_ = conn.Close()
	}

	switch {
	case len(down) == 0:
		return api.CheckResult{Status: api.CheckPass}
	case len(down) == len(c.Targets):
		return api.CheckResult{Status: api.CheckFail, Message: "unreachable: " + strings.Join(down, ", ")}
	default:
		return api.CheckResult{Status: api.CheckWarn, Message: "unreachable: " + strings.Join(down, ", ")}
	}
}
