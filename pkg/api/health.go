package api

import "time"

// HealthStatus is the aggregated state reported by the health monitor.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// CheckStatus is the outcome of a single health check.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckWarn CheckStatus = "warn"
	CheckFail CheckStatus = "fail"
)

// CheckResult is one entry of a HealthReport.
type CheckResult struct {
	Name       string      `json:"name"`
	Status     CheckStatus `json:"status"`
	Message    string      `json:"message,omitempty"`
	DurationMs int64       `json:"durationMs"`
}

// HealthReport is the health endpoint payload.
type HealthReport struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Checks    []CheckResult `json:"checks"`
}

// WorstOf folds check results: any fail is unhealthy, any warn is
// degraded, everything else (including no checks) is healthy.
func WorstOf(checks []CheckResult) HealthStatus {
	status := HealthHealthy
	for _, c := range checks {
		switch c.Status {
		case CheckFail:
			return HealthUnhealthy
		case CheckWarn:
			status = HealthDegraded
		}
	}
	return status
}

// CoordinationHealth scores how many auxiliary coordination steps
// succeeded during workflow creation.
type CoordinationHealth string

const (
	CoordinationHealthy  CoordinationHealth = "healthy"
	CoordinationWarning  CoordinationHealth = "warning"
	CoordinationCritical CoordinationHealth = "critical"
)

// ScoreCoordination maps the number of successful steps out of total to
// a CoordinationHealth: all succeeded is healthy, exactly one missing is a
// warning, anything worse is critical.
func ScoreCoordination(succeeded, total int) CoordinationHealth {
	switch {
	case succeeded >= total:
		return CoordinationHealthy
	case succeeded == total-1:
		return CoordinationWarning
	default:
		return CoordinationCritical
	}
}
