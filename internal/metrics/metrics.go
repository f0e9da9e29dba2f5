// Package metrics exposes orchestrator activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/orchestro/pkg/api"
)

const namespace = "orchestro"

// Collector owns a private registry with every orchestrator metric. It
// implements api.Observer so it can be attached to the lifecycle manager
// and the coordination facade.
type Collector struct {
	registry *prometheus.Registry

	workflowsCreated *prometheus.CounterVec
	workflowsDeleted prometheus.Counter
	statusChanges    *prometheus.CounterVec
	stageAdvances    prometheus.Counter
	coordSteps       *prometheus.CounterVec
	coordDuration    *prometheus.HistogramVec
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	healthStatus     *prometheus.GaugeVec
	checkStatus      *prometheus.GaugeVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	httpInFlight     prometheus.Gauge
}

var _ api.Observer = (*Collector)(nil)

// NewCollector creates a Collector. Process and Go runtime collectors are
// registered alongside the orchestrator metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		workflowsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflows",
			Name:      "created_total",
			Help:      "Workflows created.",
		}, []string{"priority"}),
		workflowsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflows",
			Name:      "deleted_total",
			Help:      "Workflows deleted.",
		}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflows",
			Name:      "status_transitions_total",
			Help:      "Workflow status transitions.",
		}, []string{"from", "to"}),
		stageAdvances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflows",
			Name:      "stage_transitions_total",
			Help:      "Workflow stage transitions.",
		}),
		coordSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordination",
			Name:      "steps_total",
			Help:      "Coordination steps by outcome.",
		}, []string{"step", "success"}),
		coordDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordination",
			Name:      "step_duration_seconds",
			Help:      "Duration of coordination steps.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}, []string{"step"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Module messages dispatched.",
		}, []string{"target", "operation", "success"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Duration of module dispatches including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"target"}),
		healthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "1 for the current overall health status, 0 otherwise.",
		}, []string{"status"}),
		checkStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "check_passing",
			Help:      "1 when the named check passed, 0.5 on warn, 0 on fail.",
		}, []string{"check"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "path"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
	}
	c.registry.MustRegister(
		c.workflowsCreated,
		c.workflowsDeleted,
		c.statusChanges,
		c.stageAdvances,
		c.coordSteps,
		c.coordDuration,
		c.dispatches,
		c.dispatchDuration,
		c.healthStatus,
		c.checkStatus,
		c.httpRequests,
		c.httpDuration,
		c.httpInFlight,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return c
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) OnWorkflowCreated(ctx context.Context, wf *api.Workflow) {
	c.workflowsCreated.WithLabelValues(string(wf.Config.Priority)).Inc()
}

func (c *Collector) OnStatusChanged(ctx context.Context, wf *api.Workflow, from api.Status) {
	c.statusChanges.WithLabelValues(string(from), string(wf.ExecutionStatus.Status)).Inc()
}

func (c *Collector) OnStageAdvanced(ctx context.Context, wf *api.Workflow, from string) {
	c.stageAdvances.Inc()
}

func (c *Collector) OnWorkflowDeleted(ctx context.Context, workflowID string) {
	c.workflowsDeleted.Inc()
}

func (c *Collector) OnCoordinationStep(ctx context.Context, workflowID, step string, err error, d time.Duration) {
	c.coordSteps.WithLabelValues(step, strconv.FormatBool(err == nil)).Inc()
	c.coordDuration.WithLabelValues(step).Observe(d.Seconds())
}

// ObserveDispatch records one dispatch. Its signature matches
// dispatch.DispatchObserver.
func (c *Collector) ObserveDispatch(target, operation string, ok bool, d time.Duration) {
	c.dispatches.WithLabelValues(target, operation, strconv.FormatBool(ok)).Inc()
	c.dispatchDuration.WithLabelValues(target).Observe(d.Seconds())
}

// ObserveHealth records a health report. Its signature matches the
// monitor's report callback.
func (c *Collector) ObserveHealth(report api.HealthReport) {
	for _, s := range []api.HealthStatus{api.HealthHealthy, api.HealthDegraded, api.HealthUnhealthy} {
		v := 0.0
		if report.Status == s {
			v = 1
		}
		c.healthStatus.WithLabelValues(string(s)).Set(v)
	}
	for _, check := range report.Checks {
		var v float64
		switch check.Status {
		case api.CheckPass:
			v = 1
		case api.CheckWarn:
			v = 0.5
		}
		c.checkStatus.WithLabelValues(check.Name).Set(v)
	}
}

// TrackGauge registers a gauge whose value is read from fn at scrape time.
func (c *Collector) TrackGauge(subsystem, name, help string, fn func() float64) error {
	return c.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}

// UtilizationSource reports per-dimension pool utilization in [0,1].
type UtilizationSource interface {
	Utilization() map[string]float64
}

// TrackUtilization exports the utilization of src as
// orchestro_resources_utilization{dimension}.
func (c *Collector) TrackUtilization(src UtilizationSource) error {
	return c.registry.Register(&utilizationCollector{
		src: src,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "resources", "utilization"),
			"Fraction of pool capacity currently allocated.",
			[]string{"dimension"}, nil,
		),
	})
}

type utilizationCollector struct {
	src  UtilizationSource
	desc *prometheus.Desc
}

func (u *utilizationCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- u.desc
}

func (u *utilizationCollector) Collect(ch chan<- prometheus.Metric) {
	for dim, v := range u.src.Utilization() {
		ch <- prometheus.MustNewConstMetric(u.desc, prometheus.GaugeValue, v, dim)
	}
}

// InstrumentHandler wraps next with HTTP request metrics. Requests to the
// metrics endpoint itself are not counted.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		c.httpInFlight.Inc()
		defer c.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		method := strings.ToUpper(r.Method)
		c.httpRequests.WithLabelValues(method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		c.httpDuration.WithLabelValues(method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
