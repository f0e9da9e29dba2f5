package orchestro

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/petrijr/orchestro/internal/config"
	"github.com/petrijr/orchestro/internal/coordination"
	"github.com/petrijr/orchestro/internal/dispatch"
	"github.com/petrijr/orchestro/internal/events"
	"github.com/petrijr/orchestro/internal/health"
	"github.com/petrijr/orchestro/internal/httpapi"
	"github.com/petrijr/orchestro/internal/lifecycle"
	"github.com/petrijr/orchestro/internal/logging"
	"github.com/petrijr/orchestro/internal/metrics"
	"github.com/petrijr/orchestro/internal/persistence"
	"github.com/petrijr/orchestro/internal/protocol"
	"github.com/petrijr/orchestro/internal/resources"
	"github.com/petrijr/orchestro/pkg/api"
)

// Option customizes NewRuntime.
type Option func(*runtimeOptions)

type runtimeOptions struct {
	logger    *zap.Logger
	store     persistence.WorkflowStore
	sampler   resources.HostSampler
	observers []api.Observer
	modules   map[string]dispatch.Handler
}

// WithLogger sets the process logger. By default one is built from the
// log section of the configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(o *runtimeOptions) { o.logger = logger }
}

// WithStore uses store instead of opening the configured backend.
func WithStore(store persistence.WorkflowStore) Option {
	return func(o *runtimeOptions) { o.store = store }
}

// WithHostSampler overrides host sampling in performance snapshots.
func WithHostSampler(s resources.HostSampler) Option {
	return func(o *runtimeOptions) { o.sampler = s }
}

// WithObserver attaches an additional lifecycle and coordination observer.
func WithObserver(obs api.Observer) Option {
	return func(o *runtimeOptions) { o.observers = append(o.observers, obs) }
}

// WithModule registers a module handler. Registering the orchestration
// module name replaces the built-in LocalOrchestrator.
func WithModule(name string, h dispatch.Handler) Option {
	return func(o *runtimeOptions) {
		if o.modules == nil {
			o.modules = make(map[string]dispatch.Handler)
		}
		o.modules[name] = h
	}
}

// Runtime is a fully wired orchestrator: store, events, lifecycle manager,
// resource allocator, dispatcher with its mailbox, health monitor,
// coordination facade, protocol handler and metrics.
type Runtime struct {
	Config       *config.Config
	Logger       *zap.Logger
	Store        persistence.WorkflowStore
	Bus          *events.Bus
	Lifecycle    *lifecycle.Manager
	Allocator    *resources.Allocator
	Dispatcher   *dispatch.Dispatcher
	Mailbox      *dispatch.Mailbox
	Monitor      *health.Monitor
	Facade       *coordination.Facade
	Protocol     *protocol.Handler
	Metrics      *metrics.Collector
	Orchestrator *LocalOrchestrator

	redisEvents *events.RedisPublisher
	closers     []closer

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewRuntime wires a Runtime from cfg. Nothing runs in the background
// until Start is called.
func NewRuntime(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Runtime, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", api.ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o runtimeOptions
	for _, opt := range opts {
		opt(&o)
	}

	rt := &Runtime{Config: cfg, Logger: o.logger}
	if rt.Logger == nil {
		logger, err := logging.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		rt.Logger = logger
	}
	logger := rt.Logger
	defer func() {
		if err != nil {
			if cerr := rt.runClosers(context.WithoutCancel(ctx)); cerr != nil {
				logger.Warn("runtime_cleanup_failed", zap.Error(cerr))
			}
		}
	}()

	rt.Store = o.store
	if rt.Store == nil {
		store, done, err := storeOpener(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		rt.Store = store
		rt.closers = append(rt.closers, done)
	}

	rt.Metrics = metrics.NewCollector()
	rt.Bus = events.NewBus(events.BusWithLogger(logger))
	var publisher events.Publisher = rt.Bus
	if cfg.Events.Backend == "redis" {
		client := newRedisClient(cfg.Events.Redis)
		rt.closers = append(rt.closers, func(context.Context) error { return client.Close() })
		rt.redisEvents = events.NewRedisPublisher(client, cfg.Events.Redis.Prefix, logger)
		// The bus is fed from Redis so local subscribers also see remote events.
		publisher = rt.redisEvents
	}

	observer := api.NewCompositeObserver(append([]api.Observer{rt.Metrics, api.NewLoggingObserver(logger)}, o.observers...)...)

	rt.Lifecycle = lifecycle.NewManagerWithConfig(lifecycle.Config{
		Store:          rt.Store,
		Observer:       observer,
		Publisher:      publisher,
		OrchestratorID: cfg.OrchestratorID,
		Logger:         logger,
	})

	rt.Dispatcher = dispatch.New(dispatch.Config{
		RateLimit: rate.Limit(cfg.Dispatch.RateLimit),
		Burst:     cfg.Dispatch.Burst,
		Logger:    logger,
		Observer:  rt.Metrics.ObserveDispatch,
	})
	module := cfg.Dispatch.OrchestrationModule
	if _, custom := o.modules[module]; !custom {
		rt.Orchestrator = NewLocalOrchestrator(logger)
		if err := rt.Dispatcher.Register(module, rt.Orchestrator); err != nil {
			return nil, err
		}
	}
	for name, h := range o.modules {
		if err := rt.Dispatcher.Register(name, h); err != nil {
			return nil, err
		}
	}
	rt.Mailbox = dispatch.NewMailbox(rt.Dispatcher, cfg.Dispatch.QueueSize, func(msg dispatch.Message, res dispatch.Result, err error) {
		if err != nil {
			return
		}
		publisher.Publish(context.Background(), "dispatch.delivered", map[string]any{
			"messageId": msg.ID,
			"target":    msg.Target,
			"operation": msg.Operation,
			"success":   res.Success,
		})
	})

	sampler := o.sampler
	if sampler == nil && cfg.Resources.SampleHost {
		sampler = resources.GopsutilSampler{}
	}
	rt.Allocator = resources.NewAllocator(resources.Config{
		Capacity: api.ResourceVector{
			CPUCores:             cfg.Resources.CPUCores,
			MemoryMB:             cfg.Resources.MemoryMB,
			DiskSpaceMB:          cfg.Resources.DiskSpaceMB,
			NetworkBandwidthMbps: cfg.Resources.NetworkBandwidthMbps,
		},
		Sampler:    sampler,
		QueueDepth: rt.Mailbox.QueueDepth,
		Logger:     logger,
	})

	checkers := []health.Checker{
		health.ResourceChecker{
			Source: rt.Allocator,
			Warn:   cfg.Health.WarnUtilization,
			Fail:   cfg.Health.FailUtilization,
		},
		health.ModuleChecker{Dispatcher: rt.Dispatcher, Module: module},
	}
	if p, ok := rt.Store.(persistence.Pinger); ok {
		checkers = append(checkers, health.PingChecker{CheckName: "store", Target: p})
	}
	if len(cfg.Health.NetworkTargets) > 0 {
		checkers = append(checkers, health.NetworkChecker{Targets: cfg.Health.NetworkTargets, Dialer: &net.Dialer{}})
	}
	rt.Monitor = health.NewMonitor(health.Config{
		Checkers:     checkers,
		CheckTimeout: cfg.Health.CheckTimeout,
		Logger:       logger,
		OnReport:     rt.Metrics.ObserveHealth,
	})

	rt.Facade, err = coordination.New(coordination.Config{
		Lifecycle:           rt.Lifecycle,
		Monitor:             rt.Monitor,
		Allocator:           rt.Allocator,
		Dispatcher:          rt.Dispatcher,
		Observer:            observer,
		Publisher:           publisher,
		Errors:              logging.NewErrorHandler(logger),
		OrchestrationModule: module,
	})
	if err != nil {
		return nil, err
	}

	rt.Protocol, err = protocol.NewHandler(protocol.Config{
		Facade:       rt.Facade,
		Workflows:    rt.Lifecycle,
		Health:       rt.Monitor,
		Resources:    rt.Allocator,
		Transactions: protocol.NewMemoryTransactionManager(logger, 0),
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	if err := errors.Join(
		rt.Metrics.TrackUtilization(rt.Allocator),
		rt.Metrics.TrackGauge("dispatch", "queue_depth", "Messages waiting in the dispatch mailbox.",
			func() float64 { return float64(rt.Mailbox.QueueDepth()) }),
		rt.Metrics.TrackGauge("resources", "active_allocations", "Resource allocations currently held.",
			func() float64 { return float64(rt.Allocator.ActiveAllocations()) }),
		rt.Metrics.TrackGauge("health", "monitored_workflows", "Workflows under health monitoring.",
			func() float64 { return float64(len(rt.Monitor.MonitoredWorkflows())) }),
	); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return rt, nil
}

// Start launches the mailbox workers and, with the Redis events backend,
// the bridge that feeds remote events into the local bus.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := r.Mailbox.StartWorkers(ctx, r.Config.Dispatch.Workers); err != nil {
		cancel()
		return err
	}
	if r.redisEvents != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.redisEvents.Forward(ctx, r.Bus.Deliver); err != nil {
				r.Logger.Warn("event_forward_stopped", zap.Error(err))
			}
		}()
	}
	r.cancel = cancel
	r.started = true
	r.Logger.Info("runtime_started",
		zap.String("orchestrator_id", r.Lifecycle.OrchestratorID()),
		zap.String("store", r.Config.Store.Backend),
		zap.Int("workers", r.Config.Dispatch.Workers),
	)
	return nil
}

// HTTPHandler returns the HTTP surface of the runtime.
func (r *Runtime) HTTPHandler() *echo.Echo {
	return httpapi.New(httpapi.Config{
		Protocol:   r.Protocol,
		Health:     r.Monitor,
		Mailbox:    r.Mailbox,
		Metrics:    r.Metrics.Handler(),
		Instrument: r.Metrics.InstrumentHandler,
		Logger:     r.Logger,
	})
}

// Serve runs the HTTP server on the configured address until ctx is done,
// then shuts it down gracefully.
func (r *Runtime) Serve(ctx context.Context) error {
	hc := r.Config.HTTP
	srv := &http.Server{
		Addr:         hc.Addr,
		Handler:      r.HTTPHandler(),
		ReadTimeout:  hc.ReadTimeout,
		WriteTimeout: hc.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		r.Logger.Info("http_listening", zap.String("addr", hc.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hc.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Close stops background work and releases store and Redis connections.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.cancel()
		r.started = false
	}
	r.mu.Unlock()
	r.Mailbox.Close()
	r.wg.Wait()

	err := r.runClosers(ctx)
	_ = r.Logger.Sync()
	return err
}

// runClosers releases resources in reverse acquisition order.
func (r *Runtime) runClosers(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
