// Package dispatch bridges the coordinator to other logical modules
// (context, plan, confirm, trace, ...) through typed message envelopes.
//
// Modules register a Handler under a name. Messages can be delivered
// synchronously with CoordinateModuleOperation, or queued in a Mailbox and
// processed by background workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/petrijr/orchestro/pkg/api"
)

// Operation names the coordinator sends.
const (
	OpStartWorkflow = "start_workflow"
	OpExecute       = "execute"
	OpStop          = "stop"
	OpHealthCheck   = "health_check"
)

// Message is the envelope delivered to a module handler.
type Message struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	Target    string         `json:"target"`
	Operation string         `json:"operation"`
	Payload   map[string]any `json:"payload,omitempty"`
	SentAt    time.Time      `json:"sentAt"`
}

// Handler processes messages addressed to one module.
type Handler interface {
	Handle(ctx context.Context, msg Message) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, msg Message) (any, error) {
	return f(ctx, msg)
}

// Result is returned for every dispatched message, including failed ones.
type Result struct {
	Success         bool   `json:"success"`
	Result          any    `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	MessageID       string `json:"messageId"`
	Attempts        int    `json:"attempts"`
}

// Summary flattens the result into a map suitable for storing as a stage
// result.
func (r Result) Summary() map[string]any {
	out := map[string]any{
		"success":         r.Success,
		"executionTimeMs": r.ExecutionTimeMs,
		"messageId":       r.MessageID,
		"attempts":        r.Attempts,
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	return out
}

// DispatchObserver is notified after every delivery attempt sequence.
type DispatchObserver func(target, operation string, ok bool, d time.Duration)

// Config describes how to construct a Dispatcher.
type Config struct {
	// RateLimit is the per-target message rate. Zero disables limiting.
	RateLimit rate.Limit
	// Burst is the per-target burst size. Defaults to 1 when limiting.
	Burst int
	// Reserved lists module names that are gated behind
	// ActivateReservedInterface.
	Reserved []string
	Logger   *zap.Logger
	Observer DispatchObserver
}

// Dispatcher is the ModuleDispatcher.
type Dispatcher struct {
	logger   *zap.Logger
	observer DispatchObserver
	limit    rate.Limit
	burst    int

	mu        sync.RWMutex
	handlers  map[string]Handler
	limiters  map[string]*rate.Limiter
	reserved  map[string]struct{}
	activated bool
}

// New creates a Dispatcher with no registered modules.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	reserved := make(map[string]struct{}, len(cfg.Reserved))
	for _, name := range cfg.Reserved {
		reserved[name] = struct{}{}
	}
	return &Dispatcher{
		logger:   logger,
		observer: cfg.Observer,
		limit:    cfg.RateLimit,
		burst:    burst,
		handlers: make(map[string]Handler),
		limiters: make(map[string]*rate.Limiter),
		reserved: reserved,
	}
}

// Register installs h as the handler for module name, replacing any
// previous handler.
func (d *Dispatcher) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("%w: module name is required", api.ErrInvalidArgument)
	}
	if h == nil {
		return fmt.Errorf("%w: handler for %s is nil", api.ErrInvalidArgument, name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
	return nil
}

// Unregister removes the handler for name.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, name)
	delete(d.limiters, name)
}

// Modules lists the names of reachable modules in sorted order. Reserved
// modules are included only after activation.
func (d *Dispatcher) Modules() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		if d.reachableLocked(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ReservedModules lists the module names gated behind activation.
func (d *Dispatcher) ReservedModules() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.reserved))
	for name := range d.reserved {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ActivateReservedInterface opens the gate for reserved modules. It is
// idempotent and currently performs no other work.
func (d *Dispatcher) ActivateReservedInterface(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.activated {
		d.activated = true
		d.logger.Info("reserved_interface_activated", zap.Int("reserved_modules", len(d.reserved)))
	}
	return nil
}

// Activated reports whether ActivateReservedInterface has been called.
func (d *Dispatcher) Activated() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.activated
}

func (d *Dispatcher) reachableLocked(name string) bool {
	if _, gated := d.reserved[name]; gated {
		return d.activated
	}
	return true
}

func (d *Dispatcher) lookup(name string) (Handler, *rate.Limiter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.handlers[name]
	if !ok || !d.reachableLocked(name) {
		return nil, nil, api.NotFoundf("module %s", name)
	}
	if d.limit == 0 {
		return h, nil, nil
	}
	lim, ok := d.limiters[name]
	if !ok {
		lim = rate.NewLimiter(d.limit, d.burst)
		d.limiters[name] = lim
	}
	return h, lim, nil
}

// CoordinateModuleOperation sends one message to target and waits for the
// handler. An unknown target fails with api.ErrNotFound. A handler error
// is returned together with a Result whose Success is false.
func (d *Dispatcher) CoordinateModuleOperation(ctx context.Context, source, target, operation string, payload map[string]any) (Result, error) {
	return d.CoordinateWithRetry(ctx, nil, source, target, operation, payload)
}

// CoordinateWithRetry is CoordinateModuleOperation with retries governed
// by policy. A nil policy makes a single attempt. Unknown targets, invalid
// arguments and context errors are not retried.
func (d *Dispatcher) CoordinateWithRetry(ctx context.Context, policy *api.RetryPolicy, source, target, operation string, payload map[string]any) (Result, error) {
	msg := Message{
		ID:        uuid.NewString(),
		Source:    source,
		Target:    target,
		Operation: operation,
		Payload:   payload,
		SentAt:    time.Now().UTC(),
	}
	return d.deliver(ctx, policy, msg)
}

func (d *Dispatcher) deliver(ctx context.Context, policy *api.RetryPolicy, msg Message) (Result, error) {
	start := time.Now()
	res := Result{MessageID: msg.ID}

	h, lim, err := d.lookup(msg.Target)
	if err != nil {
		res.Error = err.Error()
		d.finish(msg, &res, start, err)
		return res, err
	}

	maxAttempts := policy.Attempts()
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt

		var out any
		out, err = d.attempt(ctx, h, lim, msg)
		if err == nil {
			res.Success = true
			res.Result = out
			break
		}
		if attempt >= maxAttempts || !retryable(err) {
			break
		}

		d.logger.Debug("dispatch_retry",
			zap.String("message_id", msg.ID),
			zap.String("target", msg.Target),
			zap.String("operation", msg.Operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if backoff := policy.Backoff(attempt); backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				err = ctx.Err()
			case <-timer.C:
			}
			if err != nil && !retryable(err) {
				break
			}
		}
	}

	if err != nil {
		res.Error = err.Error()
	}
	d.finish(msg, &res, start, err)
	return res, err
}

// attempt waits for the target's limiter, then invokes the handler once.
func (d *Dispatcher) attempt(ctx context.Context, h Handler, lim *rate.Limiter, msg Message) (any, error) {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return d.invoke(ctx, h, msg)
}

// invoke calls the handler and converts a panic into an error.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, msg Message) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module %s panicked: %v", msg.Target, r)
		}
	}()
	return h.Handle(ctx, msg)
}

func (d *Dispatcher) finish(msg Message, res *Result, start time.Time, err error) {
	elapsed := time.Since(start)
	res.ExecutionTimeMs = elapsed.Milliseconds()
	if d.observer != nil {
		d.observer(msg.Target, msg.Operation, err == nil, elapsed)
	}
	if err != nil {
		d.logger.Warn("dispatch_failed",
			zap.String("message_id", msg.ID),
			zap.String("source", msg.Source),
			zap.String("target", msg.Target),
			zap.String("operation", msg.Operation),
			zap.Int("attempts", res.Attempts),
			zap.Error(err),
		)
	}
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, api.ErrNotFound),
		errors.Is(err, api.ErrInvalidArgument),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
