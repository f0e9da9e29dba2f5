// Package httpapi serves the orchestrator over HTTP using echo.
package httpapi

import (
	"context"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/petrijr/orchestro/internal/dispatch"
	"github.com/petrijr/orchestro/internal/protocol"
	"github.com/petrijr/orchestro/pkg/api"
)

// BodyLimit bounds protocol request bodies; larger ones get 413.
const BodyLimit = "1M"

// ProtocolHandler serves protocol envelopes.
type ProtocolHandler interface {
	HandleJSON(ctx context.Context, body []byte) ([]byte, *protocol.Response)
}

// HealthChecker produces a health report on demand.
type HealthChecker interface {
	PerformHealthCheck(ctx context.Context) api.HealthReport
}

// Enqueuer accepts module messages for asynchronous delivery without
// waiting for queue space.
type Enqueuer interface {
	TryEnqueue(ctx context.Context, msg dispatch.Message) (string, error)
	QueueDepth() int
}

// Config describes the HTTP surface. Protocol is required; routes for nil
// collaborators are not mounted.
type Config struct {
	Protocol   ProtocolHandler
	Health     HealthChecker
	Mailbox    Enqueuer
	Metrics    http.Handler
	Instrument func(http.Handler) http.Handler
	Logger     *zap.Logger
}

// New builds the echo instance.
//
//	POST /v1/protocol                 protocol envelope
//	POST /v1/modules/:target/messages queue a module message
//	GET  /healthz                     200 unless unhealthy
//	GET  /metrics                     Prometheus exposition
func New(cfg Config) *echo.Echo {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))
	if cfg.Instrument != nil {
		e.Use(echo.WrapMiddleware(cfg.Instrument))
	}

	s := &server{cfg: cfg, logger: logger}
	e.POST("/v1/protocol", s.protocol, middleware.BodyLimit(BodyLimit))
	if cfg.Mailbox != nil {
		e.POST("/v1/modules/:target/messages", s.enqueue)
	}
	if cfg.Health != nil {
		e.GET("/healthz", s.healthz)
	}
	if cfg.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(cfg.Metrics))
	}
	return e
}

type server struct {
	cfg    Config
	logger *zap.Logger
}

func (s *server) protocol(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body: "+err.Error())
	}
	raw, resp := s.cfg.Protocol.HandleJSON(c.Request().Context(), body)
	return c.JSONBlob(statusFor(resp), raw)
}

func statusFor(resp *protocol.Response) int {
	if resp.Error == nil {
		return http.StatusOK
	}
	switch resp.Error.Code {
	case protocol.CodeValidation:
		return http.StatusBadRequest
	case protocol.CodeNotFound:
		return http.StatusNotFound
	case protocol.CodeInvalidTransition, protocol.CodeInsufficientResources:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type messageRequest struct {
	Source    string         `json:"source"`
	Operation string         `json:"operation"`
	Payload   map[string]any `json:"payload"`
}

func (s *server) enqueue(c echo.Context) error {
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message: "+err.Error())
	}
	if req.Operation == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "operation is required")
	}
	if req.Source == "" {
		req.Source = "http"
	}
	id, err := s.cfg.Mailbox.TryEnqueue(c.Request().Context(), dispatch.Message{
		Source:    req.Source,
		Target:    c.Param("target"),
		Operation: req.Operation,
		Payload:   req.Payload,
	})
	if err != nil {
		s.logger.Warn("mailbox_enqueue_rejected", zap.String("target", c.Param("target")), zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"messageId":  id,
		"queueDepth": s.cfg.Mailbox.QueueDepth(),
	})
}

func (s *server) healthz(c echo.Context) error {
	report := s.cfg.Health.PerformHealthCheck(c.Request().Context())
	status := http.StatusOK
	if report.Status == api.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, report)
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				logger.Warn("http_request_failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Debug("http_request", fields...)
			return nil
		},
	})
}
