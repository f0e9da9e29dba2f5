package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Severity classifies errors reported through ErrorHandler.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) level() zapcore.Level {
	switch s {
	case SeverityLow:
		return zapcore.InfoLevel
	case SeverityMedium:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// ErrorHandler is the logger contract the coordination components depend
// on. Meta maps are flattened into structured fields.
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler wraps logger. A nil logger discards everything.
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorHandler{logger: logger}
}

// Logger returns the underlying zap logger.
func (h *ErrorHandler) Logger() *zap.Logger {
	return h.logger
}

// With returns a handler that adds meta to every entry.
func (h *ErrorHandler) With(meta map[string]any) *ErrorHandler {
	return &ErrorHandler{logger: h.logger.With(fields(meta)...)}
}

// LogError records err with its severity and the component that raised it.
func (h *ErrorHandler) LogError(severity Severity, message, source string, err error) {
	if ce := h.logger.Check(severity.level(), message); ce != nil {
		ce.Write(
			zap.String("severity", string(severity)),
			zap.String("source", source),
			zap.Error(err),
		)
	}
}

func (h *ErrorHandler) Debug(message string, meta map[string]any) {
	h.logger.Debug(message, fields(meta)...)
}

func (h *ErrorHandler) Info(message string, meta map[string]any) {
	h.logger.Info(message, fields(meta)...)
}

func (h *ErrorHandler) Warn(message string, meta map[string]any) {
	h.logger.Warn(message, fields(meta)...)
}

func (h *ErrorHandler) Error(message string, meta map[string]any) {
	h.logger.Error(message, fields(meta)...)
}

func fields(meta map[string]any) []zap.Field {
	if len(meta) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(meta))
	for k, v := range meta {
		out = append(out, zap.Any(k, v))
	}
	return out
}
