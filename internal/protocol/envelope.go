// Package protocol wraps the coordination layer in a versioned
// request/response envelope. Mutating operations run inside a transaction
// from a TransactionManager.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/orchestro/pkg/api"
)

// Version is the protocol version produced by this package. Requests with
// a different major version are rejected.
const Version = "1.0.0"

// Operation is the verb of a request.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpGet    Operation = "get"
	OpList   Operation = "list"
	OpQuery  Operation = "query"
)

// Request is the inbound envelope.
type Request struct {
	RequestID       string          `json:"requestId"`
	Operation       Operation       `json:"operation"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ProtocolVersion string          `json:"protocolVersion,omitempty"`
}

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is the outbound envelope. Exactly one of Result and Error is
// set.
type Response struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Timestamp       time.Time  `json:"timestamp"`
	RequestID       string     `json:"requestId"`
	Status          string     `json:"status"`
	Result          any        `json:"result,omitempty"`
	Error           *ErrorBody `json:"error,omitempty"`
	Metadata        Metadata   `json:"metadata"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Metadata accompanies every response.
type Metadata struct {
	OperationDurationMs int64    `json:"operationDurationMs"`
	ServicesInvolved    []string `json:"servicesInvolved"`
	TransactionID       string   `json:"transactionId,omitempty"`
}

// Error codes.
const (
	CodeNotFound              = "NOT_FOUND"
	CodeInvalidTransition     = "INVALID_TRANSITION"
	CodeInsufficientResources = "INSUFFICIENT_RESOURCES"
	CodeValidation            = "VALIDATION_ERROR"
	CodeInternal              = "INTERNAL_ERROR"
)

// errorBody maps err onto a protocol error.
func errorBody(err error) *ErrorBody {
	body := &ErrorBody{Code: CodeInternal, Message: err.Error()}

	var ire *api.InsufficientResourcesError
	var step *api.StepError
	switch {
	case errors.As(err, &ire):
		body.Code = CodeInsufficientResources
		body.Details = map[string]any{
			"dimension": ire.Dimension,
			"requested": ire.Requested,
			"available": ire.Available,
		}
	case errors.Is(err, api.ErrInsufficientResources):
		body.Code = CodeInsufficientResources
	case errors.Is(err, api.ErrNotFound):
		body.Code = CodeNotFound
	case errors.Is(err, api.ErrInvalidTransition):
		body.Code = CodeInvalidTransition
	case errors.Is(err, api.ErrInvalidArgument):
		body.Code = CodeValidation
	}
	if errors.As(err, &step) {
		if body.Details == nil {
			body.Details = map[string]any{}
		}
		body.Details["step"] = step.Step
		body.Details["workflowId"] = step.WorkflowID
	}
	return body
}

// compatible reports whether a requested version can be served. An empty
// version means the current one.
func compatible(requested string) bool {
	if requested == "" {
		return true
	}
	major, _, _ := strings.Cut(strings.TrimPrefix(requested, "v"), ".")
	current, _, _ := strings.Cut(Version, ".")
	return major == current
}
