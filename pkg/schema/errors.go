package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation              = "VALIDATION_ERROR"
	ErrCodeCycleDetected           = "CYCLE_DETECTED"
	ErrCodeExpression              = "EXPRESSION_ERROR"
	ErrCodeParamResolution         = "PARAM_RESOLUTION_ERROR"
	ErrCodeSandboxTimeout          = "SANDBOX_TIMEOUT"
	ErrCodeSandboxRuntime          = "SANDBOX_RUNTIME_ERROR"
	ErrCodeImportsNotAllowed       = "IMPORTS_NOT_ALLOWED"
	ErrCodeConnector               = "CONNECTOR_ERROR"
	ErrCodeNoRuntimeImplementation = "NO_RUNTIME_IMPLEMENTATION"
	ErrCodeQuotaExceeded           = "EXECUTION_QUOTA_EXCEEDED"
	ErrCodeLockLost                = "LOCK_LOST"
	ErrCodeTokenExpired            = "TOKEN_EXPIRED"
	ErrCodeTokenAlreadyConsumed    = "TOKEN_ALREADY_CONSUMED"
	ErrCodeTokenNotFound           = "TOKEN_NOT_FOUND"
	ErrCodeNotFound                = "NOT_FOUND"
	ErrCodeConflict                = "CONFLICT"
	ErrCodeInvalidTransition       = "INVALID_TRANSITION"
	ErrCodeRetryExhausted          = "RETRY_EXHAUSTED"
	ErrCodeStore                   = "STORE_ERROR"
	ErrCodeInterrupted             = "INTERRUPTED"
	ErrCodeCircuitOpen             = "CIRCUIT_OPEN"
	ErrCodeCredential              = "CREDENTIAL_ERROR"
)

// nonRetryable lists codes whose failures are deterministic: retrying them
// only repeats the same outcome.
var nonRetryable = map[string]bool{
	ErrCodeValidation:              true,
	ErrCodeCycleDetected:           true,
	ErrCodeExpression:              true,
	ErrCodeParamResolution:         true,
	ErrCodeImportsNotAllowed:       true,
	ErrCodeNoRuntimeImplementation: true,
	ErrCodeQuotaExceeded:           true,
	ErrCodeTokenExpired:            true,
	ErrCodeTokenAlreadyConsumed:    true,
	ErrCodeTokenNotFound:           true,
	ErrCodeInvalidTransition:       true,
	ErrCodeCircuitOpen:             true,
	ErrCodeCredential:              true,
}

// WeaveError is the structured error type for all engine operations.
type WeaveError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *WeaveError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *WeaveError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a node failure with this code may succeed on
// a later attempt.
func (e *WeaveError) IsRetryable() bool {
	return !nonRetryable[e.Code]
}

// NewError creates a new WeaveError.
func NewError(code, message string) *WeaveError {
	return &WeaveError{Code: code, Message: message}
}

// NewErrorf creates a new WeaveError with a formatted message.
func NewErrorf(code, format string, args ...any) *WeaveError {
	return &WeaveError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *WeaveError) WithNode(nodeID string) *WeaveError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *WeaveError) WithCause(err error) *WeaveError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *WeaveError) WithDetails(details map[string]any) *WeaveError {
	e.Details = details
	return e
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code string) bool {
	var we *WeaveError
	if errors.As(err, &we) && we.Code == code {
		return true
	}
	var ee *ExpressionError
	if errors.As(err, &ee) && code == ErrCodeExpression {
		return true
	}
	var qe *ExecutionQuotaExceededError
	if errors.As(err, &qe) && code == ErrCodeQuotaExceeded {
		return true
	}
	return false
}

// ExpressionError reports a parse or evaluation failure for a data-binding
// expression. Position is a zero-based byte offset into Expression, or -1
// when the failure has no location.
type ExpressionError struct {
	Expression string `json:"expression"`
	Snippet    string `json:"snippet"`
	Position   int    `json:"position"`
	Message    string `json:"message"`
	Cause      error  `json:"-"`
}

func (e *ExpressionError) Error() string {
	if e.Position >= 0 {
		return fmt.Sprintf("[%s] %s at position %d near %q", ErrCodeExpression, e.Message, e.Position, e.Snippet)
	}
	return fmt.Sprintf("[%s] %s in %q", ErrCodeExpression, e.Message, e.Snippet)
}

func (e *ExpressionError) Unwrap() error {
	return e.Cause
}

// ExecutionQuotaExceededError is returned before a run reaches the queue when
// the organization is over one of its limits.
type ExecutionQuotaExceededError struct {
	OrganizationID string `json:"organization_id"`
	Reason         string `json:"reason"`
	Limit          int    `json:"limit"`
	Current        int    `json:"current"`
	// RatePerSecond is the configured refill rate of a rate rejection, whose
	// Limit is the burst and Current the tokens in use.
	RatePerSecond float64 `json:"rate_per_second,omitempty"`
}

// Quota rejection reasons.
const (
	QuotaReasonConcurrency = "concurrent_executions"
	QuotaReasonTaskBudget  = "task_budget"
	QuotaReasonRate        = "rate"
)

func (e *ExecutionQuotaExceededError) Error() string {
	return fmt.Sprintf("[%s] organization %s: %s limit %d reached (current %d)",
		ErrCodeQuotaExceeded, e.OrganizationID, e.Reason, e.Limit, e.Current)
}
