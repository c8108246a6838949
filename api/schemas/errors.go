// File: api/schemas/errors.go
package schemas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// -- Error Taxonomy --

// ErrorKind classifies why a task step or a whole task failed.
type ErrorKind string

const (
	ErrKindObservation     ErrorKind = "ObservationError"
	ErrKindPrediction      ErrorKind = "PredictionError"
	ErrKindParse           ErrorKind = "ParseError"
	ErrKindValidation      ErrorKind = "ValidationError"
	ErrKindDispatch        ErrorKind = "DispatchError"
	ErrKindTool            ErrorKind = "ToolError"
	ErrKindCancelled       ErrorKind = "Cancelled"
	ErrKindBudgetExhausted ErrorKind = "BudgetExhausted"
	ErrKindTimeout         ErrorKind = "Timeout"
	ErrKindAgentGaveUp     ErrorKind = "AgentGaveUp"
	ErrKindPanic           ErrorKind = "Panic"
	ErrKindPersistence     ErrorKind = "PersistenceError"
)

var (
	// ErrTransient marks an error as safe to retry.
	ErrTransient = errors.New("transient failure")
	// ErrActionRejected is returned by an actuator when the device refused a command
	// without changing state (e.g. an unknown app). It is never retried and never fatal.
	ErrActionRejected = errors.New("action rejected by device")
	// ErrUserCancelled is returned by a prompt handler when the human aborts the task.
	ErrUserCancelled = errors.New("cancelled by user")
	// ErrToolNotFound is returned when an mcp_call names an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")
)

// TaskError attaches an ErrorKind and the failing operation to an error.
type TaskError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *TaskError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// NewTaskError builds a TaskError.
func NewTaskError(kind ErrorKind, op string, err error) *TaskError {
	return &TaskError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the ErrorKind carried by err, or "" when none is attached.
func KindOf(err error) ErrorKind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return ErrKindParse
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ErrKindValidation
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrUserCancelled) {
		return ErrKindCancelled
	}
	return ""
}

// ParseError reports a predictor response that could not be turned into an action.
type ParseError struct {
	Reason string
	Raw    string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Reason, e.Err)
	}
	return "parse error: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError reports an action that is structurally invalid.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// -- Transient Classification --

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() []error {
	return []error{e.err, ErrTransient}
}

// Transient wraps err so IsTransient reports true while keeping the original chain.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

var transientMarkers = []string{
	"device busy",
	"device offline",
	"connection reset",
	"connection refused",
	"broken pipe",
	"i/o timeout",
}

// IsTransient reports whether err is worth retrying: timeouts, dropped connections
// and a busy or briefly offline device. Cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrUserCancelled) || errors.Is(err, ErrActionRejected) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
