// Package errors provides the typed errors shared by the GOMP pool miner.
// A ServiceError records which subsystem failed, the operation, and whether
// retrying can help.
package errors

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

// ErrorType is the subsystem or failure class of an error
type ErrorType string

const (
	// ErrorTypeNetwork is a failed dial, read or write
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeValidation is input that was rejected before use
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeDatabase is a Redis, InfluxDB or PostgreSQL failure
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypePool is a failure reported by a mining pool, such as a rejected login
	ErrorTypePool ErrorType = "pool"
	// ErrorTypeProtocol is malformed stratum traffic
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeSettings is a settings load or save failure
	ErrorTypeSettings ErrorType = "settings"
	// ErrorTypeKafka is a Kafka publish or consume failure
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeTimeout is an operation that ran out of time
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal is anything else
	ErrorTypeInternal ErrorType = "internal"
)

var retryableTypes = map[ErrorType]bool{
	ErrorTypeNetwork: true,
	ErrorTypeTimeout: true,
	ErrorTypeKafka:   true,
	ErrorTypePool:    true,
}

// ServiceError is an error with its subsystem, operation and context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Timestamp time.Time
	Retryable bool
}

// Error formats the error as "type operation: message: cause"
func (e *ServiceError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	if e.Operation != "" {
		b.WriteByte(' ')
		b.WriteString(e.Operation)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the cause
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failed operation may succeed if repeated
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext attaches a key/value pair and returns e
func (e *ServiceError) WithContext(key string, value interface{}) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates an error without a cause. Its retryability follows its type.
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableTypes[errorType],
	}
}

// Wrap annotates err. A ServiceError anywhere in the chain keeps its
// retryability; otherwise it is derived from the cause. Wrap(nil) is nil.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := isRetryableByDefault(err)
	var inner *ServiceError
	if errors.As(err, &inner) {
		retryable = inner.Retryable
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

// transientMessages match errors that reach us only as text, such as
// those returned by database drivers.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"network unreachable",
	"timeout",
	"temporary failure",
	"too many connections",
	"broken pipe",
	"no route to host",
}

// isRetryableByDefault classifies errors that are not ServiceErrors
func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsType reports whether the outermost ServiceError in err's chain has the
// given type
func IsType(err error, errorType ErrorType) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Type == errorType
}

// IsRetryable reports whether err may succeed if repeated
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext returns the context of the outermost ServiceError in err's
// chain, or nil
func GetContext(err error) map[string]interface{} {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}

// LogFields returns the type, operation and context of err as slog key/value
// pairs. Errors that are not ServiceErrors yield nil.
func LogFields(err error) []any {
	var se *ServiceError
	if !errors.As(err, &se) {
		return nil
	}
	fields := []any{"error_type", string(se.Type), "operation", se.Operation}
	for k, v := range se.Context {
		fields = append(fields, k, v)
	}
	return fields
}
