package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
)

func TestServiceErrorError(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "with cause",
			err: &ServiceError{
				Type:      ErrorTypeNetwork,
				Operation: "dial",
				Message:   "failed to connect to pool",
				Cause:     errors.New("connection refused"),
			},
			want: "network dial: failed to connect to pool: connection refused",
		},
		{
			name: "without cause",
			err: &ServiceError{
				Type:      ErrorTypeSettings,
				Operation: "add_pool",
				Message:   "index out of range",
			},
			want: "settings add_pool: index out of range",
		},
		{
			name: "without operation",
			err:  &ServiceError{Type: ErrorTypeInternal, Message: "loop closed"},
			want: "internal: loop closed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRetryableByType(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		retryable bool
	}{
		{ErrorTypeNetwork, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeKafka, true},
		{ErrorTypePool, true},
		{ErrorTypeValidation, false},
		{ErrorTypeProtocol, false},
		{ErrorTypeSettings, false},
		{ErrorTypeDatabase, false},
		{ErrorTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errorType), func(t *testing.T) {
			err := New(tt.errorType, "op", "msg")
			if err.Type != tt.errorType || err.Operation != "op" || err.Message != "msg" {
				t.Errorf("New() = %+v", err)
			}
			if err.Timestamp.IsZero() {
				t.Error("Timestamp not set")
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", !tt.retryable, tt.retryable)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrorTypeNetwork, "dial", "failed") != nil {
		t.Error("Wrap(nil) != nil")
	}

	cause := errors.New("no such host")
	err := Wrap(cause, ErrorTypeNetwork, "dial", "failed to connect to pool")
	if !errors.Is(err, cause) {
		t.Error("cause lost")
	}
	if err.Retryable {
		t.Error("unknown cause made retryable")
	}

	// Retryability of an inner ServiceError survives rewrapping, even
	// through a fmt wrapper
	inner := New(ErrorTypePool, "login", "pool busy")
	outer := Wrap(fmt.Errorf("session: %w", inner), ErrorTypeInternal, "connect", "giving up")
	if !outer.Retryable {
		t.Error("inner retryability lost")
	}
	if !IsType(outer, ErrorTypeInternal) {
		t.Error("IsType() does not see the outer type")
	}
	var se *ServiceError
	if !errors.As(errors.Unwrap(errors.Unwrap(outer)), &se) || se != inner {
		t.Error("inner error not reachable")
	}
}

func TestWithContextAndGetContext(t *testing.T) {
	err := New(ErrorTypeDatabase, "save_pool_stats", "insert failed").
		WithContext("pool", "pool.example.com:3333").
		WithContext("rows", 42)

	ctx := GetContext(fmt.Errorf("flush: %w", err))
	if len(ctx) != 2 || ctx["pool"] != "pool.example.com:3333" || ctx["rows"] != 42 {
		t.Errorf("GetContext() = %v", ctx)
	}
	if GetContext(errors.New("plain")) != nil {
		t.Error("GetContext() of a plain error is not nil")
	}
}

func TestIsRetryableByDefault(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"wrapped deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), false},
		{"refused errno", &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, true},
		{"reset errno", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"net timeout", &net.DNSError{Err: "i/o", IsTimeout: true}, true},
		{"refused text", errors.New("dial tcp 10.0.0.1:3333: connection refused"), true},
		{"reset text", errors.New("connection reset by peer"), true},
		{"temporary failure", errors.New("temporary failure in name resolution"), true},
		{"too many connections", errors.New("pq: sorry, too many connections"), true},
		{"broken pipe", errors.New("write tcp 127.0.0.1:3333: broken pipe"), true},
		{"no route", errors.New("dial tcp: no route to host"), true},
		{"unknown", errors.New("invalid job blob"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableByDefault(tt.err); got != tt.want {
				t.Errorf("isRetryableByDefault(%v) = %v, want %v", tt.err, got, tt.want)
			}
			if tt.err != nil && IsRetryable(tt.err) != tt.want {
				t.Errorf("IsRetryable(%v) disagrees", tt.err)
			}
		})
	}
}

func TestLogFields(t *testing.T) {
	if LogFields(errors.New("plain")) != nil {
		t.Error("LogFields() of a plain error is not nil")
	}

	err := New(ErrorTypeKafka, "publish_message", "failed").WithContext("topic", "gomp.miner.events")
	fields := LogFields(err)
	want := map[any]any{"error_type": "kafka", "operation": "publish_message", "topic": "gomp.miner.events"}
	if len(fields) != 2*len(want) {
		t.Fatalf("LogFields() = %v", fields)
	}
	for i := 0; i < len(fields); i += 2 {
		if want[fields[i]] != fields[i+1] {
			t.Errorf("field %v = %v, want %v", fields[i], fields[i+1], want[fields[i]])
		}
	}
}
