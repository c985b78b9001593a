package errors

import (
	"context"
	"errors"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceError
		expected string
	}{
		{
			name: "error with cause",
			err: &ServiceError{
				Type:      ErrorTypeDaemonUnreachable,
				Operation: "getblocktemplate",
				Message:   "daemon request failed",
				Cause:     errors.New("dial tcp: connection refused"),
			},
			expected: "daemon_unreachable operation 'getblocktemplate' failed: daemon request failed (caused by: dial tcp: connection refused)",
		},
		{
			name: "error without cause",
			err: &ServiceError{
				Type:      ErrorTypeShareRejected,
				Operation: "validate_share",
				Message:   "duplicate",
			},
			expected: "share_rejected operation 'validate_share' failed: duplicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("ServiceError.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestServiceError_WithContext(t *testing.T) {
	err := New(ErrorTypeDatabase, "credit_balance", "update failed").
		WithContext("user_id", int64(7)).
		WithContext("amount", 1.5)

	if len(err.Context) != 2 {
		t.Fatalf("expected 2 context items, got %d", len(err.Context))
	}
	if err.Context["user_id"] != int64(7) {
		t.Errorf("user_id = %v, want 7", err.Context["user_id"])
	}
	if got := GetContext(err)["amount"]; got != 1.5 {
		t.Errorf("GetContext amount = %v, want 1.5", got)
	}
	if GetContext(errors.New("plain")) != nil {
		t.Error("expected nil context for plain error")
	}
}

func TestNewRetryability(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		retryable bool
	}{
		{ErrorTypeNetwork, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeKafka, true},
		{ErrorTypeDaemonUnreachable, true},
		{ErrorTypeDaemon, false},
		{ErrorTypeInsufficientFunds, false},
		{ErrorTypeDistribution, false},
		{ErrorTypeShareRejected, false},
		{ErrorTypeValidation, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errorType), func(t *testing.T) {
			err := New(tt.errorType, "op", "msg")
			if err.Retryable != tt.retryable {
				t.Errorf("New(%s).Retryable = %v, want %v", tt.errorType, err.Retryable, tt.retryable)
			}
			if err.Timestamp.IsZero() {
				t.Error("expected timestamp to be set")
			}
		})
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("original error")
	err := Wrap(cause, ErrorTypeDatabase, "insert_share", "wrapped")

	if err.Type != ErrorTypeDatabase {
		t.Errorf("Type = %v, want %v", err.Type, ErrorTypeDatabase)
	}
	if !errors.Is(err, cause) {
		t.Error("expected wrapped error to match cause")
	}
	if err.Retryable {
		t.Error("plain database error should not be retryable")
	}

	if Wrap(nil, ErrorTypeNetwork, "op", "msg") != nil {
		t.Error("expected nil when wrapping nil")
	}

	inner := New(ErrorTypeDaemonUnreachable, "getbalance", "timeout")
	outer := Wrap(inner, ErrorTypeInternal, "retry", "gave up")
	if !outer.Retryable {
		t.Error("wrapping must preserve inner retryability")
	}
}

func TestIsType(t *testing.T) {
	inner := New(ErrorTypeInsufficientFunds, "process_payout", "balance too low")
	outer := Wrap(inner, ErrorTypeInternal, "payout_cycle", "payout failed")

	if !IsType(outer, ErrorTypeInsufficientFunds) {
		t.Error("IsType should find a type anywhere in the chain")
	}
	if !IsType(outer, ErrorTypeInternal) {
		t.Error("IsType should match the outer type")
	}
	if IsType(outer, ErrorTypeNetwork) {
		t.Error("IsType matched an absent type")
	}
	if IsType(errors.New("plain"), ErrorTypeNetwork) {
		t.Error("IsType matched a plain error")
	}
}

func TestIsRetryableByDefault(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"context timeout", context.DeadlineExceeded, false},
		{"connection refused", errors.New("connection refused"), true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"timeout error", errors.New("i/o timeout"), true},
		{"unknown error", errors.New("unknown error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableByDefault(tt.err); got != tt.expected {
				t.Errorf("isRetryableByDefault() = %v, want %v", got, tt.expected)
			}
			if tt.err != nil {
				if got := IsRetryable(tt.err); got != tt.expected {
					t.Errorf("IsRetryable() = %v, want %v", got, tt.expected)
				}
			}
		})
	}
}

func TestMessage(t *testing.T) {
	if got := Message(New(ErrorTypeShareRejected, "validate", "stale job")); got != "stale job" {
		t.Errorf("Message() = %q, want %q", got, "stale job")
	}
	if got := Message(errors.New("boom")); got != "boom" {
		t.Errorf("Message() = %q, want %q", got, "boom")
	}
	if got := Message(nil); got != "" {
		t.Errorf("Message(nil) = %q, want empty", got)
	}
}
