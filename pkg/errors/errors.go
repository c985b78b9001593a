// Package errors provides the structured error type shared by the pool services.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType classifies a failure
type ErrorType string

const (
	// ErrorTypeNetwork represents transport failures
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout represents deadline failures
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeValidation represents bad input
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeDatabase represents storage failures
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeKafka represents messaging failures
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeDaemonUnreachable means the coin daemon could not be reached
	ErrorTypeDaemonUnreachable ErrorType = "daemon_unreachable"
	// ErrorTypeDaemon means the coin daemon answered with an error
	ErrorTypeDaemon ErrorType = "daemon"
	// ErrorTypeProtocol represents malformed or unknown stratum messages
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeAuth represents rejected miner credentials
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeShareRejected represents stale, duplicate or low difficulty shares
	ErrorTypeShareRejected ErrorType = "share_rejected"
	// ErrorTypeInsufficientFunds means the pool wallet cannot cover a payout
	ErrorTypeInsufficientFunds ErrorType = "insufficient_funds"
	// ErrorTypeDistribution means a reward distribution was rolled back
	ErrorTypeDistribution ErrorType = "distribution"
	// ErrorTypeInternal represents everything else
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError is a failure with classification and context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the operation may succeed if repeated
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext attaches a key/value pair
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a ServiceError without a cause
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// Wrap classifies err. It returns nil when err is nil.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := isRetryableByType(errorType) || isRetryableByDefault(err)
	var se *ServiceError
	if errors.As(err, &se) {
		retryable = se.Retryable
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

func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka, ErrorTypeDaemonUnreachable:
		return true
	default:
		return false
	}
}

func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"timeout",
		"temporary failure",
		"too many connections",
		"broken pipe",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsType reports whether any ServiceError in err's chain has the given type
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		var se *ServiceError
		if !errors.As(err, &se) {
			return false
		}
		if se.Type == errorType {
			return true
		}
		err = se.Cause
	}
	return false
}

// IsRetryable reports whether err should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext returns the context map of the outermost ServiceError
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}

// Message returns the outermost ServiceError message, or err.Error()
func Message(err error) string {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
