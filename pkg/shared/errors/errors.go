// Package errors provides lightweight structured error helpers shared
// across the action-executor packages. It does not replace the standard
// library's error wrapping (Unwrap/Is/As keep working); it adds a small
// vocabulary for the recurring "failed to X, component Y, cause Z" shape.
package errors

import (
	"fmt"
	"strings"
)

// OperationError describes a failed operation with optional structured
// context. Component and Resource are omitted from the message when empty.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "failed to %s", e.Operation)
	if e.Component != "" {
		fmt.Fprintf(&b, ", component: %s", e.Component)
	}
	if e.Resource != "" {
		fmt.Fprintf(&b, ", resource: %s", e.Resource)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ", cause: %s", e.Cause.Error())
	}
	return b.String()
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo builds the common "failed to <action>[: <cause>]" error.
func FailedTo(action string, cause error) error {
	if cause == nil {
		return fmt.Errorf("failed to %s", action)
	}
	return fmt.Errorf("failed to %s: %w", action, cause)
}

// FailedToWithDetails builds an *OperationError carrying component/resource
// context in addition to the operation and cause.
func FailedToWithDetails(operation, component, resource string, cause error) error {
	return &OperationError{
		Operation: operation,
		Component: component,
		Resource:  resource,
		Cause:     cause,
	}
}

// Wrapf wraps err with an additional formatted message, returning nil if
// err is nil (so callers can unconditionally wrap a possibly-nil error).
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", msg, err)
}

// DatabaseError wraps a storage-layer failure with a standard component tag.
func DatabaseError(operation string, cause error) error {
	return FailedToWithDetails(operation, "database", "", cause)
}

// NetworkError wraps a network failure with endpoint context.
func NetworkError(operation, endpoint string, cause error) error {
	return FailedToWithDetails(operation, "network", endpoint, cause)
}

// ValidationError reports a field-level validation failure.
func ValidationError(field, reason string) error {
	return fmt.Errorf("validation failed for field %s: %s", field, reason)
}

// ConfigurationError reports an invalid configuration setting.
func ConfigurationError(setting, reason string) error {
	return fmt.Errorf("configuration error for setting %s: %s", setting, reason)
}

// TimeoutError reports an operation that exceeded its deadline.
func TimeoutError(operation, duration string) error {
	return fmt.Errorf("timeout while %s after %s", operation, duration)
}

// AuthenticationError reports a failed authentication attempt.
func AuthenticationError(reason string) error {
	return fmt.Errorf("authentication failed: %s", reason)
}

// AuthorizationError reports insufficient permissions for an operation.
func AuthorizationError(action, resource string) error {
	return fmt.Errorf("authorization failed: insufficient permissions to %s %s", action, resource)
}

// ParseError reports a failure to parse a resource as a given format.
func ParseError(resource, format string, cause error) error {
	return FailedTo(fmt.Sprintf("parse %s as %s", resource, format), cause)
}

// IsRetryable applies a coarse heuristic over an error's message to decide
// whether retrying the operation that produced it is likely to help. This
// is a fallback for errors that never passed through the classifier
// (pkg/classify); anything originating in the HTTP engine should already
// carry an explicit category and should not rely on this heuristic.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"timeout", "connection refused", "unavailable", "temporarily"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// Chain joins non-nil errors into a single error, skipping nils. It
// returns nil if every argument is nil and the single error unchanged if
// only one is non-nil.
func Chain(errs ...error) error {
	var nonNil []error
	var msgs []string
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
			msgs = append(msgs, e.Error())
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return fmt.Errorf("multiple errors: %s", strings.Join(msgs, "; "))
	}
}
