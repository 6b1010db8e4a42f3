package plugin

import (
	"errors"
	"fmt"
)

// Operation names the executor phase that failed.
type Operation string

// Operation constants
const (
	OpLoad           Operation = "load"
	OpInitialize     Operation = "initialize"
	OpExecute        Operation = "execute"
	OpValidate       Operation = "validate"
	OpRegister       Operation = "register"
	OpHydrateSecrets Operation = "hydrate-secrets"
)

// Error is a failure attributed to a plugin and an executor phase.
type Error struct {
	PluginID  string
	Operation Operation
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("plugin %s %s failed: %v", e.PluginID, e.Operation, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// retryableError marks a plugin failure as transient.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable wraps err so the executor retries the call.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err is a retryable plugin failure, either
// marked with Retryable or a *Error with Retryable set.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) && pe.Retryable {
		return true
	}
	var re *retryableError
	return errors.As(err, &re)
}

func newError(pluginID string, op Operation, err error) *Error {
	return &Error{PluginID: pluginID, Operation: op, Err: err}
}
