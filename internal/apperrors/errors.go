// Package apperrors defines the error taxonomy shared by the container
// engine, the routing service client and the orchestrator.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrInputNotFound  = errors.New("input not found")
	ErrContainerStart = errors.New("container start failed")
	ErrNetwork        = errors.New("network error")
	ErrProtocol       = errors.New("protocol error")
	ErrJobFailed      = errors.New("job failed")
	ErrJobTimeout     = errors.New("job timed out")
	ErrOutputWrite    = errors.New("output write failed")
	ErrCanceled       = errors.New("canceled")
)

// Error is a classified failure. Kind is one of the sentinels above; Cause
// is the underlying error, if any.
type Error struct {
	Kind    error  // Sentinel for errors.Is() classification
	Op      string // Operation that failed (e.g. "POST /v1/jobs/enqueue")
	Message string // Human-readable message
	Cause   error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the cause so errors.Is and
// errors.As see through to either.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func newError(kind error, op, message string, cause error) error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// InputNotFound reports a missing input file.
func InputNotFound(path string, cause error) error {
	return newError(ErrInputNotFound, "", fmt.Sprintf("input file %q not found", path), cause)
}

// ContainerStart reports that the service container could not be started
// or never became reachable.
func ContainerStart(op string, cause error) error {
	return newError(ErrContainerStart, op, "", cause)
}

// Network reports a transport level failure or a non-2xx status.
func Network(op string, cause error) error {
	return newError(ErrNetwork, op, "", cause)
}

// Protocol reports a malformed or unexpected response body.
func Protocol(op, message string, cause error) error {
	return newError(ErrProtocol, op, message, cause)
}

// JobFailed reports that the service finished the job in state FAILED.
func JobFailed(jobID string) error {
	return newError(ErrJobFailed, "", fmt.Sprintf("job %s finished in state FAILED", jobID), nil)
}

// JobTimeout reports that the poll budget was exhausted.
func JobTimeout(jobID string, polls int, cause error) error {
	return newError(ErrJobTimeout, "", fmt.Sprintf("job %s not finished after %d polls", jobID, polls), cause)
}

// OutputWrite reports a local filesystem failure while persisting the result.
func OutputWrite(path string, cause error) error {
	return newError(ErrOutputWrite, "", fmt.Sprintf("writing %s", path), cause)
}

// Canceled reports that the caller aborted the run.
func Canceled(op string, cause error) error {
	return newError(ErrCanceled, op, "", cause)
}

// Kind returns the sentinel that classifies err, or nil if err carries none.
func Kind(err error) error {
	for _, k := range []error{
		ErrInputNotFound, ErrContainerStart, ErrNetwork, ErrProtocol,
		ErrJobFailed, ErrJobTimeout, ErrOutputWrite, ErrCanceled,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
