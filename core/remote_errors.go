package core

import (
	"errors"
	"fmt"
)

// RemoteErrorKind classifies remote failures for user-facing messages.
type RemoteErrorKind string

const (
	// RemoteErrorUnknown is an uncategorized remote failure.
	RemoteErrorUnknown RemoteErrorKind = "unknown"
	// RemoteErrorUnavailable indicates the remote is unreachable.
	RemoteErrorUnavailable RemoteErrorKind = "unavailable"
	// RemoteErrorRejected indicates the remote refused the request.
	RemoteErrorRejected RemoteErrorKind = "rejected"
	// RemoteErrorUnauthorized indicates the token was refused.
	RemoteErrorUnauthorized RemoteErrorKind = "unauthorized"
	// RemoteErrorTimeout indicates the request timed out.
	RemoteErrorTimeout RemoteErrorKind = "timeout"
	// RemoteErrorCanceled indicates the request was canceled.
	RemoteErrorCanceled RemoteErrorKind = "canceled"
	// RemoteErrorProtocol indicates an unexpected response.
	RemoteErrorProtocol RemoteErrorKind = "protocol"
)

// RemoteError wraps notebook service and kernel failures with a stable classification.
type RemoteError struct {
	Kind    RemoteErrorKind
	Op      string
	Message string
	Err     error
}

// NewRemoteError constructs a classified remote error.
func NewRemoteError(kind RemoteErrorKind, op string, err error) *RemoteError {
	return &RemoteError{Kind: kind, Op: op, Err: err}
}

func (e *RemoteError) Error() string {
	if e == nil {
		return "remote error"
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("%s: %v", e.Op, e.Err)
		}
		return e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s failed", e.Op)
	}
	return "remote error"
}

func (e *RemoteError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

const genericFailureText = "Something went wrong. Please try again."

// notificationText maps an error to the message shown to the user.
func notificationText(prefix string, err error) string {
	if err == nil {
		return prefix
	}
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		return joinNotification(prefix, err.Error())
	}
	switch remoteErr.Kind {
	case RemoteErrorUnavailable:
		return joinNotification(prefix, "server unreachable, check the address and your network")
	case RemoteErrorUnauthorized:
		return joinNotification(prefix, "access denied, check the token")
	case RemoteErrorTimeout:
		return joinNotification(prefix, "request timed out")
	case RemoteErrorCanceled:
		return joinNotification(prefix, "request canceled")
	case RemoteErrorRejected:
		if remoteErr.Message != "" {
			return joinNotification(prefix, remoteErr.Message)
		}
		return joinNotification(prefix, "request rejected")
	default:
		if remoteErr.Message != "" {
			return joinNotification(prefix, remoteErr.Message)
		}
		if remoteErr.Err != nil {
			return joinNotification(prefix, remoteErr.Err.Error())
		}
		return joinNotification(prefix, "")
	}
}

func joinNotification(prefix, detail string) string {
	switch {
	case prefix == "" && detail == "":
		return genericFailureText
	case detail == "":
		return prefix
	case prefix == "":
		return detail
	default:
		return prefix + ": " + detail
	}
}
