package convsync

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies user-facing failures.
type Kind int

const (
	// KindNetwork is transient: the send goes to the outbox or failed-with-retry.
	KindNetwork Kind = iota + 1
	// KindPermission is fatal for the action and never retried.
	KindPermission
	// KindValidation is raised before any network call.
	KindValidation
	// KindConflict means the target was deleted or edited by someone else.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindPermission:
		return "permission"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	}
	return "unknown"
}

var (
	ErrNetwork    = errors.New("network error")
	ErrPermission = errors.New("permission denied")
	ErrValidation = errors.New("invalid message")
	ErrConflict   = errors.New("message no longer available")

	ErrNotFound     = errors.New("message not found")
	ErrInvalidState = errors.New("invalid delivery state for operation")
	ErrSearchActive = errors.New("pagination disabled while search is active")
	ErrClosed       = errors.New("session closed")
)

// Error carries the failure Kind plus where it happened.
type Error struct {
	Kind      Kind
	Op        string
	MessageID string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.MessageID != "" {
		msg += " (message " + e.MessageID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNetwork) and friends match on Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrPermission:
		return e.Kind == KindPermission
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrConflict:
		return e.Kind == KindConflict
	}
	return false
}

func newError(kind Kind, op, messageID string, err error) *Error {
	return &Error{Kind: kind, Op: op, MessageID: messageID, Err: err}
}

func validationError(op, format string, args ...any) *Error {
	return newError(KindValidation, op, "", fmt.Errorf(format, args...))
}

// KindOf returns the Kind of err, treating raw transport failures as network.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return 0
}

func IsNetwork(err error) bool    { return KindOf(err) == KindNetwork }
func IsPermission(err error) bool { return KindOf(err) == KindPermission }
func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
