package session

import (
	"errors"
	"fmt"
)

// Kind classifies failures of room actions.
type Kind int

const (
	// KindInvalidRequest covers malformed or missing fields, bad ids and
	// ids that do not resolve to a connected panel.
	KindInvalidRequest Kind = iota + 1
	// KindAdminNotConnected is returned when a panel tries to join, or a
	// routed action runs, while the room has no admin.
	KindAdminNotConnected
	// KindUnreachable marks states a correct caller never produces, such
	// as an unknown action kind or two connections sharing one panel id.
	KindUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindAdminNotConnected:
		return "admin_not_connected"
	case KindUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Message
}

// Is matches any *Error of the same kind, so callers can test against the
// sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest, Message: "invalid request"}
	ErrAdminNotConnected = &Error{Kind: KindAdminNotConnected, Message: "admin not connected"}
	ErrUnreachable       = &Error{Kind: KindUnreachable, Message: "unreachable"}
)

func InvalidRequest(format string, args ...any) error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func AdminNotConnected() error {
	return &Error{Kind: KindAdminNotConnected, Message: "admin is not connected"}
}

func Unreachable(format string, args ...any) error {
	return &Error{Kind: KindUnreachable, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind carried by err, or 0 when err is not a session error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
