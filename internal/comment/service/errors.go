package service

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrNestedReply  = errors.New("nested reply")
	// ErrStoreUnavailable covers open failures, storage faults and exhausted
	// reply retries.
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrConflict         = errors.New("concurrent update conflict")
)

// Error carries a short user-facing message next to the error kind and the
// underlying cause. Only Msg is meant for display.
type Error struct {
	Kind  error
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// Message returns the text shown to users for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "Invalid input"
	case errors.Is(err, ErrNotFound):
		return "Comment not found"
	case errors.Is(err, ErrStoreUnavailable):
		return "Comment store unavailable"
	}
	return "Something went wrong"
}

func invalid(msg string) error {
	return &Error{Kind: ErrInvalidInput, Msg: msg}
}

func notFound(msg string) error {
	return &Error{Kind: ErrNotFound, Msg: msg}
}

func unavailable(cause error) error {
	return &Error{Kind: ErrStoreUnavailable, Msg: "Comment store unavailable", Cause: cause}
}
