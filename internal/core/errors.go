package core

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrPlatformUnavailable = errors.New("platform unavailable")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrPartialDelivery     = errors.New("partial delivery failure")
	ErrDuplicateChannel    = errors.New("duplicate channel race")
)

// Error carries a taxonomy kind alongside the underlying cause. errors.Is
// matches either.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Validation reports a missing or malformed caller input.
func Validation(msg string) error {
	return &Error{Kind: ErrValidation, Op: msg}
}

// StoreUnavailable wraps a persistence failure.
func StoreUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ErrStoreUnavailable, Op: op, Err: err}
}

// PlatformUnavailable wraps a failed or timed out chat-platform call.
func PlatformUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ErrPlatformUnavailable, Op: op, Err: err}
}

// PartialDelivery reports that the channel post succeeded but the thread
// append did not.
func PartialDelivery(playerID string, err error) error {
	return &Error{Kind: ErrPartialDelivery, Op: "player " + playerID, Err: err}
}
