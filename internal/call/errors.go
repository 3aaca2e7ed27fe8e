package call

import (
	"errors"
	"fmt"
)

var (
	ErrNoLocalMedia    = errors.New("local media unavailable")
	ErrRejected        = errors.New("call rejected")
	ErrSignalingClosed = errors.New("signaling closed")
	ErrUnknownCall     = errors.New("no pending call for peer")
)

// Error ties a failed call operation to the remote participant.
type Error struct {
	Op     string
	Remote string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Remote, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, remote string, err error) *Error {
	return &Error{Op: op, Remote: remote, Err: err}
}
