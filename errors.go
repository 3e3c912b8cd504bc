package lattice

import (
	"errors"
	"fmt"
)

// Structural/validation failures, rejected before any network attempt.
var (
	// ErrEmptyMessage is returned when a send carries neither non-empty text
	// nor a file descriptor.
	ErrEmptyMessage = errors.New("lattice: message has no content")

	// ErrNoActiveGroup is returned when an operation requires a joined group
	// and none is selected.
	ErrNoActiveGroup = errors.New("lattice: no active group")

	// ErrNotConnected is returned by transport emits while the live
	// connection is down.
	ErrNotConnected = errors.New("lattice: not connected")
)

// Live-send outcomes. Both are recovered by the REST fallback and only reach
// the caller wrapped in a SendError if the fallback fails too.
var (
	// ErrSendTimeout means the acknowledgement callback did not fire in time.
	ErrSendTimeout = errors.New("lattice: send acknowledgement timed out")

	// ErrSendRejected means the server acknowledged the send negatively.
	ErrSendRejected = errors.New("lattice: send rejected by server")
)

// ConnError is a transport-level failure. It is recovered by the connection
// manager's reconnect loop and never surfaced per-occurrence; callers observe
// state transitions instead.
type ConnError struct {
	Op  string
	Err error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("lattice: connection %s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// LoadError is a history fetch failure. The synchronizer's prior state is
// left untouched when one is returned.
type LoadError struct {
	GroupID string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("lattice: load history for group %s: %v", e.GroupID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// SendError is surfaced when both the live path and the REST fallback failed.
// Content carries the original message text so the caller can restore it to
// the input field; no user input is silently lost.
type SendError struct {
	Content  string
	File     *FileInfo
	LiveErr  error
	Fallback error
}

func (e *SendError) Error() string {
	if e.LiveErr != nil {
		return fmt.Sprintf("lattice: send failed (live: %v; fallback: %v)", e.LiveErr, e.Fallback)
	}
	return fmt.Sprintf("lattice: send failed: %v", e.Fallback)
}

func (e *SendError) Unwrap() error { return e.Fallback }
