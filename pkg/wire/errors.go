// ABOUTME: Error values for the binary wire codec
// ABOUTME: FramingError reports bounds violations, sentinels cover header checks
package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrFraming matches every *FramingError via errors.Is.
	ErrFraming = errors.New("wire: framing error")

	// ErrBadMagic is returned when a buffer does not start with Magic.
	ErrBadMagic = errors.New("wire: bad magic")

	// ErrUnknownType is returned for a message type tag this codec does not know.
	ErrUnknownType = errors.New("wire: unknown message type")

	// ErrUnexpectedType is returned when a typed reader is given another message.
	ErrUnexpectedType = errors.New("wire: unexpected message type")

	// ErrWrongSession marks a packet stamped with a session the receiver did not issue.
	ErrWrongSession = errors.New("wire: wrong session")
)

// FramingError is a read or write that would cross the end of the buffer.
// The packet it occurred in must be dropped.
type FramingError struct {
	Op     string // "read" or "write"
	Field  string
	Offset int
	Need   int
	Have   int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("wire: %s %s at offset %d: need %d bytes, have %d", e.Op, e.Field, e.Offset, e.Need, e.Have)
}

// Is lets errors.Is(err, ErrFraming) match any FramingError.
func (e *FramingError) Is(target error) bool {
	return target == ErrFraming
}

// SessionMismatchError carries both sides of a rejected session id.
type SessionMismatchError struct {
	Expected uint32
	Got      uint32
}

func (e *SessionMismatchError) Error() string {
	return fmt.Sprintf("wire: wrong session: expected %d, got %d", e.Expected, e.Got)
}

func (e *SessionMismatchError) Is(target error) bool {
	return target == ErrWrongSession
}
