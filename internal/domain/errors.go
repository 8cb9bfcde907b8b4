package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrUnknownDc means the datacenter directory has no endpoints for the id.
	ErrUnknownDc = errors.New("unknown datacenter")

	// ErrNoAuthKey indicates that a session has no usable authorization key.
	ErrNoAuthKey = errors.New("no authorization key")

	// ErrSessionKilled is reported for requests dropped by a killed session.
	ErrSessionKilled = errors.New("session killed")

	// ErrInstanceClosed is returned by operations on a closed instance.
	ErrInstanceClosed = errors.New("instance closed")

	// ErrBadFrame means a frame could not be decoded.
	ErrBadFrame = errors.New("malformed frame")

	// ErrKeyMismatch means a packet was sealed with a different auth key.
	ErrKeyMismatch = errors.New("auth key id mismatch")
)

// OpError wraps an underlying error with datacenter context.
type OpError struct {
	DcID DcID
	Op   string
	Err  error
}

func (e *OpError) Error() string {
	if e.DcID != 0 {
		return fmt.Sprintf("dc %d: %s: %v", e.DcID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
