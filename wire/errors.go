package wire

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

var (
	// ErrProtocol is matched by every *ProtocolError through errors.Is.
	ErrProtocol = errors.New("protocol violation")

	// ErrWouldBlock reports that a non-blocking source or sink made no
	// progress. It is not a failure: retry on the next readiness event.
	ErrWouldBlock = errors.New("operation would block")

	// ErrTornField reports a would-block after part of a field was read by
	// ReadInt32 or ReadString. The consumed bytes are lost, so the stream
	// cannot be resumed.
	ErrTornField = errors.New("would block in the middle of a field")
)

// ProtocolError describes malformed input: an oversized or negative length,
// an unknown discriminator or a packet that ends early. It is always terminal
// for the session that produced it.
type ProtocolError struct {
	Field  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation in %s: %s", e.Field, e.Reason)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// IOError wraps a transport failure such as a reset peer, a broken pipe or
// end of stream in the middle of a field.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *IOError) Unwrap() error { return e.Err }

// IsWouldBlock reports whether err means "no progress yet" rather than a
// real failure. Deadline expiry on a net.Conn counts, so callers can poll
// regular Go connections with short deadlines.
func IsWouldBlock(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrWouldBlock) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EAGAIN || errno == syscall.EWOULDBLOCK
	}

	return false
}
