// Package wire implements the chat room's framing: 4-byte signed integers and
// length-prefixed UTF-8 strings. Integers are written in the host's native
// byte order at both ends of the connection; client and server are expected
// to run on machines of the same endianness.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// KindText is the server-to-client frame kind carrying one line of text.
// Any other kind tells the client the server wants it gone.
const KindText int32 = 0

// Packet kinds sent by clients after the handshake.
const (
	KindChat    int32 = 0
	KindCommand int32 = 1
)

var order = binary.NativeEndian

// WriteInt32 writes v as four bytes in native byte order.
//
// Parameters:
//   - w: The sink to write to
//   - v: The value to write
//
// Returns:
//   - An *IOError if the sink rejects the write
func WriteInt32(w io.Writer, v int32) error {
	var b [4]byte
	order.PutUint32(b[:], uint32(v))
	return writeAll(w, b[:])
}

// ReadInt32 reads exactly four bytes and decodes them as a native-order int32.
// It is meant for blocking sources; use a Decoder to read from a source that
// may stop in the middle of a field.
//
// Parameters:
//   - r: The source to read from
//
// Returns:
//   - The decoded value
//   - ErrWouldBlock if the source had nothing to offer and nothing was
//     consumed, or an *IOError on end of stream, on a would-block after
//     part of the field arrived (wrapping ErrTornField), or on any other
//     read failure
func ReadInt32(r io.Reader) (int32, error) {
	var b [4]byte
	if err := readFull(r, b[:]); err != nil {
		return 0, err
	}

	return int32(order.Uint32(b[:])), nil
}

// WriteString writes the byte length of s followed by its raw bytes. No
// terminator is written.
func WriteString(w io.Writer, s string) error {
	if err := WriteInt32(w, int32(len(s))); err != nil {
		return err
	}

	return writeAll(w, []byte(s))
}

// ReadString reads a length-prefixed string. A negative length, or a length
// above maxLen when maxLen is positive, is a protocol error and nothing past
// the length prefix is consumed. Like ReadInt32 it only reports
// ErrWouldBlock before the first byte; once the prefix is read, a
// would-block is an *IOError wrapping ErrTornField.
//
// Parameters:
//   - r: The source to read from
//   - maxLen: The largest accepted byte length; 0 disables the check
//
// Returns:
//   - The decoded string
//   - A *ProtocolError, an *IOError or ErrWouldBlock
func ReadString(r io.Reader, maxLen int) (string, error) {
	n, err := ReadInt32(r)
	if err != nil {
		return "", err
	}

	if err := checkLength("string", n, maxLen); err != nil {
		return "", err
	}

	b := make([]byte, n)
	if err := readFull(r, b); err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return "", &IOError{Op: "read", Err: ErrTornField}
		}
		return "", err
	}

	return string(b), nil
}

// WriteFrame writes a generic frame: the payload length followed by the
// payload itself.
func WriteFrame(w io.Writer, payload []byte) error {
	if err := WriteInt32(w, int32(len(payload))); err != nil {
		return err
	}

	return writeAll(w, payload)
}

// TextFrame builds the server-to-client frame for one line of text.
func TextFrame(line string) []byte {
	var b Builder
	b.Int32(KindText)
	b.String(line)
	return b.Bytes()
}

func checkLength(field string, n int32, maxLen int) error {
	if n < 0 {
		return &ProtocolError{Field: field, Reason: fmt.Sprintf("negative length %d", n)}
	}

	if maxLen > 0 && int(n) > maxLen {
		return &ProtocolError{Field: field, Reason: fmt.Sprintf("length %d exceeds limit %d", n, maxLen)}
	}

	return nil
}

func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return &IOError{Op: "write", Err: err}
		}

		if n == 0 {
			return &IOError{Op: "write", Err: io.ErrShortWrite}
		}

		b = b[n:]
	}

	return nil
}

func readFull(r io.Reader, b []byte) error {
	n, err := io.ReadFull(r, b)
	if err == nil {
		return nil
	}

	if IsWouldBlock(err) {
		if n == 0 {
			return ErrWouldBlock
		}
		return &IOError{Op: "read", Err: ErrTornField}
	}

	return &IOError{Op: "read", Err: err}
}
