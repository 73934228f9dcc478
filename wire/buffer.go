package wire

import (
	"bytes"
	"fmt"
)

// Builder composes a packet in memory. The zero value is ready to use.
type Builder struct {
	buf []byte
}

// Int32 appends v in native byte order.
func (b *Builder) Int32(v int32) *Builder {
	b.buf = order.AppendUint32(b.buf, uint32(v))
	return b
}

// String appends a length-prefixed string.
func (b *Builder) String(s string) *Builder {
	b.Int32(int32(len(s)))
	b.buf = append(b.buf, s...)
	return b
}

// Raw appends p without a length prefix.
func (b *Builder) Raw(p []byte) *Builder {
	b.buf = append(b.buf, p...)
	return b
}

// Bytes returns the composed bytes. The slice aliases the builder.
func (b *Builder) Bytes() []byte { return b.buf }

// Len returns the number of bytes composed so far.
func (b *Builder) Len() int { return len(b.buf) }

// Reset empties the builder, keeping its storage.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// Packet decodes fields from one complete, already-received packet. Running
// out of bytes is a protocol error, not an I/O error: the packet length
// announced by the peer did not cover its own contents.
type Packet struct {
	data []byte
	off  int
}

// NewPacket wraps data for decoding. data is not copied.
func NewPacket(data []byte) *Packet {
	return &Packet{data: data}
}

// Int32 decodes the next integer.
func (p *Packet) Int32() (int32, error) {
	if p.Remaining() < 4 {
		return 0, &ProtocolError{Field: "int32", Reason: fmt.Sprintf("need 4 bytes, have %d", p.Remaining())}
	}

	v := int32(order.Uint32(p.data[p.off:]))
	p.off += 4
	return v, nil
}

// String decodes the next length-prefixed string, enforcing maxLen when it
// is positive.
func (p *Packet) String(maxLen int) (string, error) {
	n, err := p.Int32()
	if err != nil {
		return "", err
	}

	if err := checkLength("string", n, maxLen); err != nil {
		return "", err
	}

	if p.Remaining() < int(n) {
		return "", &ProtocolError{Field: "string", Reason: fmt.Sprintf("need %d bytes, have %d", n, p.Remaining())}
	}

	s := string(p.data[p.off : p.off+int(n)])
	p.off += int(n)
	return s, nil
}

// Remaining returns the number of undecoded bytes.
func (p *Packet) Remaining() int { return len(p.data) - p.off }

// CString interprets b as a NUL-terminated string: everything up to the
// first zero byte, or all of b if there is none.
func CString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}

	return string(b)
}
