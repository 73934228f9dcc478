package wire

import (
	"io"
)

// Decoder reads fields from a source that may be non-blocking. When the
// source has nothing more to give it returns ErrWouldBlock and keeps every
// byte it already received, so calling the same method again later resumes
// the field where it stopped.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	r       io.Reader
	pending []byte
	want    int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Int32 reads one integer.
func (d *Decoder) Int32() (int32, error) {
	b, err := d.fill(4)
	if err != nil {
		return 0, err
	}

	v := int32(order.Uint32(b))
	d.consume()
	return v, nil
}

// String reads one length-prefixed string. The prefix and the body are
// resumed independently: a would-block after the prefix keeps the prefix.
func (d *Decoder) String(maxLen int) (string, error) {
	if d.want == 0 {
		b, err := d.fill(4)
		if err != nil {
			return "", err
		}

		n := int32(order.Uint32(b))
		if err := checkLength("string", n, maxLen); err != nil {
			d.consume()
			return "", err
		}

		d.consume()
		if n == 0 {
			return "", nil
		}

		d.want = int(n)
	}

	b, err := d.fill(d.want)
	if err != nil {
		return "", err
	}

	s := string(b)
	d.consume()
	d.want = 0
	return s, nil
}

// Buffered reports how many bytes of the current field have arrived.
func (d *Decoder) Buffered() int { return len(d.pending) }

func (d *Decoder) fill(n int) ([]byte, error) {
	for len(d.pending) < n {
		if cap(d.pending) < n {
			grown := make([]byte, len(d.pending), n)
			copy(grown, d.pending)
			d.pending = grown
		}

		got, err := d.r.Read(d.pending[len(d.pending):n])
		d.pending = d.pending[:len(d.pending)+got]
		if len(d.pending) == n {
			break
		}

		if err != nil {
			if IsWouldBlock(err) {
				return nil, ErrWouldBlock
			}

			if err == io.EOF && len(d.pending) > 0 {
				err = io.ErrUnexpectedEOF
			}

			return nil, &IOError{Op: "read", Err: err}
		}

		if got == 0 {
			return nil, ErrWouldBlock
		}
	}

	return d.pending[:n], nil
}

func (d *Decoder) consume() {
	d.pending = d.pending[:0]
}
