//go:build linux || darwin

package pollserver

// outQueue holds bytes a connection could not take yet, in send order. Only
// the head entry is ever partially sent; cursor marks how far.
type outQueue struct {
	bufs   [][]byte
	cursor int
	size   int
}

// Push appends a private copy of p.
func (q *outQueue) Push(p []byte) {
	if len(p) == 0 {
		return
	}

	q.bufs = append(q.bufs, append([]byte(nil), p...))
	q.size += len(p)
}

// Head returns the unsent part of the oldest entry, or nil when empty.
func (q *outQueue) Head() []byte {
	if len(q.bufs) == 0 {
		return nil
	}

	return q.bufs[0][q.cursor:]
}

// Advance records that n bytes of Head were sent. An entry is dropped only
// once it has been sent completely.
func (q *outQueue) Advance(n int) {
	q.cursor += n
	q.size -= n
	if q.cursor == len(q.bufs[0]) {
		q.bufs[0] = nil
		q.bufs = q.bufs[1:]
		q.cursor = 0
	}
}

// Len returns the number of bytes still to send.
func (q *outQueue) Len() int { return q.size }

// Entries returns the number of buffers queued.
func (q *outQueue) Entries() int { return len(q.bufs) }

// Reset discards everything.
func (q *outQueue) Reset() {
	q.bufs = nil
	q.cursor = 0
	q.size = 0
}
