package procserver

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/semaphore"

	"github.com/cyberinferno/go-chatroom/session"
	"github.com/cyberinferno/go-chatroom/wire"
)

// Request kinds carried on the bus. Every request starts with the sender's
// connection id and one of these.
const (
	kindJoin int32 = iota
	kindLeave
	kindBroadcast
	kindOnline
)

// Join replies.
const (
	joinAccepted int32 = 0
	joinTaken    int32 = 1
)

func kindName(kind int32) string {
	switch kind {
	case kindJoin:
		return "join"
	case kindLeave:
		return "leave"
	case kindBroadcast:
		return "broadcast"
	case kindOnline:
		return "online"
	default:
		return fmt.Sprintf("kind(%d)", kind)
	}
}

// request is the fixed header of a bus message.
type request struct {
	id   uint32
	kind int32
}

func (r request) String() string { return fmt.Sprintf("%d:%s", r.id, kindName(r.kind)) }

// signalCapacity bounds how many posts a signal can hold unconsumed.
const signalCapacity = 1 << 30

// signal is a counting semaphore that starts at zero: post adds one, wait
// blocks until it can take one.
type signal struct {
	sem *semaphore.Weighted
}

func newSignal() *signal {
	sem := semaphore.NewWeighted(signalCapacity)
	_ = sem.Acquire(context.Background(), signalCapacity)
	return &signal{sem: sem}
}

func (s *signal) post() { s.sem.Release(1) }

func (s *signal) wait(ctx context.Context) error { return s.sem.Acquire(ctx, 1) }

func (s *signal) tryWait() bool { return s.sem.TryAcquire(1) }

// writeHeader starts a bus message.
func writeHeader(w io.Writer, req request) error {
	if err := wire.WriteInt32(w, int32(req.id)); err != nil {
		return err
	}

	return wire.WriteInt32(w, req.kind)
}

func readHeader(r *bufio.Reader) (request, error) {
	id, err := wire.ReadInt32(r)
	if err != nil {
		return request{}, err
	}

	kind, err := wire.ReadInt32(r)
	if err != nil {
		return request{}, err
	}

	return request{id: uint32(id), kind: kind}, nil
}

// writeBroadcast encodes the broadcast payload: the message, then the count
// of excluded names and the names themselves.
func writeBroadcast(w io.Writer, message string, excluded []string) error {
	if err := wire.WriteString(w, message); err != nil {
		return err
	}

	return writeNames(w, excluded)
}

func readBroadcast(r io.Reader) (string, []string, error) {
	message, err := wire.ReadString(r, 0)
	if err != nil {
		return "", nil, err
	}

	excluded, err := readNames(r)
	if err != nil {
		return "", nil, err
	}

	return message, excluded, nil
}

func writeNames(w io.Writer, names []string) error {
	if err := wire.WriteInt32(w, int32(len(names))); err != nil {
		return err
	}

	for _, name := range names {
		if err := wire.WriteString(w, name); err != nil {
			return err
		}
	}

	return nil
}

func readNames(r io.Reader) ([]string, error) {
	count, err := wire.ReadInt32(r)
	if err != nil {
		return nil, err
	}

	if count < 0 {
		return nil, &wire.ProtocolError{Field: "name count", Reason: fmt.Sprintf("negative count %d", count)}
	}

	names := make([]string, 0, count)
	for i := int32(0); i < count; i++ {
		name, err := wire.ReadString(r, session.MaxNameLength)
		if err != nil {
			return nil, err
		}

		names = append(names, name)
	}

	return names, nil
}
