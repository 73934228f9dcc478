//go:build linux || darwin

package pollserver

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/cyberinferno/go-chatroom/session"
	"github.com/cyberinferno/go-chatroom/sockets"
	"github.com/cyberinferno/go-chatroom/wire"
)

// fakeRaw is an in-memory socket. budget is how many more bytes Write will
// take before reporting EAGAIN; a negative budget means unlimited.
type fakeRaw struct {
	in       bytes.Buffer
	out      bytes.Buffer
	eof      bool
	budget   int
	writeErr error
	writes   int
	closed   bool
}

func newFakeRaw() *fakeRaw { return &fakeRaw{budget: -1} }

func (f *fakeRaw) Read(p []byte) (int, error) {
	if f.in.Len() == 0 {
		if f.eof {
			return 0, nil
		}
		return 0, unix.EAGAIN
	}
	return f.in.Read(p)
}

func (f *fakeRaw) Write(p []byte) (int, error) {
	f.writes++
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.budget == 0 {
		return 0, unix.EAGAIN
	}

	n := len(p)
	if f.budget > 0 {
		if n > f.budget {
			n = f.budget
		}
		f.budget -= n
	}

	f.out.Write(p[:n])
	return n, nil
}

func (f *fakeRaw) Close() error {
	f.closed = true
	return nil
}

func (f *fakeRaw) Fd() int { return -1 }

// join runs the handshake for name through the loop's read path.
func join(t *testing.T, s *Server, addr, name string) (*conn, *fakeRaw) {
	t.Helper()

	raw := newFakeRaw()
	c := s.admit(raw, addr)
	require.NoError(t, wire.WriteString(&raw.in, name))
	for i := 0; i < 2; i++ {
		s.receive(c)
	}

	require.Equal(t, session.AwaitingPacketLength, c.handler.Status())
	return c, raw
}

// lines decodes every text frame in b.
func lines(t *testing.T, b []byte) []string {
	t.Helper()

	var out []string
	r := bytes.NewReader(b)
	for r.Len() > 0 {
		kind, err := wire.ReadInt32(r)
		require.NoError(t, err)
		require.Equal(t, wire.KindText, kind)
		line, err := wire.ReadString(r, 0)
		require.NoError(t, err)
		out = append(out, line)
	}

	return out
}

func TestJoinThroughReadPath(t *testing.T) {
	s := New(-1)
	alice, aliceRaw := join(t, s, "10.0.0.1:1000", "alice")
	_, bobRaw := join(t, s, "10.0.0.2:2000", "bob")

	assert.Equal(t, "alice", alice.name)
	assert.Equal(t, []string{"alice", "bob"}, s.Online())
	assert.Equal(t, []string{
		"Welcome to the chat room, alice.",
		"New user bob (10.0.0.2:2000) has joined the chat room.",
	}, lines(t, aliceRaw.out.Bytes()))
	assert.Equal(t, []string{"Welcome to the chat room, bob."}, lines(t, bobRaw.out.Bytes()))
}

func TestPartialFieldsAcrossReads(t *testing.T) {
	s := New(-1)
	raw := newFakeRaw()
	c := s.admit(raw, "10.0.0.1:1000")

	var hs bytes.Buffer
	require.NoError(t, wire.WriteString(&hs, "carol"))
	for _, b := range hs.Bytes() {
		raw.in.WriteByte(b)
		s.receive(c)
		s.receive(c)
	}

	assert.Equal(t, session.AwaitingPacketLength, c.handler.Status())
	assert.Equal(t, []string{"carol"}, s.Online())
}

func TestBacklogGrowsThenDrainsInOrder(t *testing.T) {
	s := New(-1, WithMaxBacklog(0))
	slow, raw := join(t, s, "10.0.0.1:1000", "slow")
	raw.out.Reset()
	raw.budget = 3

	var want bytes.Buffer
	prev := 0
	for i := 0; i < 5; i++ {
		frame := wire.TextFrame(strings.Repeat("x", 10+i))
		want.Write(frame)
		s.broadcast(frame, nil)

		assert.Greater(t, slow.Backlog(), prev)
		prev = slow.Backlog()
	}

	assert.Equal(t, want.Len()-3, slow.Backlog())
	assert.NotZero(t, s.fds[fixedFds+slow.index].Events&unix.POLLOUT)

	raw.budget = -1
	s.flush(slow)

	assert.Zero(t, slow.Backlog())
	assert.Equal(t, want.Bytes(), raw.out.Bytes())
	assert.Equal(t, int16(unix.POLLIN), s.fds[fixedFds+slow.index].Events)
}

func TestSlowPeerDoesNotDelayOthers(t *testing.T) {
	s := New(-1, WithMaxBacklog(0))
	_, slowRaw := join(t, s, "10.0.0.1:1000", "slow")
	_, fastRaw := join(t, s, "10.0.0.2:2000", "fast")
	slowRaw.budget = 0
	fastRaw.out.Reset()

	for i := 0; i < 100; i++ {
		s.broadcast(wire.TextFrame("tick"), nil)
	}

	assert.Len(t, lines(t, fastRaw.out.Bytes()), 100)
}

func TestWriteErrorStopsOnlyWrites(t *testing.T) {
	s := New(-1)
	broken, brokenRaw := join(t, s, "10.0.0.1:1000", "broken")
	_, okRaw := join(t, s, "10.0.0.2:2000", "ok")
	brokenRaw.writeErr = unix.EPIPE
	okRaw.out.Reset()

	s.broadcast(wire.TextFrame("one"), nil)
	writes := brokenRaw.writes
	s.broadcast(wire.TextFrame("two"), nil)

	assert.True(t, broken.writeFailed)
	assert.False(t, broken.readDone)
	assert.Equal(t, writes, brokenRaw.writes)
	assert.Contains(t, s.Online(), "broken")
	assert.Equal(t, []string{"one", "two"}, lines(t, okRaw.out.Bytes()))

	s.sweep()
	assert.Len(t, s.conns, 2)
}

func TestBacklogCapDisconnects(t *testing.T) {
	s := New(-1, WithMaxBacklog(64))
	slow, slowRaw := join(t, s, "10.0.0.1:1000", "slow")
	_, otherRaw := join(t, s, "10.0.0.2:2000", "other")
	slowRaw.budget = 0
	otherRaw.out.Reset()

	for i := 0; i < 10 && !slow.overflow; i++ {
		s.broadcast(wire.TextFrame(strings.Repeat("y", 20)), nil)
	}

	require.True(t, slow.overflow)
	assert.Zero(t, slow.Backlog())

	s.sweep()

	assert.True(t, slowRaw.closed)
	assert.Len(t, s.conns, 1)
	assert.Equal(t, []string{"other"}, s.Online())

	got := lines(t, otherRaw.out.Bytes())
	assert.Equal(t, "User slow (10.0.0.1:1000) has left the chat.", got[len(got)-1])
}

func TestRemoveSwapsWithLast(t *testing.T) {
	s := New(-1)
	a, _ := join(t, s, "10.0.0.1:1", "a")
	_, bRaw := join(t, s, "10.0.0.2:2", "b")
	c, _ := join(t, s, "10.0.0.3:3", "c")

	bRaw.eof = true
	s.receive(s.conns[1])
	s.sweep()

	require.Len(t, s.conns, 2)
	assert.Same(t, a, s.conns[0])
	assert.Same(t, c, s.conns[1])
	assert.Equal(t, 1, c.index)
	assert.Len(t, s.fds, fixedFds+2)
	assert.True(t, bRaw.closed)
	assert.Equal(t, []string{"a", "c"}, s.Online())
}

func TestRejectedClientStillGetsReply(t *testing.T) {
	s := New(-1)
	join(t, s, "10.0.0.1:1", "alice")

	raw := newFakeRaw()
	raw.budget = 10
	c := s.admit(raw, "10.0.0.2:2")
	require.NoError(t, wire.WriteString(&raw.in, "alice"))
	s.receive(c)
	s.receive(c)

	assert.True(t, c.readDone)
	assert.NotZero(t, c.Backlog())

	s.sweep()
	assert.False(t, raw.closed)

	raw.budget = -1
	s.flush(c)
	s.sweep()

	assert.True(t, raw.closed)
	assert.Equal(t, []string{"Sorry but alice is already online, why not choose another name?"}, lines(t, raw.out.Bytes()))
	assert.Equal(t, []string{"alice"}, s.Online())
}

type client struct {
	t    *testing.T
	conn net.Conn
}

func dial(t *testing.T, addr, name string) *client {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, wire.WriteString(conn, name))

	return &client{t: t, conn: conn}
}

func (c *client) say(kind int32, text string) {
	var b wire.Builder
	b.Int32(kind).String(text)
	require.NoError(c.t, wire.WriteFrame(c.conn, b.Bytes()))
}

func (c *client) line() string {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, err := wire.ReadInt32(c.conn)
	require.NoError(c.t, err)
	require.Equal(c.t, wire.KindText, kind)
	line, err := wire.ReadString(c.conn, 0)
	require.NoError(c.t, err)
	return line
}

func TestServerEndToEnd(t *testing.T) {
	fd, err := sockets.Listen("127.0.0.1", 0, 10)
	require.NoError(t, err)

	s := New(fd)
	require.NoError(t, s.Start())
	defer s.Stop()

	alice := dial(t, s.Addr(), "alice")
	assert.Equal(t, "Welcome to the chat room, alice.", alice.line())

	dup := dial(t, s.Addr(), "alice")
	assert.Equal(t, "Sorry but alice is already online, why not choose another name?", dup.line())
	require.NoError(t, dup.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = wire.ReadInt32(dup.conn)
	var ioErr *wire.IOError
	assert.True(t, errors.As(err, &ioErr))

	alice.say(wire.KindChat, "/online")
	assert.Equal(t, "There is 1 user online: alice.", alice.line())

	bob := dial(t, s.Addr(), "bob")
	assert.Equal(t, "Welcome to the chat room, bob.", bob.line())
	assert.True(t, strings.HasPrefix(alice.line(), "New user bob ("))

	alice.say(wire.KindChat, "hello")
	assert.Equal(t, "[alice] hello", alice.line())
	assert.Equal(t, "[alice] hello", bob.line())

	bob.conn.Close()
	assert.True(t, strings.HasPrefix(alice.line(), "User bob ("))
	assert.Eventually(t, func() bool { return len(s.Online()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	fd, err := sockets.Listen("127.0.0.1", 0, 10)
	require.NoError(t, err)

	s := New(fd)
	require.NoError(t, s.Start())
	s.Stop()
	s.Stop()
	assert.Empty(t, s.Online())
}

func TestStopWithoutStartClosesListener(t *testing.T) {
	fd, err := sockets.Listen("127.0.0.1", 0, 10)
	require.NoError(t, err)

	s := New(fd)
	s.Stop()

	_, err = unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	assert.ErrorIs(t, err, unix.EBADF)
	assert.Error(t, s.Start())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestStopAfterLoopExited(t *testing.T) {
	fd, err := sockets.Listen("127.0.0.1", 0, 10)
	require.NoError(t, err)

	s := New(fd)
	require.NoError(t, s.Start())

	// Ends the loop the way a poll failure does, without going through Stop.
	s.running.Store(false)
	_, err = unix.Write(s.wakeW, []byte{0})
	require.NoError(t, err)
	<-s.Done()

	s.Stop()
	assert.NoError(t, s.Err())

	_, err = unix.FcntlInt(uintptr(s.wakeW), unix.F_GETFD, 0)
	assert.ErrorIs(t, err, unix.EBADF)
}
