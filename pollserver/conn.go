//go:build linux || darwin

package pollserver

import (
	"golang.org/x/sys/unix"

	"github.com/cyberinferno/go-chatroom/logger"
	"github.com/cyberinferno/go-chatroom/session"
	"github.com/cyberinferno/go-chatroom/wire"
)

// rawConn is the non-blocking byte transport under a connection. Read and
// Write report "no progress" with an error for which wire.IsWouldBlock is
// true.
type rawConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Fd() int
}

type fdConn int

func (f fdConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(int(f), p)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func (f fdConn) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(int(f), p)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func (f fdConn) Close() error { return unix.Close(int(f)) }

func (f fdConn) Fd() int { return int(f) }

// conn is the loop's record of one client. It is also the session.Service
// its handler talks to; every method runs on the loop goroutine.
type conn struct {
	srv     *Server
	raw     rawConn
	addr    string
	log     logger.Logger
	handler *session.Handler

	// index is the position in srv.conns; the poll entry is at
	// index+fixedFds.
	index  int
	cursor int
	name   string
	out    outQueue

	// readDone: the session is over, only the backlog may still drain.
	// writeFailed: the socket refused a write; nothing more is sent.
	// overflow: the backlog hit the cap; the sweep tears the session down.
	readDone    bool
	writeFailed bool
	overflow    bool
}

var _ session.Service = (*conn)(nil)

func (c *conn) Identity() string { return c.addr }

func (c *conn) Join(name string) bool {
	if !c.srv.names.Join(name) {
		return false
	}

	c.name = name
	return true
}

func (c *conn) Online() []string { return c.srv.names.Snapshot() }

func (c *conn) Broadcast(message string, excluded ...string) {
	c.srv.broadcast(wire.TextFrame(message), excluded)
}

func (c *conn) Log(text string) { c.log.Info(text) }

func (c *conn) Send(message string) { c.srv.send(c, wire.TextFrame(message)) }

// Backlog returns the number of bytes waiting for the socket to drain.
func (c *conn) Backlog() int { return c.out.Len() }
