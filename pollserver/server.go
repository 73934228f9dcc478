//go:build linux || darwin

// Package pollserver runs the chat room on a single goroutine: one poll(2)
// loop over the listening socket and every client socket, all non-blocking.
// Reads advance a cursor into the field the session asks for; writes that the
// kernel will not take are queued per connection and flushed when the socket
// becomes writable, so a slow reader never stalls anyone else.
package pollserver

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/cyberinferno/go-chatroom/logger"
	"github.com/cyberinferno/go-chatroom/registry"
	"github.com/cyberinferno/go-chatroom/session"
	"github.com/cyberinferno/go-chatroom/sockets"
	"github.com/cyberinferno/go-chatroom/wire"
)

// DefaultMaxBacklog caps the bytes queued for one connection. A peer that
// falls further behind is disconnected.
const DefaultMaxBacklog = 4 << 20

// Poll entries before the first connection: the wake pipe, then the listener.
const (
	wakeSlot = iota
	listenSlot
	fixedFds
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the diagnostic sink.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithStyle sets the formatting of server lines.
func WithStyle(style session.Style) Option {
	return func(s *Server) { s.style = style }
}

// WithMaxPacket bounds client packets; see session.WithMaxPacket.
func WithMaxPacket(n int) Option {
	return func(s *Server) { s.maxPacket = n }
}

// WithMaxBacklog caps the per-connection backlog in bytes. 0 disables the
// cap and lets a stalled peer grow its backlog without bound.
func WithMaxBacklog(n int) Option {
	return func(s *Server) { s.maxBacklog = n }
}

// Server is the event-loop engine. Start runs the loop on its own goroutine;
// everything else about a connection happens on that goroutine.
type Server struct {
	log        logger.Logger
	style      session.Style
	maxPacket  int
	maxBacklog int
	names      *registry.Names

	listenFd int
	wakeR    int
	wakeW    int

	fds   []unix.PollFd
	conns []*conn

	started  atomic.Bool
	running  atomic.Bool
	done     chan struct{}
	failure  error
	stopOnce sync.Once
}

// New creates a Server that will accept on listenFd, a non-blocking
// listening socket such as the one sockets.Listen returns. The Server owns
// the descriptor from here on.
func New(listenFd int, opts ...Option) *Server {
	s := &Server{
		log:        logger.Nop(),
		style:      session.PlainStyle{},
		maxPacket:  session.DefaultMaxPacket,
		maxBacklog: DefaultMaxBacklog,
		names:      registry.NewNames(),
		listenFd:   listenFd,
		wakeR:      -1,
		wakeW:      -1,
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.fds = []unix.PollFd{
		wakeSlot:   {Fd: -1},
		listenSlot: {Fd: int32(listenFd), Events: unix.POLLIN},
	}

	return s
}

// Start opens the wake pipe and runs the loop in a goroutine.
//
// Returns:
//   - An error if the server already ran or the wake pipe cannot be created
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("poll server already started")
	}

	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		s.started.Store(false)
		return fmt.Errorf("create wake pipe: %w", err)
	}

	for _, fd := range p {
		unix.CloseOnExec(fd)
		_ = unix.SetNonblock(fd, true)
	}

	s.wakeR, s.wakeW = p[0], p[1]
	s.fds[wakeSlot] = unix.PollFd{Fd: int32(s.wakeR), Events: unix.POLLIN}

	if addr, err := sockets.LocalAddress(s.listenFd); err == nil {
		s.log.Info("chat room server is ready", logger.Field{Key: "addr", Value: addr}, logger.Field{Key: "engine", Value: "poll"})
	}

	s.running.Store(true)
	go s.loop()
	return nil
}

// Stop wakes the loop, waits for it to close every connection and the
// listener, and returns. A server that never started just closes its
// listener and cannot be started afterwards. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.started.CompareAndSwap(false, true) {
			_ = unix.Close(s.listenFd)
			close(s.done)
			return
		}

		s.running.Store(false)
		select {
		case <-s.done:
		default:
			_, _ = unix.Write(s.wakeW, []byte{0})
			<-s.done
		}

		_ = unix.Close(s.wakeR)
		_ = unix.Close(s.wakeW)
	})
}

// Done is closed once the loop has exited, either through Stop or because
// poll failed. The caller should call Stop in both cases.
func (s *Server) Done() <-chan struct{} { return s.done }

// Err returns the failure that ended the loop, or nil. Only meaningful once
// Done is closed.
func (s *Server) Err() error { return s.failure }

// Addr returns the address the listener is bound to.
func (s *Server) Addr() string {
	addr, err := sockets.LocalAddress(s.listenFd)
	if err != nil {
		return ""
	}

	return addr
}

// Online returns a snapshot of the names currently online.
func (s *Server) Online() []string { return s.names.Snapshot() }

func (s *Server) loop() {
	defer close(s.done)
	defer s.shutdown()

	for s.running.Load() {
		if _, err := unix.Poll(s.fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}

			s.log.Error("poll failed", logger.Field{Key: "error", Value: err})
			s.failure = fmt.Errorf("poll: %w", err)
			return
		}

		if s.fds[wakeSlot].Revents != 0 {
			var b [16]byte
			_, _ = unix.Read(s.wakeR, b[:])
			if !s.running.Load() {
				return
			}
		}

		if s.fds[listenSlot].Revents&unix.POLLIN != 0 {
			s.acceptAll()
		}

		// Connections admitted above have no events yet; servicing the
		// earlier ones in slice order keeps one fixed order per cycle.
		for i := 0; i < len(s.conns); i++ {
			if rev := s.fds[fixedFds+i].Revents; rev != 0 {
				s.service(s.conns[i], rev)
			}
		}

		s.sweep()
	}
}

func (s *Server) acceptAll() {
	for {
		fd, sa, err := unix.Accept(s.listenFd)
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.EINTR:
				return
			case unix.ECONNABORTED:
				continue
			default:
				s.log.Error("accept failed", logger.Field{Key: "error", Value: err})
				return
			}
		}

		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			s.log.Error("cannot make client socket non-blocking", logger.Field{Key: "error", Value: err})
			_ = unix.Close(fd)
			continue
		}

		s.admit(fdConn(fd), sockets.PeerAddress(sa))
	}
}

func (s *Server) admit(raw rawConn, addr string) *conn {
	c := &conn{
		srv:   s,
		raw:   raw,
		addr:  addr,
		log:   s.log.With(logger.Field{Key: "peer", Value: addr}),
		index: len(s.conns),
	}
	c.handler = session.New(c, session.WithStyle(s.style), session.WithMaxPacket(s.maxPacket))

	s.conns = append(s.conns, c)
	s.fds = append(s.fds, unix.PollFd{Fd: int32(raw.Fd()), Events: unix.POLLIN})
	c.log.Debug("connection accepted")
	return c
}

func (s *Server) service(c *conn, rev int16) {
	if rev&unix.POLLNVAL != 0 {
		s.terminate(c)
		c.writeFailed = true
		return
	}

	if rev&unix.POLLOUT != 0 {
		s.flush(c)
	}

	if !c.readDone && rev&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		s.receive(c)
	}

	if c.readDone && rev&(unix.POLLHUP|unix.POLLERR) != 0 && c.out.Len() > 0 {
		// Nobody is left to drain the backlog.
		c.writeFailed = true
	}
}

// receive performs one read towards the field the handler wants.
func (s *Server) receive(c *conn) {
	want := c.handler.Next()
	if len(want) == 0 {
		s.terminate(c)
		return
	}

	n, err := c.raw.Read(want[c.cursor:])
	if err != nil {
		if wire.IsWouldBlock(err) {
			return
		}

		c.log.Debug("read failed", logger.Field{Key: "error", Value: err})
		s.terminate(c)
		return
	}

	if n == 0 {
		s.terminate(c)
		return
	}

	c.cursor += n
	if c.cursor == len(want) {
		c.cursor = 0
		c.handler.Filled()
	}

	if len(c.handler.Next()) == 0 {
		if err := c.handler.Err(); err != nil {
			c.log.Warn("protocol error", logger.Field{Key: "error", Value: err})
		}
		s.terminate(c)
	}
}

// terminate ends the session: the leave announcement goes out, the name is
// released and reading stops. The socket stays open until the sweep sees its
// backlog drained.
func (s *Server) terminate(c *conn) {
	if c.readDone {
		return
	}

	c.readDone = true
	c.handler.Close()
	if c.name != "" {
		s.names.Leave(c.name)
		c.name = ""
	}

	s.updateInterest(c)
}

func (s *Server) send(c *conn, frame []byte) {
	if c.writeFailed || c.overflow {
		return
	}

	if c.out.Len() == 0 {
		n, err := c.raw.Write(frame)
		if err != nil && !wire.IsWouldBlock(err) {
			c.log.Debug("write failed", logger.Field{Key: "error", Value: err})
			c.writeFailed = true
			return
		}

		frame = frame[n:]
		if len(frame) == 0 {
			return
		}
	}

	if s.maxBacklog > 0 && c.out.Len()+len(frame) > s.maxBacklog {
		c.log.Warn("backlog limit reached, disconnecting", logger.Field{Key: "backlog", Value: c.out.Len()})
		c.overflow = true
		c.out.Reset()
		s.updateInterest(c)
		return
	}

	c.out.Push(frame)
	s.updateInterest(c)
}

func (s *Server) flush(c *conn) {
	for c.out.Len() > 0 && !c.writeFailed {
		n, err := c.raw.Write(c.out.Head())
		if n > 0 {
			c.out.Advance(n)
		}

		if err != nil {
			if !wire.IsWouldBlock(err) {
				c.log.Debug("write failed", logger.Field{Key: "error", Value: err})
				c.writeFailed = true
				c.out.Reset()
			}
			break
		}

		if n == 0 {
			break
		}
	}

	s.updateInterest(c)
}

func (s *Server) broadcast(frame []byte, excluded []string) {
	for _, c := range s.conns {
		if c.name == "" || c.readDone || contains(excluded, c.name) {
			continue
		}

		s.send(c, frame)
	}
}

func (s *Server) updateInterest(c *conn) {
	var events int16
	if !c.readDone {
		events |= unix.POLLIN
	}

	if c.out.Len() > 0 && !c.writeFailed {
		events |= unix.POLLOUT
	}

	s.fds[fixedFds+c.index].Events = events
}

// sweep tears down sessions whose backlog overflowed, then releases every
// finished connection with nothing left to send. Tearing one session down
// broadcasts, which may overflow another, hence the loop.
func (s *Server) sweep() {
	for again := true; again; {
		again = false
		for _, c := range s.conns {
			if c.overflow && !c.readDone {
				s.terminate(c)
				again = true
			}
		}
	}

	for i := len(s.conns) - 1; i >= 0; i-- {
		c := s.conns[i]
		if c.readDone && (c.out.Len() == 0 || c.writeFailed || c.overflow) {
			s.remove(i)
		}
	}
}

// remove closes conns[i] and compacts the poll set by moving the last entry
// into its place.
func (s *Server) remove(i int) {
	c := s.conns[i]
	if err := c.raw.Close(); err != nil {
		c.log.Debug("close failed", logger.Field{Key: "error", Value: err})
	}

	c.out.Reset()
	c.log.Debug("connection closed")

	last := len(s.conns) - 1
	if i != last {
		s.conns[i] = s.conns[last]
		s.fds[fixedFds+i] = s.fds[fixedFds+last]
		s.conns[i].index = i
	}

	s.conns[last] = nil
	s.conns = s.conns[:last]
	s.fds = s.fds[:fixedFds+last]
}

func (s *Server) shutdown() {
	for i := len(s.conns) - 1; i >= 0; i-- {
		s.conns[i].readDone = true
		s.remove(i)
	}

	s.names.Reset()
	_ = unix.Close(s.listenFd)

	s.log.Info("chat room server stopped", logger.Field{Key: "engine", Value: "poll"})
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}

	return false
}
