// Package procserver runs the chat room with one isolated worker per
// connection and a single coordinator that owns the name registry and the
// table of connections. Workers reach shared state only by writing requests
// onto a bus pipe; the coordinator applies them in the order they were
// written and answers each worker on its private response pipe.
package procserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cyberinferno/go-chatroom/logger"
	"github.com/cyberinferno/go-chatroom/registry"
	"github.com/cyberinferno/go-chatroom/session"
	"github.com/cyberinferno/go-chatroom/wire"
)

// DefaultWriteTimeout bounds a single write to a client socket.
const DefaultWriteTimeout = 5 * time.Second

// CoordinationError reports a failure of the shared coordination state. Op
// is "pipe" when the bus pipe could not be created and "bus" when a request
// on it could not be decoded.
type CoordinationError struct {
	Op  string
	Err error
}

func (e *CoordinationError) Error() string { return fmt.Sprintf("coordination %s: %v", e.Op, e.Err) }

func (e *CoordinationError) Unwrap() error { return e.Err }

// Option configures a Server.
type Option func(*Server)

// WithName sets the name used in log lines.
func WithName(name string) Option {
	return func(s *Server) { s.name = name }
}

// WithLogger sets the diagnostic sink.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithStyle sets the formatting of server lines.
func WithStyle(style session.Style) Option {
	return func(s *Server) { s.style = style }
}

// WithWriteTimeout bounds each write to a client; 0 means no bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithMaxPacket bounds client packets; see session.WithMaxPacket.
func WithMaxPacket(n int) Option {
	return func(s *Server) { s.maxPacket = n }
}

// Server is the process-isolated engine.
type Server struct {
	name         string
	log          logger.Logger
	style        session.Style
	writeTimeout time.Duration
	maxPacket    int

	ln    net.Listener
	names *registry.Names

	logMu   *semaphore.Weighted
	busMu   *semaphore.Weighted
	pending *signal
	wake    chan struct{}
	busR    *os.File
	busW    *os.File

	// Owned by the coordinator goroutine.
	blocks map[uint32]*controlBlock
	nextID uint32

	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	coordDone chan struct{}
	failure   error
	workers   sync.WaitGroup
	stopOnce  sync.Once

	newPipe func() (*os.File, *os.File, error)
}

// New creates a Server that will accept on ln. The Server owns ln from
// here on and closes it on Stop.
func New(ln net.Listener, opts ...Option) *Server {
	s := &Server{
		name:         "chat room",
		log:          logger.Nop(),
		style:        session.PlainStyle{},
		writeTimeout: DefaultWriteTimeout,
		maxPacket:    session.DefaultMaxPacket,
		ln:           ln,
		names:        registry.NewNames(),
		logMu:        semaphore.NewWeighted(1),
		busMu:        semaphore.NewWeighted(1),
		pending:      newSignal(),
		wake:         make(chan struct{}, 1),
		blocks:       make(map[uint32]*controlBlock),
		coordDone:    make(chan struct{}),
		newPipe:      os.Pipe,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start creates the bus and runs the coordinator and accept loop in
// goroutines.
//
// Returns:
//   - An error if the server is already running, or a *CoordinationError if
//     the bus pipe cannot be created
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Error("server already running")
		return fmt.Errorf("%s server already running", s.name)
	}

	r, w, err := s.newPipe()
	if err != nil {
		s.running.Store(false)
		s.log.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return &CoordinationError{Op: "pipe", Err: err}
	}

	s.busR, s.busW = r, w
	s.ctx, s.cancel = context.WithCancel(context.Background())

	accepted := make(chan net.Conn)
	go s.acceptLoop(accepted)
	go s.coordinate(accepted)

	s.log.Info(fmt.Sprintf("%s server is ready", s.name), logger.Field{Key: "addr", Value: s.Addr()}, logger.Field{Key: "engine", Value: "proc"})
	return nil
}

// Stop closes the listener and every connection, and waits for the
// coordinator and all workers to finish. Safe to call when the server is
// not running.
func (s *Server) Stop() {
	if !s.running.Load() {
		s.log.Info(fmt.Sprintf("%s server not running", s.name))
		return
	}

	s.stopOnce.Do(func() {
		s.running.Store(false)
		s.cancel()
		_ = s.ln.Close()

		<-s.coordDone
		s.workers.Wait()

		for id, cb := range s.blocks {
			cb.close()
			delete(s.blocks, id)
		}

		_ = s.busR.Close()
		_ = s.busW.Close()
		s.names.Reset()

		s.log.Info(fmt.Sprintf("%s server stopped", s.name))
	})
}

// Done is closed when the coordinator has exited, either through Stop or
// because the bus failed. The caller should call Stop in both cases.
func (s *Server) Done() <-chan struct{} { return s.coordDone }

// Err returns the bus failure that ended the coordinator, or nil. Only
// meaningful once Done is closed.
func (s *Server) Err() error { return s.failure }

// Addr returns the address the listener is bound to.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Online returns a snapshot of the names currently online.
func (s *Server) Online() []string { return s.names.Snapshot() }

// announce tells the coordinator one more request is on its way.
func (s *Server) announce() {
	s.pending.post()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Server) acceptLoop(accepted chan<- net.Conn) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			s.log.Error(fmt.Sprintf("%s server accept error", s.name), logger.Field{Key: "error", Value: err})
			continue
		}

		select {
		case accepted <- conn:
		case <-s.ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

// coordinate is the only goroutine that touches the registry's writers and
// the control block table.
func (s *Server) coordinate(accepted <-chan net.Conn) {
	defer close(s.coordDone)
	defer s.teardown()

	bus := bufio.NewReader(s.busR)
	for {
		select {
		case <-s.ctx.Done():
			return
		case conn := <-accepted:
			s.admit(conn)
		case <-s.wake:
		}

		for s.pending.tryWait() {
			if err := s.serve(bus); err != nil {
				if s.ctx.Err() == nil {
					s.log.Error("bus failure, shutting down", logger.Field{Key: "error", Value: err})
					s.failure = &CoordinationError{Op: "bus", Err: err}
					s.cancel()
				}
				return
			}
		}
	}
}

func (s *Server) admit(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	respR, respW, err := s.newPipe()
	if err != nil {
		s.log.Error("cannot create response pipe, dropping connection", logger.Field{Key: "peer", Value: addr}, logger.Field{Key: "error", Value: err})
		_ = conn.Close()
		return
	}

	s.nextID++
	cb := &controlBlock{
		id:     s.nextID,
		conn:   conn,
		addr:   addr,
		respR:  respR,
		respW:  respW,
		sockMu: semaphore.NewWeighted(1),
		ready:  newSignal(),
		exited: make(chan struct{}),
	}
	s.blocks[cb.id] = cb

	s.workers.Add(1)
	go newWorker(s, cb).run()
}

// serve applies one request from the bus. The sender is released as soon
// as its header is read; the reply follows on its response pipe.
func (s *Server) serve(bus *bufio.Reader) error {
	req, err := readHeader(bus)
	if err != nil {
		return err
	}

	cb, ok := s.blocks[req.id]
	if !ok {
		return fmt.Errorf("request %s from unknown connection", req)
	}

	s.log.Debug("bus request", logger.Field{Key: "conn", Value: req.id}, logger.Field{Key: "kind", Value: kindName(req.kind)})

	if req.kind != kindLeave {
		cb.ready.post()
	}

	switch req.kind {
	case kindJoin:
		name, err := wire.ReadString(bus, session.MaxNameLength)
		if err != nil {
			return err
		}

		status := joinTaken
		if s.names.Join(name) {
			cb.name = name
			status = joinAccepted
		}

		s.respond(cb, func(w *bufio.Writer) error { return wire.WriteInt32(w, status) })

	case kindLeave:
		s.release(cb)

	case kindBroadcast:
		message, excluded, err := readBroadcast(bus)
		if err != nil {
			return err
		}

		s.broadcast(message, excluded)

	case kindOnline:
		names := s.names.Snapshot()
		s.respond(cb, func(w *bufio.Writer) error { return writeNames(w, names) })

	default:
		return &wire.ProtocolError{Field: "request kind", Reason: kindName(req.kind)}
	}

	return nil
}

func (s *Server) respond(cb *controlBlock, body func(*bufio.Writer) error) {
	w := bufio.NewWriter(cb.respW)
	err := body(w)
	if err == nil {
		err = w.Flush()
	}

	if err != nil {
		s.log.Warn("response failed", logger.Field{Key: "peer", Value: cb.addr}, logger.Field{Key: "error", Value: err})
	}
}

// release waits for the worker to finish, then frees its name and its
// resources.
func (s *Server) release(cb *controlBlock) {
	<-cb.exited

	if cb.name != "" {
		s.names.Leave(cb.name)
	}

	delete(s.blocks, cb.id)
	cb.close()
	s.log.Debug("connection closed", logger.Field{Key: "peer", Value: cb.addr})
}

func (s *Server) broadcast(message string, excluded []string) {
	frame := wire.TextFrame(message)
	for _, id := range slices.Sorted(maps.Keys(s.blocks)) {
		cb := s.blocks[id]
		if cb.name == "" || slices.Contains(excluded, cb.name) {
			continue
		}

		if err := cb.write(s.ctx, frame, s.writeTimeout); err != nil {
			s.log.Warn("broadcast delivery failed", logger.Field{Key: "peer", Value: cb.addr}, logger.Field{Key: "error", Value: err})
		}
	}
}

// teardown unblocks every worker: sockets are closed so reads fail, and
// response pipes are closed so waits for replies end.
func (s *Server) teardown() {
	for _, cb := range s.blocks {
		_ = cb.conn.Close()
		_ = cb.respW.Close()
	}

	_ = s.busR.Close()
}
