// Package chatclient provides an event-driven chat room client. It performs
// the name handshake, decodes server lines, and notifies callers of lines,
// connection state changes and errors via registered handlers.
package chatclient

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cyberinferno/go-chatroom/wire"
)

// ConnectionState represents the current state of the client.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected
	Connecting                          // Dial and handshake in progress
	Connected                           // Handshake sent, lines are being read
	Closed                              // Close was called; the client cannot be reused
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ErrUnexpectedKind is reported when the server sends a frame that is not a
// text line, which is its way of asking the client to leave.
var ErrUnexpectedKind = errors.New("unexpected frame kind")

// StateEvent is emitted when the connection state changes.
type StateEvent struct {
	State     ConnectionState // The new state
	Address   string          // The server address
	Timestamp time.Time       // When the change occurred
	Error     error           // Non-nil if the change was caused by an error
}

// LineEvent carries one line of text from the server.
type LineEvent struct {
	Line      string
	Timestamp time.Time
}

// ErrorEvent is emitted when a read or write fails.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

// Handlers run on the client's read goroutine, in the order events happen.
// A handler that blocks stalls reading.
type (
	StateHandler func(event StateEvent)
	LineHandler  func(event LineEvent)
	ErrorHandler func(event ErrorEvent)
)

// Config holds client settings.
type Config struct {
	// Address is the "host:port" of the server.
	Address string
	// Name is the display name sent in the handshake.
	Name string
	// WriteTimeout bounds a single packet write; 0 means no timeout.
	WriteTimeout time.Duration
	// ConnectionTimeout bounds the dial.
	ConnectionTimeout time.Duration
	// MaxLine bounds a server line in bytes; 0 means no bound.
	MaxLine int
}

// DefaultConfig returns a Config for connecting to address as name.
//
// Returns:
//   - A Config with WriteTimeout 10s, ConnectionTimeout 10s and MaxLine 16 MiB
func DefaultConfig(address, name string) Config {
	return Config{
		Address:           address,
		Name:              name,
		WriteTimeout:      10 * time.Second,
		ConnectionTimeout: 10 * time.Second,
		MaxLine:           16 << 20,
	}
}

// Client is a chat room connection. Register handlers, then call Connect.
// Send methods are safe for concurrent use.
type Client struct {
	config Config
	conn   net.Conn
	state  ConnectionState

	onState StateHandler
	onLine  LineHandler
	onError ErrorHandler

	mu       sync.RWMutex
	writeMu  sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
	started  bool
	closed   bool
}

// New creates a client in the Disconnected state.
func New(config Config) *Client {
	return &Client{
		config: config,
		state:  Disconnected,
		done:   make(chan struct{}),
	}
}

// OnState registers the handler for state changes. Pass nil to clear it.
func (c *Client) OnState(handler StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = handler
}

// OnLine registers the handler for server lines. Pass nil to clear it.
func (c *Client) OnLine(handler LineHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLine = handler
}

// OnError registers the handler for read and write errors. Pass nil to
// clear it.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect dials the server, sends the handshake and starts reading lines.
// A Client connects at most once.
//
// Returns:
//   - nil on success; an error if the client is closed or was connected before,
//     the name is not acceptable, or the dial or handshake fails
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("client already used")
	}
	c.started = true
	c.mu.Unlock()

	if n := len(c.config.Name); n == 0 || n >= 64 {
		return fmt.Errorf("name must be 1 to 63 bytes, got %d", n)
	}

	c.setState(Connecting, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.Dial("tcp", c.config.Address)
	if err != nil {
		c.setState(Disconnected, err)
		c.emitError(err)
		return err
	}

	if err := c.write(conn, func(b *wire.Builder) { b.String(c.config.Name) }, false); err != nil {
		_ = conn.Close()
		c.setState(Disconnected, err)
		c.emitError(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("client is closed")
	}
	c.conn = conn
	c.mu.Unlock()

	c.setState(Connected, nil)

	c.wg.Add(1)
	go c.readLoop(conn)

	return nil
}

// Chat sends text as a chat line. The server broadcasts it unchanged.
func (c *Client) Chat(text string) error { return c.packet(wire.KindChat, text) }

// Command sends text as a command, without the leading slash.
func (c *Client) Command(text string) error { return c.packet(wire.KindCommand, text) }

// Submit sends a line typed by a user: "/cmd args" runs a command, "//text"
// sends the chat line "/text", anything else is chat. Empty lines are
// ignored.
func (c *Client) Submit(line string) error {
	switch {
	case line == "":
		return nil
	case strings.HasPrefix(line, "//"):
		return c.Chat(line[1:])
	case strings.HasPrefix(line, "/"):
		return c.Command(line[1:])
	default:
		return c.Chat(line)
	}
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Done is closed once the read loop has ended, whether the server went away
// or Close was called.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close shuts the connection and waits for the read loop. Idempotent.
//
// Returns:
//   - nil
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	c.wg.Wait()
	c.closeDone()
	c.setState(Closed, nil)

	return nil
}

func (c *Client) packet(kind int32, text string) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return fmt.Errorf("not connected")
	}

	err := c.write(conn, func(b *wire.Builder) { b.Int32(kind).String(text) }, true)
	if err != nil {
		c.emitError(err)
	}

	return err
}

// write sends one packet. Packets after the handshake carry their own
// length prefix.
func (c *Client) write(conn net.Conn, build func(*wire.Builder), framed bool) error {
	var b wire.Builder
	build(&b)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}

		defer func() {
			_ = conn.SetWriteDeadline(time.Time{})
		}()
	}

	if framed {
		return wire.WriteFrame(conn, b.Bytes())
	}

	_, err := conn.Write(b.Bytes())
	if err != nil {
		return &wire.IOError{Op: "write", Err: err}
	}

	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer c.closeDone()

	dec := wire.NewDecoder(conn)
	for {
		line, err := c.readLine(dec)
		if err != nil {
			if c.isClosed() {
				return
			}

			c.emitError(err)
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			_ = conn.Close()
			c.setState(Disconnected, err)
			return
		}

		c.emitLine(line)
	}
}

// readLine decodes one server frame. The connection blocks, so a
// would-block only means a read returned no bytes; the decoder keeps what
// arrived and the field is resumed.
func (c *Client) readLine(dec *wire.Decoder) (string, error) {
	kind, err := dec.Int32()
	for errors.Is(err, wire.ErrWouldBlock) {
		kind, err = dec.Int32()
	}
	if err != nil {
		return "", err
	}

	if kind != wire.KindText {
		return "", fmt.Errorf("%w %d", ErrUnexpectedKind, kind)
	}

	line, err := dec.String(c.config.MaxLine)
	for errors.Is(err, wire.ErrWouldBlock) {
		line, err = dec.String(c.config.MaxLine)
	}

	return line, err
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	handler := c.onState
	c.mu.Unlock()

	if handler != nil {
		handler(StateEvent{
			State:     state,
			Address:   c.config.Address,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}

func (c *Client) emitLine(line string) {
	c.mu.RLock()
	handler := c.onLine
	c.mu.RUnlock()

	if handler != nil {
		handler(LineEvent{Line: line, Timestamp: time.Now()})
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		handler(ErrorEvent{Error: err, Timestamp: time.Now()})
	}
}

func (c *Client) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
