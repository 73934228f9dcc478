package session

import (
	"fmt"
	"strings"

	"github.com/cyberinferno/go-chatroom/wire"
)

// Status is the protocol field a Handler is waiting for.
type Status int

const (
	AwaitingNameLength Status = iota
	AwaitingNameBytes
	AwaitingPacketLength
	AwaitingPacketBytes
	Terminated
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case AwaitingNameLength:
		return "AwaitingNameLength"
	case AwaitingNameBytes:
		return "AwaitingNameBytes"
	case AwaitingPacketLength:
		return "AwaitingPacketLength"
	case AwaitingPacketBytes:
		return "AwaitingPacketBytes"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// MaxNameLength is the exclusive upper bound on a handshake name in bytes.
const MaxNameLength = 64

// DefaultMaxPacket bounds a single client packet unless WithMaxPacket says
// otherwise.
const DefaultMaxPacket = 1 << 20

// Option configures a Handler.
type Option func(*Handler)

// WithStyle sets the formatting applied to server-generated lines.
func WithStyle(style Style) Option {
	return func(h *Handler) {
		if style != nil {
			h.style = style
		}
	}
}

// WithMaxPacket bounds client packets to n bytes. n <= 0 removes the bound.
func WithMaxPacket(n int) Option {
	return func(h *Handler) { h.maxPacket = n }
}

// WithCommands replaces the default command table.
func WithCommands(c *Commands) Option {
	return func(h *Handler) {
		if c != nil {
			h.commands = c
		}
	}
}

// Handler is the protocol state machine of one connection. The engine asks
// Next for the bytes to read, fills them completely, then calls Filled. An
// empty Next means the session is over and the engine must tear the
// connection down and call Close.
//
// A Handler is owned by a single goroutine.
type Handler struct {
	svc       Service
	style     Style
	commands  *Commands
	maxPacket int

	status Status
	length [4]byte
	body   []byte
	err    error

	name   string
	joined bool
	closed bool
}

// New creates a Handler waiting for the handshake name length.
func New(svc Service, opts ...Option) *Handler {
	h := &Handler{
		svc:       svc,
		style:     PlainStyle{},
		commands:  DefaultCommands(),
		maxPacket: DefaultMaxPacket,
		status:    AwaitingNameLength,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Next returns the slice the engine must fill before calling Filled. Its
// length is the number of bytes wanted. The slice is empty once the session
// has terminated.
func (h *Handler) Next() []byte {
	switch h.status {
	case AwaitingNameLength, AwaitingPacketLength:
		return h.length[:]
	case AwaitingNameBytes, AwaitingPacketBytes:
		return h.body
	default:
		return nil
	}
}

// Filled tells the handler that the slice from Next is complete and advances
// the state machine, possibly calling into the Service.
func (h *Handler) Filled() {
	switch h.status {
	case AwaitingNameLength:
		n := h.lengthField()
		if n <= 0 || n >= MaxNameLength {
			h.fail(&wire.ProtocolError{Field: "name length", Reason: fmt.Sprintf("%d outside 1..%d", n, MaxNameLength-1)})
			return
		}

		h.body = make([]byte, n)
		h.status = AwaitingNameBytes

	case AwaitingNameBytes:
		name := wire.CString(h.body)
		h.body = nil
		if name == "" {
			h.fail(&wire.ProtocolError{Field: "name", Reason: "empty"})
			return
		}

		h.attemptJoin(name)

	case AwaitingPacketLength:
		n := h.lengthField()
		if n <= 0 || (h.maxPacket > 0 && int(n) > h.maxPacket) {
			h.fail(&wire.ProtocolError{Field: "packet length", Reason: fmt.Sprintf("%d not accepted", n)})
			return
		}

		h.body = make([]byte, n)
		h.status = AwaitingPacketBytes

	case AwaitingPacketBytes:
		packet := h.body
		h.body = nil
		h.status = AwaitingPacketLength
		if err := h.dispatch(packet); err != nil {
			h.fail(err)
		}

	default:
		h.status = Terminated
	}
}

// Close ends the session. If the client had joined, everyone else is told it
// left and the departure is logged. Close is idempotent and always runs its
// announcement exactly once for a joined session.
func (h *Handler) Close() {
	if h.closed {
		return
	}

	h.closed = true
	h.status = Terminated
	h.body = nil
	if h.joined {
		h.announce(h.leaveText)
	}
}

// Status returns the field the handler is waiting for.
func (h *Handler) Status() Status { return h.status }

// Name returns the display name the client asked for, once the handshake
// name has been read.
func (h *Handler) Name() string { return h.name }

// Joined reports whether the name was accepted into the registry.
func (h *Handler) Joined() bool { return h.joined }

// Err returns the protocol error that terminated the session, if any.
func (h *Handler) Err() error { return h.err }

// Service returns the capability the handler was built with.
func (h *Handler) Service() Service { return h.svc }

// Style returns the formatting policy in use.
func (h *Handler) Style() Style { return h.style }

// Commands returns the command table in use.
func (h *Handler) Commands() *Commands { return h.commands }

// Reply sends message to this client only.
func (h *Handler) Reply(message string) { h.svc.Send(message) }

func (h *Handler) lengthField() int32 {
	n, _ := wire.NewPacket(h.length[:]).Int32()
	return n
}

func (h *Handler) fail(err error) {
	h.err = err
	h.body = nil
	h.status = Terminated
}

func (h *Handler) attemptJoin(name string) {
	h.name = name
	st := h.style
	if !h.svc.Join(name) {
		h.svc.Send(st.Alert("Sorry but ") + st.User(name) + st.Alert(" is already online, why not choose another name?"))
		h.status = Terminated
		return
	}

	h.joined = true
	h.status = AwaitingPacketLength
	h.svc.Send(st.Notice("Welcome to the chat room, ") + st.User(name) + st.Notice("."))
	h.announce(h.joinText)
}

// announce logs the unstyled form of a room event and broadcasts the styled
// form to everyone but this client.
func (h *Handler) announce(text func(Style) string) {
	h.svc.Log(text(PlainStyle{}))
	h.svc.Broadcast(text(h.style), h.name)
}

func (h *Handler) joinText(st Style) string {
	return st.Notice("New user ") + st.User(h.name) + st.Address(" ("+h.svc.Identity()+")") +
		st.Notice(" has joined the chat room.")
}

func (h *Handler) leaveText(st Style) string {
	return st.Notice("User ") + st.User(h.name) + st.Address(" ("+h.svc.Identity()+")") +
		st.Notice(" has left the chat.")
}

func (h *Handler) dispatch(data []byte) error {
	p := wire.NewPacket(data)
	kind, err := p.Int32()
	if err != nil {
		return err
	}

	if kind != wire.KindChat && kind != wire.KindCommand {
		return &wire.ProtocolError{Field: "packet kind", Reason: fmt.Sprintf("unknown kind %d", kind)}
	}

	text, err := p.String(0)
	if err != nil {
		return err
	}

	kind, text = classify(kind, text)
	if kind == wire.KindChat {
		h.svc.Broadcast("[" + h.style.User(h.name) + "] " + text)
		return nil
	}

	h.execute(text)
	return nil
}

// classify applies the slash convention to command text: "//x" is the chat
// line "/x" and "/x" is the command "x". Chat text is never reinterpreted.
func classify(kind int32, text string) (int32, string) {
	if kind != wire.KindCommand {
		return kind, text
	}

	switch {
	case strings.HasPrefix(text, "//"):
		return wire.KindChat, text[1:]
	case strings.HasPrefix(text, "/"):
		return wire.KindCommand, text[1:]
	default:
		return kind, text
	}
}

func (h *Handler) execute(line string) {
	args := strings.FieldsFunc(line, func(r rune) bool { return r == ' ' })
	if len(args) == 0 {
		return
	}

	if cmd, ok := h.commands.Lookup(args[0]); ok {
		cmd.Run(h, args)
		return
	}

	st := h.style
	h.Reply(st.Alert("Unknown command ") + st.Highlight("/"+args[0]) + st.Alert(". Issue ") +
		st.Highlight("/help") + st.Alert(" for the list of commands."))
}
