package procserver

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cyberinferno/go-chatroom/logger"
	"github.com/cyberinferno/go-chatroom/session"
	"github.com/cyberinferno/go-chatroom/wire"
)

// controlBlock is the coordinator's record of one connection. The worker
// owns reading from conn and from respR; the coordinator owns name and
// writing to respW. Either side writes to conn only while holding sockMu.
type controlBlock struct {
	id   uint32
	conn net.Conn
	addr string
	name string

	respR *os.File
	respW *os.File

	sockMu *semaphore.Weighted
	ready  *signal
	exited chan struct{}
}

// write sends frame to the client, giving up after timeout.
func (cb *controlBlock) write(ctx context.Context, frame []byte, timeout time.Duration) error {
	if err := cb.sockMu.Acquire(ctx, 1); err != nil {
		return err
	}
	defer cb.sockMu.Release(1)

	if timeout > 0 {
		_ = cb.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer func() {
			_ = cb.conn.SetWriteDeadline(time.Time{})
		}()
	}

	_, err := cb.conn.Write(frame)
	return err
}

func (cb *controlBlock) close() {
	_ = cb.conn.Close()
	_ = cb.respW.Close()
	_ = cb.respR.Close()
}

// worker runs one connection's session. It never touches the registry or
// other clients directly; everything shared goes through the bus.
type worker struct {
	srv     *Server
	cb      *controlBlock
	log     logger.Logger
	bus     *bufio.Writer
	handler *session.Handler
}

var _ session.Service = (*worker)(nil)

func newWorker(s *Server, cb *controlBlock) *worker {
	w := &worker{
		srv: s,
		cb:  cb,
		log: s.log.With(logger.Field{Key: "peer", Value: cb.addr}, logger.Field{Key: "id", Value: cb.id}),
		bus: bufio.NewWriter(s.busW),
	}
	w.handler = session.New(w, session.WithStyle(s.style), session.WithMaxPacket(s.maxPacket))

	return w
}

func (w *worker) run() {
	defer w.srv.workers.Done()
	defer close(w.cb.exited)

	for {
		want := w.handler.Next()
		if len(want) == 0 {
			break
		}

		if _, err := io.ReadFull(w.cb.conn, want); err != nil {
			w.log.Debug("read ended", logger.Field{Key: "error", Value: err})
			break
		}

		w.handler.Filled()
	}

	if err := w.handler.Err(); err != nil {
		w.log.Warn("protocol error", logger.Field{Key: "error", Value: err})
	}

	w.handler.Close()
	if err := w.request(kindLeave, nil, false); err != nil {
		w.log.Debug("leave request failed", logger.Field{Key: "error", Value: err})
	}
}

// request puts one message on the bus. The coordinator is told a request is
// pending before the payload is streamed, so payloads larger than the pipe
// buffer do not stall the writer. When awaitReady is set, request returns
// once the coordinator has picked the message up.
func (w *worker) request(kind int32, payload func(io.Writer) error, awaitReady bool) error {
	ctx := w.srv.ctx
	if err := w.srv.busMu.Acquire(ctx, 1); err != nil {
		return err
	}

	w.srv.announce()
	err := w.writeRequest(kind, payload)
	w.srv.busMu.Release(1)
	if err != nil {
		return err
	}

	if !awaitReady {
		return nil
	}

	return w.cb.ready.wait(ctx)
}

func (w *worker) writeRequest(kind int32, payload func(io.Writer) error) error {
	if err := writeHeader(w.bus, request{id: w.cb.id, kind: kind}); err != nil {
		return err
	}

	if payload != nil {
		if err := payload(w.bus); err != nil {
			return err
		}
	}

	return w.bus.Flush()
}

func (w *worker) Identity() string { return w.cb.addr }

func (w *worker) Join(name string) bool {
	err := w.request(kindJoin, func(bw io.Writer) error { return wire.WriteString(bw, name) }, true)
	if err != nil {
		w.log.Error("join request failed", logger.Field{Key: "error", Value: err})
		return false
	}

	status, err := wire.ReadInt32(w.cb.respR)
	if err != nil {
		w.log.Error("join response failed", logger.Field{Key: "error", Value: err})
		return false
	}

	return status == joinAccepted
}

func (w *worker) Online() []string {
	if err := w.request(kindOnline, nil, true); err != nil {
		w.log.Error("online request failed", logger.Field{Key: "error", Value: err})
		return nil
	}

	names, err := readNames(w.cb.respR)
	if err != nil {
		w.log.Error("online response failed", logger.Field{Key: "error", Value: err})
		return nil
	}

	return names
}

func (w *worker) Broadcast(message string, excluded ...string) {
	err := w.request(kindBroadcast, func(bw io.Writer) error { return writeBroadcast(bw, message, excluded) }, true)
	if err != nil {
		w.log.Error("broadcast request failed", logger.Field{Key: "error", Value: err})
	}
}

func (w *worker) Log(text string) {
	_ = w.srv.logMu.Acquire(context.Background(), 1)
	defer w.srv.logMu.Release(1)

	w.log.Info(text)
}

func (w *worker) Send(message string) {
	if err := w.cb.write(w.srv.ctx, wire.TextFrame(message), w.srv.writeTimeout); err != nil {
		w.log.Debug("send failed", logger.Field{Key: "error", Value: err})
	}
}
