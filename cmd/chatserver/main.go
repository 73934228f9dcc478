//go:build linux || darwin

// chatserver runs the chat room on one of two engines: "poll", a single
// goroutine multiplexing every socket, or "proc", a coordinator plus one
// isolated worker per connection.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/cyberinferno/go-chatroom/chatstyle"
	"github.com/cyberinferno/go-chatroom/config"
	"github.com/cyberinferno/go-chatroom/logger"
	"github.com/cyberinferno/go-chatroom/pollserver"
	"github.com/cyberinferno/go-chatroom/procserver"
	"github.com/cyberinferno/go-chatroom/sockets"
)

// Exit codes.
const (
	exitNoPort            = 1
	exitPortNotNumber     = 2
	exitBacklogNotNumber  = 3
	exitSocket            = 4
	exitBind              = 5
	exitListen            = 6
	exitPipe              = 7
	exitCoordinationState = 9
	exitInvalidConfig     = 10
	exitEngineFailure     = 11
)

// exitError carries the process exit code for a failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func fail(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

type server interface {
	Start() error
	Stop()
	Addr() string
	Done() <-chan struct{}
	Err() error
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "chatserver: %v\n", err)

		code := 1
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			code = exitErr.code
		}
		os.Exit(code)
	}
}

func run(ctx context.Context, args []string) error {
	cfg := config.Default()
	if err := config.LoadFromEnv(&cfg); err != nil {
		return &exitError{code: exitInvalidConfig, err: err}
	}

	fs := flag.NewFlagSet("chatserver", flag.ContinueOnError)
	fs.StringVarP(&cfg.Engine, "engine", "e", cfg.Engine, `Engine to run: "poll" or "proc"`)
	fs.StringVar(&cfg.Host, "host", cfg.Host, "IPv4 address to listen on")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Also write daily log files into this directory")
	fs.BoolVar(&cfg.Color, "color", cfg.Color, "Colour server lines with ANSI escapes")
	fs.IntVar(&cfg.MaxBacklog, "max-backlog", cfg.MaxBacklog, "Bytes queued per slow client before it is dropped (poll engine, 0 = no limit)")
	fs.IntVar(&cfg.MaxPacket, "max-packet", cfg.MaxPacket, "Largest client packet in bytes (0 = no limit)")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Bound on a single client write (proc engine)")

	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return &exitError{code: exitInvalidConfig, err: err}
	}

	if err := parsePositional(&cfg, fs.Args()); err != nil {
		printUsage(fs)
		return err
	}

	if err := cfg.Validate(); err != nil {
		return &exitError{code: exitInvalidConfig, err: err}
	}

	log, err := newLogger(&cfg)
	if err != nil {
		return &exitError{code: exitInvalidConfig, err: err}
	}
	defer log.Close()

	srv, err := build(&cfg, log)
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		var coordErr *procserver.CoordinationError
		if errors.As(err, &coordErr) && coordErr.Op != "pipe" {
			return &exitError{code: exitCoordinationState, err: err}
		}
		return &exitError{code: exitPipe, err: err}
	}

	return wait(ctx, srv, log)
}

// wait serves until ctx ends or the engine stops on its own, then stops it.
func wait(ctx context.Context, srv server, log logger.Logger) error {
	select {
	case <-ctx.Done():
		log.Info("shutting down", logger.Field{Key: "addr", Value: srv.Addr()})
		srv.Stop()
		return nil
	case <-srv.Done():
	}

	srv.Stop()

	err := srv.Err()
	if err == nil {
		err = errors.New("engine stopped unexpectedly")
	}

	var coordErr *procserver.CoordinationError
	if errors.As(err, &coordErr) {
		return &exitError{code: exitCoordinationState, err: err}
	}

	return &exitError{code: exitEngineFailure, err: err}
}

// parsePositional reads "<port> [<listenBacklog>]".
func parsePositional(cfg *config.Config, remaining []string) error {
	if len(remaining) < 1 {
		return fail(exitNoPort, "server port is required")
	}

	port, err := strconv.Atoi(remaining[0])
	if err != nil {
		return fail(exitPortNotNumber, "server port %q is not a number", remaining[0])
	}
	cfg.Port = port

	if len(remaining) >= 2 {
		backlog, err := strconv.Atoi(remaining[1])
		if err != nil {
			return fail(exitBacklogNotNumber, "listen backlog %q is not a number", remaining[1])
		}
		cfg.ListenBacklog = backlog
	}

	return nil
}

func newLogger(cfg *config.Config) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	if cfg.LogDir != "" {
		return logger.NewFile("chatserver", cfg.LogDir, level)
	}

	return logger.NewConsole("chatserver", level), nil
}

func build(cfg *config.Config, log logger.Logger) (server, error) {
	fd, err := sockets.Listen(cfg.Host, cfg.Port, cfg.ListenBacklog)
	if err != nil {
		return nil, &exitError{code: setupExitCode(err), err: err}
	}

	style := chatstyle.For(cfg.Color)

	if cfg.Engine == config.EngineProc {
		ln, err := sockets.Listener(fd)
		if err != nil {
			return nil, &exitError{code: exitSocket, err: err}
		}

		return procserver.New(ln,
			procserver.WithLogger(log),
			procserver.WithStyle(style),
			procserver.WithMaxPacket(cfg.MaxPacket),
			procserver.WithWriteTimeout(cfg.WriteTimeout),
		), nil
	}

	return pollserver.New(fd,
		pollserver.WithLogger(log),
		pollserver.WithStyle(style),
		pollserver.WithMaxPacket(cfg.MaxPacket),
		pollserver.WithMaxBacklog(cfg.MaxBacklog),
	), nil
}

func setupExitCode(err error) int {
	var setupErr *sockets.SetupError
	if !errors.As(err, &setupErr) {
		return exitSocket
	}

	switch setupErr.Op {
	case "bind", "resolve":
		return exitBind
	case "listen":
		return exitListen
	default:
		return exitSocket
	}
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Usage: chatserver [options] <serverPort> [<listenBacklog>=%d]

Options:
`, config.DefaultListenBacklog)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Environment:
  CHATROOM_ENGINE, CHATROOM_HOST, CHATROOM_LOG_LEVEL, CHATROOM_LOG_DIR,
  CHATROOM_COLOR, CHATROOM_MAX_BACKLOG, CHATROOM_MAX_PACKET,
  CHATROOM_WRITE_TIMEOUT set defaults that flags override.
`)
}
