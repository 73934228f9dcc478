//go:build linux || darwin

package main

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/cyberinferno/go-chatroom/config"
	"github.com/cyberinferno/go-chatroom/logger"
	"github.com/cyberinferno/go-chatroom/procserver"
	"github.com/cyberinferno/go-chatroom/sockets"
)

func exitCode(t *testing.T, err error) int {
	t.Helper()

	var exitErr *exitError
	require.True(t, errors.As(err, &exitErr), "got %v", err)
	return exitErr.code
}

func TestParsePositional(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		code    int
		port    int
		backlog int
	}{
		{name: "port only", args: []string{"4000"}, port: 4000, backlog: config.DefaultListenBacklog},
		{name: "port and backlog", args: []string{"4000", "32"}, port: 4000, backlog: 32},
		{name: "no port", args: nil, code: exitNoPort},
		{name: "port not number", args: []string{"chat"}, code: exitPortNotNumber},
		{name: "backlog not number", args: []string{"4000", "many"}, code: exitBacklogNotNumber},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			err := parsePositional(&cfg, tt.args)
			if tt.code != 0 {
				assert.Equal(t, tt.code, exitCode(t, err))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.port, cfg.Port)
			assert.Equal(t, tt.backlog, cfg.ListenBacklog)
		})
	}
}

func TestSetupExitCode(t *testing.T) {
	assert.Equal(t, exitSocket, setupExitCode(&sockets.SetupError{Op: "socket", Err: unix.EMFILE}))
	assert.Equal(t, exitBind, setupExitCode(&sockets.SetupError{Op: "bind", Err: unix.EADDRINUSE}))
	assert.Equal(t, exitBind, setupExitCode(&sockets.SetupError{Op: "resolve", Err: errors.New("no IPv4")}))
	assert.Equal(t, exitListen, setupExitCode(&sockets.SetupError{Op: "listen", Err: unix.EINVAL}))
	assert.Equal(t, exitSocket, setupExitCode(errors.New("other")))
}

func TestRunRejectsBadInput(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, exitNoPort, exitCode(t, run(ctx, nil)))
	assert.Equal(t, exitPortNotNumber, exitCode(t, run(ctx, []string{"x"})))
	assert.Equal(t, exitInvalidConfig, exitCode(t, run(ctx, []string{"--engine", "threads", "4000"})))
	assert.Equal(t, exitInvalidConfig, exitCode(t, run(ctx, []string{"--bogus"})))
}

func TestRunBindConflict(t *testing.T) {
	fd, err := sockets.Listen("127.0.0.1", 0, 4)
	require.NoError(t, err)
	defer unix.Close(fd)

	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	port := sa.(*unix.SockaddrInet4).Port

	err = run(context.Background(), []string{"--host", "127.0.0.1", "--log-level", "error", strconv.Itoa(port)})
	assert.Equal(t, exitBind, exitCode(t, err))
}

func TestRunStopsOnCancel(t *testing.T) {
	for _, engine := range []string{config.EnginePoll, config.EngineProc} {
		t.Run(engine, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			err := run(ctx, []string{"--engine", engine, "--host", "127.0.0.1", "--log-level", "error", "0"})
			assert.NoError(t, err)
		})
	}
}

type stubServer struct {
	done    chan struct{}
	err     error
	stopped int
}

func (s *stubServer) Start() error          { return nil }
func (s *stubServer) Stop()                 { s.stopped++ }
func (s *stubServer) Addr() string          { return "127.0.0.1:0" }
func (s *stubServer) Done() <-chan struct{} { return s.done }
func (s *stubServer) Err() error            { return s.err }

func TestWaitEndsWhenEngineFails(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"bus failure", &procserver.CoordinationError{Op: "bus", Err: errors.New("garbled header")}, exitCoordinationState},
		{"poll failure", errors.New("poll: bad address"), exitEngineFailure},
		{"no reason", nil, exitEngineFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &stubServer{done: make(chan struct{}), err: tt.err}
			close(srv.done)

			err := wait(context.Background(), srv, logger.Nop())
			assert.Equal(t, tt.code, exitCode(t, err))
			assert.Equal(t, 1, srv.stopped)
		})
	}
}

func TestWaitStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srv := &stubServer{done: make(chan struct{})}
	require.NoError(t, wait(ctx, srv, logger.Nop()))
	assert.Equal(t, 1, srv.stopped)
}
