//go:build linux || darwin

package sockets

import (
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestListen(t *testing.T) {
	fd, err := Listen("127.0.0.1", 0, 8)
	require.NoError(t, err)
	defer unix.Close(fd)

	addr, err := LocalAddress(fd)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(addr, "127.0.0.1:"))
	assert.NotEqual(t, "127.0.0.1:0", addr)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn.Close()
}

func TestListenBindConflict(t *testing.T) {
	fd, err := Listen("127.0.0.1", 0, 8)
	require.NoError(t, err)
	defer unix.Close(fd)

	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	port := sa.(*unix.SockaddrInet4).Port

	_, err = Listen("127.0.0.1", port, 8)
	var setupErr *SetupError
	require.True(t, errors.As(err, &setupErr))
	assert.Equal(t, "bind", setupErr.Op)
	assert.ErrorIs(t, err, unix.EADDRINUSE)
}

func TestListenBadHost(t *testing.T) {
	_, err := Listen("::1", 0, 8)
	var setupErr *SetupError
	require.True(t, errors.As(err, &setupErr))
	assert.Equal(t, "resolve", setupErr.Op)
}

func TestListener(t *testing.T) {
	fd, err := Listen("127.0.0.1", 0, 8)
	require.NoError(t, err)

	ln, err := Listener(fd)
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
		done <- err
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	assert.NoError(t, <-done)
}

func TestPeerAddress(t *testing.T) {
	assert.Equal(t, "10.1.2.3:4567", PeerAddress(&unix.SockaddrInet4{Addr: [4]byte{10, 1, 2, 3}, Port: 4567}))
	assert.Equal(t, "[::1]:80", PeerAddress(&unix.SockaddrInet6{Addr: [16]byte{15: 1}, Port: 80}))
	assert.Equal(t, "unknown", PeerAddress(&unix.SockaddrUnix{Name: "/tmp/x"}))
}
