//go:build linux || darwin

// Package sockets creates the listening socket both engines serve from and
// formats peer addresses. Every failure is reported as a *SetupError naming
// the step that failed so callers can map it to an exit code.
package sockets

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// SetupError reports which socket bootstrap step failed.
type SetupError struct {
	Op  string // "resolve", "socket", "bind", "listen"
	Err error
}

func (e *SetupError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *SetupError) Unwrap() error { return e.Err }

// Listen opens a non-blocking, close-on-exec IPv4 TCP socket with
// SO_REUSEADDR, binds it to host:port and starts listening with the given
// backlog. An empty host means all interfaces; port 0 picks a free port.
//
// Parameters:
//   - host: IPv4 address or host name to bind; "" for 0.0.0.0
//   - port: TCP port, 0 for any
//   - backlog: Length of the pending-connection queue
//
// Returns:
//   - The listening file descriptor
//   - A *SetupError if any step fails; the descriptor is closed in that case
func Listen(host string, port, backlog int) (int, error) {
	addr := &unix.SockaddrInet4{Port: port}
	if host != "" {
		ip, err := resolve4(host)
		if err != nil {
			return -1, &SetupError{Op: "resolve", Err: err}
		}
		copy(addr.Addr[:], ip)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, &SetupError{Op: "socket", Err: err}
	}

	unix.CloseOnExec(fd)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, &SetupError{Op: "socket", Err: err}
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, &SetupError{Op: "socket", Err: err}
	}

	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, &SetupError{Op: "bind", Err: err}
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, &SetupError{Op: "listen", Err: err}
	}

	return fd, nil
}

// Listener wraps a listening descriptor from Listen in a net.Listener. The
// descriptor is duplicated by the runtime; fd itself is closed here.
func Listener(fd int) (net.Listener, error) {
	f := os.NewFile(uintptr(fd), "chat-listener")
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, &SetupError{Op: "listen", Err: err}
	}

	return ln, nil
}

// PeerAddress formats an accepted peer as "ip:port".
func PeerAddress(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return "unknown"
	}
}

// LocalAddress returns the "ip:port" a descriptor is bound to.
func LocalAddress(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", err
	}

	return PeerAddress(sa), nil
}

func resolve4(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("%s is not an IPv4 address", host)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}

	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}

	return nil, fmt.Errorf("%s has no IPv4 address", host)
}
