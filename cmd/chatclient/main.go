// chatclient is an interactive chat room client. Lines typed are sent as
// chat; "/cmd" runs a server command and "//text" sends a line starting with
// a slash.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/cyberinferno/go-chatroom/chatclient"
)

// Exit codes.
const (
	exitUsage         = 1
	exitPortNotNumber = 2
	exitConnect       = 3
	exitIO            = 4
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "chatclient: %v\n", err)

		code := exitIO
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			code = exitErr.code
		}
		os.Exit(code)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chatclient", flag.ContinueOnError)
	timeout := fs.Duration("connect-timeout", 10*time.Second, "Give up connecting after this long")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: chatclient [options] <serverAddress> <serverPort> <clientName>\n\nOptions:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return &exitError{code: exitUsage, err: err}
	}

	if fs.NArg() != 3 {
		fs.Usage()
		return &exitError{code: exitUsage, err: errors.New("server address, server port and client name are required")}
	}

	port, err := strconv.Atoi(fs.Arg(1))
	if err != nil {
		return &exitError{code: exitPortNotNumber, err: fmt.Errorf("server port %q is not a number", fs.Arg(1))}
	}

	cfg := chatclient.DefaultConfig(net.JoinHostPort(fs.Arg(0), strconv.Itoa(port)), fs.Arg(2))
	cfg.ConnectionTimeout = *timeout

	con, err := newConsole()
	if err != nil {
		return err
	}
	defer con.restore()

	client := chatclient.New(cfg)
	client.OnLine(func(e chatclient.LineEvent) { con.println(e.Line) })
	client.OnError(func(e chatclient.ErrorEvent) {
		if !errors.Is(e.Error, net.ErrClosed) {
			con.println("error: " + e.Error.Error())
		}
	})

	if err := client.Connect(); err != nil {
		return &exitError{code: exitConnect, err: err}
	}
	defer client.Close()

	// The input goroutine may stay blocked in a read; the process exits
	// without joining it.
	input := make(chan error, 1)
	go func() { input <- pump(con, client) }()

	select {
	case err := <-input:
		return err
	case <-client.Done():
		return nil
	case <-ctx.Done():
		return nil
	}
}

// pump submits typed lines until the input ends.
func pump(con *console, client *chatclient.Client) error {
	for {
		line, err := con.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if err := client.Submit(line); err != nil {
			return err
		}
	}
}

// console reads user lines and prints server lines without clobbering the
// line being typed. On a terminal it uses raw mode line editing.
type console struct {
	term    *term.Terminal
	scanner *bufio.Scanner
	fd      int
	state   *term.State
}

func newConsole() (*console, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return &console{scanner: bufio.NewScanner(os.Stdin), fd: -1}, nil
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("make terminal raw: %w", err)
	}

	rw := struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}

	return &console{term: term.NewTerminal(rw, "> "), fd: fd, state: state}, nil
}

func (c *console) readLine() (string, error) {
	if c.term != nil {
		return c.term.ReadLine()
	}

	if c.scanner.Scan() {
		return c.scanner.Text(), nil
	}

	if err := c.scanner.Err(); err != nil {
		return "", err
	}

	return "", io.EOF
}

func (c *console) println(line string) {
	if c.term != nil {
		_, _ = c.term.Write([]byte(line + "\n"))
		return
	}

	fmt.Println(line)
}

func (c *console) restore() {
	if c.state != nil {
		_ = term.Restore(c.fd, c.state)
		c.state = nil
	}
}
