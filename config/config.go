// Package config defines the runtime configuration of the chat room server.
//
// Precedence order (highest wins):
//  1. CLI flags and positional arguments (cmd/chatserver)
//  2. Environment variables (LoadFromEnv)
//  3. Defaults (Default)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cyberinferno/go-chatroom/logger"
)

// Engines a server can run on.
const (
	EnginePoll = "poll"
	EngineProc = "proc"
)

// Defaults.
const (
	DefaultHost          = "0.0.0.0"
	DefaultListenBacklog = 10
	DefaultLogLevel      = "info"
	DefaultMaxBacklog    = 4 << 20
	DefaultMaxPacket     = 1 << 20
	DefaultWriteTimeout  = 5 * time.Second
)

// Config holds every tuneable of a server run.
type Config struct {
	Engine        string
	Host          string
	Port          int
	ListenBacklog int

	LogLevel string
	LogDir   string // empty: console only
	Color    bool

	MaxBacklog   int // per connection, bytes; 0 = unbounded (poll engine)
	MaxPacket    int // bytes; 0 = unbounded
	WriteTimeout time.Duration
}

// Error describes a configuration value that cannot be used.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason) }

// Default returns a Config with every default applied. Port has no default.
func Default() Config {
	return Config{
		Engine:        EnginePoll,
		Host:          DefaultHost,
		ListenBacklog: DefaultListenBacklog,
		LogLevel:      DefaultLogLevel,
		Color:         true,
		MaxBacklog:    DefaultMaxBacklog,
		MaxPacket:     DefaultMaxPacket,
		WriteTimeout:  DefaultWriteTimeout,
	}
}

// LoadFromEnv overlays CHATROOM_* environment variables onto cfg. Only
// non-empty variables override. Booleans accept 1/true/yes and 0/false/no.
//
// Returns:
//   - An *Error naming the first variable whose value cannot be parsed
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("CHATROOM_ENGINE"); v != "" {
		cfg.Engine = v
	}
	if v := os.Getenv("CHATROOM_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("CHATROOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHATROOM_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}

	if err := envBool("CHATROOM_COLOR", &cfg.Color); err != nil {
		return err
	}
	if err := envInt("CHATROOM_MAX_BACKLOG", &cfg.MaxBacklog); err != nil {
		return err
	}
	if err := envInt("CHATROOM_MAX_PACKET", &cfg.MaxPacket); err != nil {
		return err
	}

	if v := os.Getenv("CHATROOM_WRITE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return &Error{Field: "CHATROOM_WRITE_TIMEOUT", Reason: err.Error()}
		}
		cfg.WriteTimeout = d
	}

	return nil
}

// Validate checks that the configuration can be run.
func (c *Config) Validate() error {
	if c.Engine != EnginePoll && c.Engine != EngineProc {
		return &Error{Field: "engine", Reason: fmt.Sprintf("%q is neither %q nor %q", c.Engine, EnginePoll, EngineProc)}
	}
	if c.Port < 0 || c.Port > 65535 {
		return &Error{Field: "port", Reason: fmt.Sprintf("%d out of range", c.Port)}
	}
	if c.ListenBacklog < 0 {
		return &Error{Field: "listen backlog", Reason: "negative"}
	}
	if c.Host == "" {
		return &Error{Field: "host", Reason: "empty"}
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return &Error{Field: "log level", Reason: err.Error()}
	}
	if c.MaxBacklog < 0 {
		return &Error{Field: "max backlog", Reason: "negative"}
	}
	if c.MaxPacket < 0 {
		return &Error{Field: "max packet", Reason: "negative"}
	}
	if c.WriteTimeout < 0 {
		return &Error{Field: "write timeout", Reason: "negative"}
	}

	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return &Error{Field: key, Reason: fmt.Sprintf("%q is not a number", v)}
	}

	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	switch strings.ToLower(os.Getenv(key)) {
	case "":
	case "1", "true", "yes":
		*dst = true
	case "0", "false", "no":
		*dst = false
	default:
		return &Error{Field: key, Reason: "not a boolean"}
	}

	return nil
}
