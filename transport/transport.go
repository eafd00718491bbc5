// ABOUTME: Defines the Adapter interface, the closed per-connection Event
// ABOUTME: union, and the factory that selects a transport implementation.
package transport

import (
	"fmt"
	"time"
)

// Kind identifies a transport mechanism.
type Kind string

const (
	KindStdio Kind = "stdio"
	KindSSE   Kind = "sse"
)

// Config describes one server endpoint. Exactly one of Command (stdio) or
// URL (sse) applies, selected by Kind.
type Config struct {
	Name    string
	Kind    Kind
	Command string
	Args    []string
	Env     map[string]string
	URL     string

	// Timeout overrides the manager's default per-call timeout. Zero means
	// use the default.
	Timeout time.Duration
}

// EventKind discriminates the Event union.
type EventKind int

const (
	// EventData carries protocol bytes destined for the wire decoder: a raw
	// stdout chunk, or one complete SSE payload line.
	EventData EventKind = iota

	// EventLog carries one out-of-band diagnostic line (stderr).
	EventLog

	// EventReady signals the server can accept protocol requests.
	EventReady

	// EventError reports a transport fault. The connection treats it as
	// terminal for status purposes (sticky over a later close).
	EventError

	// EventExit reports that the underlying process or stream ended. It is
	// the last event an adapter emits.
	EventExit
)

// Event is the single typed event variant every adapter emits.
type Event struct {
	Kind EventKind
	Data []byte // EventData
	Line string // EventLog
	Err  error  // EventError, EventExit (may be nil for a clean exit)
}

// Adapter is the uniform transport surface consumed by the connection
// supervisor.
type Adapter interface {
	// Send writes one serialized request to the server.
	Send(payload []byte) error

	// Events returns the adapter's event stream. The stream is never closed;
	// EventExit marks its end.
	Events() <-chan Event

	// Close tears the transport down. Safe to call more than once.
	Close() error
}

// Options tunes adapter behavior independent of any one server's Config.
type Options struct {
	// ReadyTimeout bounds how long a stdio adapter waits for an explicit
	// readiness signal before assuming the server is ready. Zero means the
	// 5s default.
	ReadyTimeout time.Duration
}

const defaultReadyTimeout = 5 * time.Second

func (o Options) readyTimeout() time.Duration {
	if o.ReadyTimeout > 0 {
		return o.ReadyTimeout
	}
	return defaultReadyTimeout
}

// New builds the adapter matching cfg.Kind.
func New(cfg Config, opts Options) (Adapter, error) {
	switch cfg.Kind {
	case KindStdio, "":
		return newStdio(cfg, opts)
	case KindSSE:
		return newSSE(cfg, opts)
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Kind)
	}
}
