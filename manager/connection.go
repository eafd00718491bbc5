// ABOUTME: Implements Connection - one named server's transport, status,
// ABOUTME: diagnostics, tool cache, and the event loop that drives them.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389-research/conduit/mcperr"
	"github.com/2389-research/conduit/transport"
	"github.com/2389-research/conduit/wire"
)

// Status is the lifecycle state of a managed connection.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Connection holds everything the supervisor knows about one server. There is
// exactly one Connection per server name; reconnect attempts reuse the record
// and replace its per-attempt transport state.
type Connection struct {
	mu sync.Mutex

	id     string
	cfg    transport.Config
	logger *slog.Logger

	status      Status
	diag        strings.Builder
	tools       []wire.ToolInfo
	attempts    int
	lastAttempt time.Time

	// Per-attempt state, replaced by beginAttempt.
	adapter transport.Adapter
	pending *wire.Table
}

func newConnection(cfg transport.Config, logger *slog.Logger) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:     id,
		cfg:    cfg,
		logger: logger.With("server", cfg.Name, "conn", id),
		status: StatusConnecting,
	}
}

// Name returns the server name this connection belongs to.
func (c *Connection) Name() string { return c.cfg.Name }

// Status returns the current lifecycle state.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Diagnostics returns the accumulated diagnostic text for this connection.
func (c *Connection) Diagnostics() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diag.String()
}

// Tools returns the cached tool list from the last successful discovery.
func (c *Connection) Tools() []wire.ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.ToolInfo(nil), c.tools...)
}

// Attempts returns how many connect attempts this connection has seen.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// transition applies a status change, enforcing the legal edges. connected is
// only reachable from connecting, and error is sticky: a close event never
// downgrades an errored connection to disconnected.
func (c *Connection) transition(to Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch to {
	case StatusConnected:
		if c.status != StatusConnecting {
			return false
		}
	case StatusDisconnected:
		if c.status == StatusError {
			return false
		}
	}
	c.status = to
	return true
}

func (c *Connection) appendDiag(line string) {
	if line == "" {
		return
	}
	c.mu.Lock()
	c.diag.WriteString(line)
	c.diag.WriteByte('\n')
	c.mu.Unlock()
}

func (c *Connection) setTools(tools []wire.ToolInfo) {
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
}

// beginAttempt installs a fresh transport plus decoder/pending state and
// starts the event loop. It returns the attempt's readiness and loop-exit
// signals so the caller can wait without racing a later attempt.
func (c *Connection) beginAttempt(adapter transport.Adapter) (ready, loopDone <-chan struct{}) {
	pending := wire.NewTable()
	readyCh := make(chan struct{})
	doneCh := make(chan struct{})

	c.mu.Lock()
	c.attempts++
	c.lastAttempt = time.Now()
	c.status = StatusConnecting
	c.adapter = adapter
	c.pending = pending
	c.mu.Unlock()

	go c.run(adapter, pending, readyCh, doneCh)
	return readyCh, doneCh
}

// run consumes the adapter's event stream until EventExit, feeding the wire
// decoder and pending table. It owns all status updates driven by transport
// events.
func (c *Connection) run(adapter transport.Adapter, pending *wire.Table, readyCh, doneCh chan struct{}) {
	defer close(doneCh)
	var readyOnce sync.Once
	markReady := func() { readyOnce.Do(func() { close(readyCh) }) }

	decoder := &wire.Decoder{}
	events := adapter.Events()
	for {
		ev := <-events
		switch ev.Kind {
		case transport.EventData:
			for _, frame := range decoder.Push(ev.Data) {
				c.handleFrame(frame, pending, markReady)
			}

		case transport.EventLog:
			c.appendDiag(ev.Line)
			c.logger.Debug("server log", "line", ev.Line)

		case transport.EventReady:
			markReady()

		case transport.EventError:
			err := ev.Err
			if err == nil {
				err = errors.New("transport error")
			}
			c.appendDiag(err.Error())
			c.transition(StatusError)
			pending.FailAll(&mcperr.ConnectionError{Server: c.cfg.Name, Err: err})

		case transport.EventExit:
			c.handleExit(ev.Err, pending)
			// Unblock a readiness waiter so a failed spawn is detected
			// immediately instead of waiting out the ready timer.
			markReady()
			return
		}
	}
}

func (c *Connection) handleFrame(frame wire.Frame, pending *wire.Table, markReady func()) {
	switch frame.Kind {
	case wire.FrameReady:
		markReady()

	case wire.FrameResponse:
		if !pending.Dispatch(frame.Response) {
			c.logger.Debug("dropped response with no pending request", "id", frame.Response.ID)
		}

	case wire.FrameLog:
		// Compatibility shim: some servers answer with a bare text line.
		// Treat it as the response when exactly one request is waiting.
		if !frame.JSON && pending.ResolveSoleText(frame.Text) {
			c.logger.Debug("treated non-JSON line as response", "line", frame.Text)
			return
		}
		c.appendDiag(frame.Text)
		c.logger.Debug("unsolicited server output", "line", frame.Text)
	}
}

func (c *Connection) handleExit(exitErr error, pending *wire.Table) {
	c.mu.Lock()
	switch c.status {
	case StatusError, StatusDisconnected:
		// error is sticky; disconnected means disposal already ran
	case StatusConnected:
		c.status = StatusDisconnected
	default:
		c.status = StatusError
		c.diag.WriteString("server exited during connect\n")
	}
	c.mu.Unlock()

	cause := exitErr
	if cause == nil {
		cause = errors.New("connection closed")
	}
	pending.FailAll(&mcperr.ConnectionError{Server: c.cfg.Name, Err: cause})
	c.logger.Debug("transport exited", "error", exitErr)
}

// call sends one correlated request and waits for its outcome. Timeouts and
// transport failures come back as typed errors; responses arriving out of
// submission order are matched by id.
func (c *Connection) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	adapter, pending := c.adapter, c.pending
	c.mu.Unlock()
	if adapter == nil || pending == nil {
		return nil, &mcperr.ConnectionError{Server: c.cfg.Name, Err: errors.New("no transport")}
	}

	id := pending.NextID()
	payload, err := json.Marshal(wire.Request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	outcome := pending.Register(id, timeout, &mcperr.TimeoutError{
		Server:    c.cfg.Name,
		Operation: method,
		Timeout:   timeout,
	})
	if err := adapter.Send(payload); err != nil {
		pending.Fail(id, err)
		<-outcome
		return nil, &mcperr.ConnectionError{Server: c.cfg.Name, Err: err}
	}

	select {
	case out := <-outcome:
		return out.Result, out.Err
	case <-ctx.Done():
		pending.Fail(id, ctx.Err())
		return nil, ctx.Err()
	}
}

// dispose cancels in-flight work and tears the transport down.
func (c *Connection) dispose() {
	c.mu.Lock()
	adapter, pending := c.adapter, c.pending
	c.adapter = nil
	c.pending = nil
	c.mu.Unlock()

	if pending != nil {
		pending.FailAll(&mcperr.ConnectionError{Server: c.cfg.Name, Err: errors.New("manager disposed")})
	}
	if adapter != nil {
		if err := adapter.Close(); err != nil {
			c.logger.Warn("transport close failed", "error", err)
		}
	}
	c.transition(StatusDisconnected)
}
