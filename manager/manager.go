// ABOUTME: Implements the connection supervisor - owns the registry of
// ABOUTME: Connections, connect-with-retry, tool aggregation, and dispatch.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2389-research/conduit/mcperr"
	"github.com/2389-research/conduit/transport"
	"github.com/2389-research/conduit/wire"
)

// AdapterFactory builds a transport for one server config. Swappable for
// tests.
type AdapterFactory func(transport.Config, transport.Options) (transport.Adapter, error)

// Options configures a Manager. Zero values fall back to the defaults noted
// per field.
type Options struct {
	MaxRetries   int           // connect attempts per server (default 3)
	InitialDelay time.Duration // first retry backoff (default 500ms)
	MaxDelay     time.Duration // backoff cap (default 60s)
	ReadyTimeout time.Duration // stdio readiness fallback (default 5s)
	ListTimeout  time.Duration // tools/list budget (default 5s)
	CallTimeout  time.Duration // tools/call budget (default 30s)
	Logger       *slog.Logger
	NewAdapter   AdapterFactory
}

const jitterRange = 200 * time.Millisecond

func (o Options) normalized() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 60 * time.Second
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 5 * time.Second
	}
	if o.ListTimeout <= 0 {
		o.ListTimeout = 5 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewAdapter == nil {
		o.NewAdapter = transport.New
	}
	return o
}

// Manager supervises a set of server connections and serves the aggregated,
// namespaced tool catalog. All methods are safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	opts  Options
	conns map[string]*Connection
}

// New creates a Manager. One long-lived instance owns all connection state;
// there are no package-level caches.
func New(opts Options) *Manager {
	return &Manager{
		opts:  opts.normalized(),
		conns: make(map[string]*Connection),
	}
}

// Initialize connects to every configured server concurrently. Configs are
// deduplicated by name with the first occurrence winning, which gives
// local-scope entries precedence when the caller lists them first. One
// server's failure never aborts another's: a failed server is materialized as
// an error-status Connection with a readable cause. Initialize never returns
// an error; it returns once every attempt has settled.
func (m *Manager) Initialize(ctx context.Context, configs []transport.Config) {
	var wg sync.WaitGroup
	for _, cfg := range dedupeByName(configs) {
		wg.Add(1)
		go func(cfg transport.Config) {
			defer wg.Done()
			if err := m.ConnectWithRetry(ctx, cfg); err != nil {
				m.opts.Logger.Warn("server connect failed",
					"server", cfg.Name, "error", err)
			}
		}(cfg)
	}
	wg.Wait()
}

// ConnectWithRetry attempts to connect one server with exponential backoff
// plus jitter between attempts. Exhausting retries returns a ConnectionError
// wrapping the last cause and leaves the connection in error status.
// Connecting a name that is already connecting or connected is a no-op.
func (m *Manager) ConnectWithRetry(ctx context.Context, cfg transport.Config) error {
	c, fresh := m.ensureConnection(cfg)
	if !fresh {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(m.backoff(attempt - 1)):
			case <-ctx.Done():
				lastErr = ctx.Err()
				return m.exhausted(c, lastErr)
			}
		}
		err := m.connectToServer(ctx, c)
		if err == nil {
			return nil
		}
		lastErr = err
		m.opts.Logger.Debug("connect attempt failed",
			"server", cfg.Name, "attempt", attempt, "error", err)
	}
	return m.exhausted(c, lastErr)
}

func (m *Manager) exhausted(c *Connection, cause error) error {
	err := &mcperr.ConnectionError{Server: c.Name(), Err: cause}
	c.appendDiag(err.Error())
	c.transition(StatusError)
	return err
}

// backoff computes initial * 2^(n-1) plus up to 200ms of jitter, capped.
func (m *Manager) backoff(n int) time.Duration {
	delay := m.opts.InitialDelay << (n - 1)
	if delay > m.opts.MaxDelay {
		delay = m.opts.MaxDelay
	}
	return delay + time.Duration(rand.Int63n(int64(jitterRange)))
}

// ensureConnection registers a Connection for cfg.Name if none is active.
// The check and the connecting mark happen under one lock so the same name
// can never be connected twice concurrently.
func (m *Manager) ensureConnection(cfg transport.Config) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.conns[cfg.Name]; ok {
		switch existing.Status() {
		case StatusConnecting, StatusConnected:
			return existing, false
		}
		// disconnected or error: explicit retry cycle reuses the record
		existing.transition(StatusConnecting)
		return existing, true
	}
	c := newConnection(cfg, m.opts.Logger)
	m.conns[cfg.Name] = c
	return c, true
}

// connectToServer performs one attempt: build the adapter, wait for
// readiness, then discover tools. A tools/list failure is logged but not
// fatal; the connection still comes up with an empty catalog.
func (m *Manager) connectToServer(ctx context.Context, c *Connection) error {
	adapter, err := m.opts.NewAdapter(c.cfg, transport.Options{ReadyTimeout: m.opts.ReadyTimeout})
	if err != nil {
		c.appendDiag(err.Error())
		return err
	}

	ready, loopDone := c.beginAttempt(adapter)
	select {
	case <-ready:
	case <-ctx.Done():
		_ = adapter.Close()
		return ctx.Err()
	}
	select {
	case <-loopDone:
		// The transport died before or while becoming ready.
		return fmt.Errorf("server %q exited during connect: %s",
			c.Name(), strings.TrimSpace(c.Diagnostics()))
	default:
	}

	raw, err := c.call(ctx, "tools/list", nil, m.opts.ListTimeout)
	switch {
	case err != nil:
		m.opts.Logger.Warn("tool discovery failed; continuing with empty catalog",
			"server", c.Name(), "error", err)
		c.setTools(nil)
	default:
		var res wire.ToolsListResult
		if jsonErr := json.Unmarshal(raw, &res); jsonErr != nil {
			invalid := &mcperr.InvalidResponseError{
				Server:  c.Name(),
				Message: "tools/list result is not a tool list",
				Raw:     raw,
			}
			m.opts.Logger.Warn("tool discovery failed; continuing with empty catalog",
				"server", c.Name(), "error", invalid)
			c.setTools(nil)
		} else {
			c.setTools(res.Tools)
		}
	}

	if !c.transition(StatusConnected) {
		_ = adapter.Close()
		return fmt.Errorf("server %q failed during connect: %s",
			c.Name(), strings.TrimSpace(c.Diagnostics()))
	}
	m.opts.Logger.Info("server connected",
		"server", c.Name(), "tools", len(c.Tools()), "attempts", c.Attempts())
	return nil
}

// AvailableTools returns the namespaced catalog drawn from connected servers
// only, ordered by server name.
func (m *Manager) AvailableTools() []ToolDescriptor {
	conns := m.snapshot()
	names := make([]string, 0, len(conns))
	for name := range conns {
		names = append(names, name)
	}
	sort.Strings(names)

	var tools []ToolDescriptor
	for _, name := range names {
		c := conns[name]
		if c.Status() != StatusConnected {
			continue
		}
		for _, t := range c.Tools() {
			params := t.InputSchema
			if params == nil {
				params = map[string]any{}
			}
			tools = append(tools, ToolDescriptor{
				Name:        QualifiedName(name, t.Name),
				Description: t.Description,
				Parameters:  params,
			})
		}
	}
	return tools
}

// ServerStatus reports the status of one server; ok is false for unknown
// names.
func (m *Manager) ServerStatus(server string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[server]
	if !ok {
		return "", false
	}
	return c.Status(), true
}

// Servers returns all known server names, sorted.
func (m *Manager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallTool invokes a tool on a server and normalizes the reply. It never
// returns a Go error: unknown servers, bad states, transport faults, and
// timeouts all come back in the CallResult's Error field.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) CallResult {
	m.mu.Lock()
	c, ok := m.conns[server]
	m.mu.Unlock()
	if !ok {
		nf := &mcperr.NotFoundError{
			Kind:    "server",
			Name:    server,
			Context: m.knownServersHint(),
		}
		return CallResult{Error: nf.Error()}
	}

	if st := c.Status(); st != StatusConnected {
		msg := fmt.Sprintf("server %q is %s", server, st)
		if diag := strings.TrimSpace(c.Diagnostics()); diag != "" {
			msg += ": " + diag
		}
		return CallResult{Error: msg}
	}

	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = m.opts.CallTimeout
	}

	raw, err := c.call(ctx, "tools/call", wire.ToolCallParams{Name: tool, Arguments: args}, timeout)
	if err != nil {
		terr := &mcperr.ToolError{Server: server, Tool: tool, Err: err}
		return CallResult{Error: terr.Error()}
	}
	return normalizeToolResult(raw)
}

func (m *Manager) knownServersHint() string {
	names := m.Servers()
	if len(names) == 0 {
		return "no servers configured"
	}
	return "known servers: " + strings.Join(names, ", ")
}

// Dispose cancels pending work and closes every transport independently; one
// close failure is logged and does not block the others. The registry is
// cleared so the manager can be initialized again. Idempotent.
func (m *Manager) Dispose() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.dispose()
		}(c)
	}
	wg.Wait()
}

func (m *Manager) snapshot() map[string]*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := make(map[string]*Connection, len(m.conns))
	for name, c := range m.conns {
		conns[name] = c
	}
	return conns
}

func dedupeByName(configs []transport.Config) []transport.Config {
	seen := make(map[string]struct{}, len(configs))
	deduped := make([]transport.Config, 0, len(configs))
	for _, cfg := range configs {
		if cfg.Name == "" {
			continue
		}
		if _, ok := seen[cfg.Name]; ok {
			continue
		}
		seen[cfg.Name] = struct{}{}
		deduped = append(deduped, cfg)
	}
	return deduped
}
