// ABOUTME: Implements the per-connection pending-request Table - correlates
// ABOUTME: out-of-order responses by id and enforces per-request timeouts.
package wire

import (
	"encoding/json"
	"sync"
	"time"
)

// Outcome is the terminal result of one pending request: a raw result payload
// or an error, never both.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

type pendingCall struct {
	ch    chan Outcome
	timer *time.Timer
}

// Table tracks in-flight requests for a single connection. Every entry is
// removed exactly once, by whichever of matching response, timeout, explicit
// failure, or FailAll happens first.
type Table struct {
	mu     sync.Mutex
	nextID uint64
	calls  map[uint64]*pendingCall
}

// NewTable creates an empty pending-request table. IDs start at 1.
func NewTable() *Table {
	return &Table{calls: make(map[uint64]*pendingCall)}
}

// NextID returns the next monotonically increasing correlation id.
func (t *Table) NextID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return t.nextID
}

// Register creates an entry for id and arms its timeout. On expiry the entry
// is removed and fails with timeoutErr. The returned channel receives exactly
// one Outcome.
func (t *Table) Register(id uint64, timeout time.Duration, timeoutErr error) <-chan Outcome {
	call := &pendingCall{ch: make(chan Outcome, 1)}
	t.mu.Lock()
	t.calls[id] = call
	t.mu.Unlock()
	if timeout > 0 {
		call.timer = time.AfterFunc(timeout, func() {
			t.Fail(id, timeoutErr)
		})
	}
	return call.ch
}

// Dispatch routes a response to its waiting request. A response whose id has
// no entry (already timed out, or unsolicited) is dropped; Dispatch reports
// whether the response was consumed.
func (t *Table) Dispatch(resp *Response) bool {
	call := t.remove(resp.ID)
	if call == nil {
		return false
	}
	if resp.Error != nil {
		call.ch <- Outcome{Err: resp.Error}
	} else {
		call.ch <- Outcome{Result: resp.Result}
	}
	return true
}

// Fail removes the entry for id and delivers err. Reports whether an entry
// existed.
func (t *Table) Fail(id uint64, err error) bool {
	call := t.remove(id)
	if call == nil {
		return false
	}
	call.ch <- Outcome{Err: err}
	return true
}

// ResolveSoleText resolves the single pending request with a plain-text
// payload. This is the compatibility shim for servers that answer with
// non-JSON lines; it only applies when exactly one request is in flight.
func (t *Table) ResolveSoleText(text string) bool {
	t.mu.Lock()
	if len(t.calls) != 1 {
		t.mu.Unlock()
		return false
	}
	var id uint64
	var call *pendingCall
	for k, v := range t.calls {
		id, call = k, v
	}
	delete(t.calls, id)
	t.mu.Unlock()

	if call.timer != nil {
		call.timer.Stop()
	}
	raw, err := json.Marshal(text)
	if err != nil {
		call.ch <- Outcome{Err: err}
		return true
	}
	call.ch <- Outcome{Result: raw}
	return true
}

// FailAll removes every entry and delivers err to each. Used on transport
// loss and disposal.
func (t *Table) FailAll(err error) {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[uint64]*pendingCall)
	t.mu.Unlock()
	for _, call := range calls {
		if call.timer != nil {
			call.timer.Stop()
		}
		call.ch <- Outcome{Err: err}
	}
}

// Len reports the number of in-flight requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *Table) remove(id uint64) *pendingCall {
	t.mu.Lock()
	call, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if call.timer != nil {
		call.timer.Stop()
	}
	return call
}
