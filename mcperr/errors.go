// ABOUTME: Defines the typed failure taxonomy for the managed client
// ABOUTME: subsystem - connection, tool, lookup, timeout, and envelope errors.
package mcperr

import (
	"fmt"
	"time"
)

// ConnectionError reports that connecting (or reconnecting) to a server
// failed, after retries where applicable.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to server %q failed: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ToolError reports that a tool invocation failed.
type ToolError struct {
	Server string
	Tool   string
	Err    error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q on server %q failed: %v", e.Tool, e.Server, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// NotFoundError reports a reference to an unknown entity, for example an
// unknown server name in a tool call. Context carries a readable hint such as
// the list of known names.
type NotFoundError struct {
	Kind    string
	Name    string
	Context string
}

func (e *NotFoundError) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
	}
	return fmt.Sprintf("%s %q not found (%s)", e.Kind, e.Name, e.Context)
}

// TimeoutError reports that an operation saw no response within its budget.
type TimeoutError struct {
	Server    string
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s on server %q timed out after %s", e.Operation, e.Server, e.Timeout)
}

// InvalidResponseError reports a response that violated the expected
// envelope shape.
type InvalidResponseError struct {
	Server  string
	Message string
	Raw     []byte
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("invalid response from server %q: %s", e.Server, e.Message)
}
