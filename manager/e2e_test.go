package manager

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/2389-research/conduit/transport"
)

// echoServerScript is a shell stand-in for a protocol server: it announces
// readiness on stderr, answers tool discovery, then answers one tool call.
const echoServerScript = `
echo "server ready" >&2
read line
printf '%s\n' '{"id":1,"result":{"tools":[{"name":"echo","description":"echoes input","inputSchema":{}}]}}'
read line
printf '%s\n' '{"id":2,"result":{"content":[{"type":"text","text":"hi"}]}}'
cat >/dev/null
`

func TestEndToEndStdioEcho(t *testing.T) {
	m := New(Options{
		MaxRetries:   1,
		ReadyTimeout: 10 * time.Second,
		ListTimeout:  5 * time.Second,
		CallTimeout:  5 * time.Second,
	})
	defer m.Dispose()

	m.Initialize(context.Background(), []transport.Config{{
		Name:    "echo",
		Kind:    transport.KindStdio,
		Command: "sh",
		Args:    []string{"-c", echoServerScript},
	}})

	if st, ok := m.ServerStatus("echo"); !ok || st != StatusConnected {
		t.Fatalf("status = %s (known=%v), want connected", st, ok)
	}

	want := []ToolDescriptor{{
		Name:        "mcp__echo__echo",
		Description: "echoes input",
		Parameters:  map[string]any{},
	}}
	if got := m.AvailableTools(); !reflect.DeepEqual(got, want) {
		t.Errorf("AvailableTools() = %+v, want %+v", got, want)
	}

	res := m.CallTool(context.Background(), "echo", "echo", map[string]any{"message": "hi"})
	if res.Error != "" {
		t.Fatalf("CallTool error: %q", res.Error)
	}
	if res.Result != "hi" {
		t.Errorf("CallTool result = %q, want %q", res.Result, "hi")
	}
}
