package transport

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

// awaitEvent drains the stream until an event of the wanted kind arrives.
func awaitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
			if ev.Kind == EventExit && kind != EventExit {
				t.Fatalf("transport exited while waiting for event kind %d (err: %v)", kind, ev.Err)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

// awaitData drains Data events until the accumulated bytes contain want.
func awaitData(t *testing.T, events <-chan Event, want string) {
	t.Helper()
	var buf bytes.Buffer
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventData {
				buf.Write(ev.Data)
				if bytes.Contains(buf.Bytes(), []byte(want)) {
					return
				}
			}
			if ev.Kind == EventExit {
				t.Fatalf("transport exited before data %q arrived (got %q)", want, buf.String())
			}
		case <-deadline:
			t.Fatalf("timed out waiting for data %q (got %q)", want, buf.String())
		}
	}
}

func TestStdioReadinessFromStderr(t *testing.T) {
	adapter, err := New(Config{
		Name:    "echo",
		Kind:    KindStdio,
		Command: "sh",
		Args:    []string{"-c", `echo "server ready" >&2; cat`},
	}, Options{ReadyTimeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer adapter.Close()

	// Ready must come from the stderr match, well before the 30s fallback.
	start := time.Now()
	awaitEvent(t, adapter.Events(), EventReady)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("readiness took %s; expected stderr match to fire quickly", elapsed)
	}
}

func TestStdioOptimisticReadinessFallback(t *testing.T) {
	// cat never prints anything; the ready timer must assume success.
	adapter, err := New(Config{
		Name:    "silent",
		Kind:    KindStdio,
		Command: "sh",
		Args:    []string{"-c", "cat"},
	}, Options{ReadyTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer adapter.Close()

	awaitEvent(t, adapter.Events(), EventReady)
}

func TestStdioEchoRoundTrip(t *testing.T) {
	adapter, err := New(Config{
		Name:    "echo",
		Kind:    KindStdio,
		Command: "sh",
		Args:    []string{"-c", "cat"},
	}, Options{ReadyTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer adapter.Close()

	awaitEvent(t, adapter.Events(), EventReady)
	if err := adapter.Send([]byte(`{"id":1,"method":"ping"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	awaitData(t, adapter.Events(), `{"id":1,"method":"ping"}`+"\n")
}

func TestStdioEnvOverlay(t *testing.T) {
	adapter, err := New(Config{
		Name:    "env",
		Kind:    KindStdio,
		Command: "sh",
		Args:    []string{"-c", `echo "value=$CONDUIT_TEST_VALUE"`},
		Env:     map[string]string{"CONDUIT_TEST_VALUE": "overlay-works"},
	}, Options{ReadyTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer adapter.Close()

	awaitData(t, adapter.Events(), "value=overlay-works")
}

func TestStdioStderrBecomesLogEvents(t *testing.T) {
	adapter, err := New(Config{
		Name:    "logger",
		Kind:    KindStdio,
		Command: "sh",
		Args:    []string{"-c", `echo "diagnostic detail" >&2; cat`},
	}, Options{ReadyTimeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer adapter.Close()

	ev := awaitEvent(t, adapter.Events(), EventLog)
	if !strings.Contains(ev.Line, "diagnostic detail") {
		t.Errorf("unexpected log line %q", ev.Line)
	}
}

func TestStdioCloseKillsProcessAndEmitsExit(t *testing.T) {
	adapter, err := New(Config{
		Name:    "victim",
		Kind:    KindStdio,
		Command: "sh",
		Args:    []string{"-c", "cat"},
	}, Options{ReadyTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	awaitEvent(t, adapter.Events(), EventReady)
	if err := adapter.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	awaitEvent(t, adapter.Events(), EventExit)

	// Close is idempotent.
	if err := adapter.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestStdioProcessExitEmitsExit(t *testing.T) {
	adapter, err := New(Config{
		Name:    "oneshot",
		Kind:    KindStdio,
		Command: "sh",
		Args:    []string{"-c", "exit 0"},
	}, Options{ReadyTimeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer adapter.Close()

	awaitEvent(t, adapter.Events(), EventExit)
}

func TestStdioMissingCommand(t *testing.T) {
	if _, err := New(Config{Name: "bad", Kind: KindStdio}, Options{}); err == nil {
		t.Fatal("expected error for missing command")
	}
}

func TestFactoryRejectsUnknownKind(t *testing.T) {
	if _, err := New(Config{Name: "x", Kind: "carrier-pigeon"}, Options{}); err == nil {
		t.Fatal("expected error for unknown transport kind")
	}
}
