// ABOUTME: Implements the SSE Adapter - a persistent HTTP event stream for
// ABOUTME: inbound messages with plain POSTs for outbound requests.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// sseAdapter speaks the protocol over HTTP: responses and pushes arrive as
// Server-Sent Events on a long-lived GET, requests go out as POSTs to the
// same URL. The stream opening is the readiness signal; no probing needed.
type sseAdapter struct {
	cfg    Config
	client *http.Client

	events chan Event
	cancel context.CancelFunc
}

func newSSE(cfg Config, _ Options) (*sseAdapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("sse server %q: url missing", cfg.Name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &sseAdapter{
		cfg:    cfg,
		client: &http.Client{},
		events: make(chan Event, 256),
		cancel: cancel,
	}
	go s.stream(ctx)
	return s, nil
}

// Send posts one serialized request to the server. The response arrives on
// the event stream, not in the POST body.
func (s *sseAdapter) Send(payload []byte) error {
	resp, err := s.client.Post(s.cfg.URL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sse server %q: post: %w", s.cfg.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sse server %q: post status %d", s.cfg.Name, resp.StatusCode)
	}
	return nil
}

func (s *sseAdapter) Events() <-chan Event { return s.events }

// Close terminates the event stream. Idempotent: cancel is safe to call
// repeatedly.
func (s *sseAdapter) Close() error {
	s.cancel()
	return nil
}

func (s *sseAdapter) stream(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		s.fail(err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		s.fail(err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.fail(fmt.Errorf("sse server %q: status %d", s.cfg.Name, resp.StatusCode))
		return
	}

	s.events <- Event{Kind: EventReady}

	reader := newSSEReader(resp.Body)
	for {
		event, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				s.events <- Event{Kind: EventExit}
			} else {
				s.events <- Event{Kind: EventError, Err: err}
				s.events <- Event{Kind: EventExit, Err: err}
			}
			return
		}
		if event.Data == "" {
			continue
		}
		// One event payload is one protocol line for the wire decoder.
		s.events <- Event{Kind: EventData, Data: append([]byte(event.Data), '\n')}
	}
}

func (s *sseAdapter) fail(err error) {
	s.events <- Event{Kind: EventError, Err: err}
	s.events <- Event{Kind: EventExit, Err: err}
}

// sseEvent is a parsed Server-Sent Event.
type sseEvent struct {
	Event string
	Data  string
}

// sseReader incrementally parses an SSE stream. Events are separated by blank
// lines; multi-line data fields are joined with newlines per the SSE spec.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{scanner: bufio.NewScanner(r)}
}

// Next returns the next event, or io.EOF when the stream ends.
func (r *sseReader) Next() (sseEvent, error) {
	var event sseEvent
	var dataLines []string

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if event.Event != "" || len(dataLines) > 0 {
				event.Data = strings.Join(dataLines, "\n")
				return event, nil
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		// Ignore other fields (id:, retry:, comments).
	}

	if err := r.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	if event.Event != "" || len(dataLines) > 0 {
		event.Data = strings.Join(dataLines, "\n")
		return event, nil
	}
	return sseEvent{}, io.EOF
}
