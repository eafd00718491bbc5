// ABOUTME: Implements the Decoder - splits raw byte chunks into newline-framed
// ABOUTME: messages and classifies each line as ready/response/log.
package wire

import (
	"bytes"
	"encoding/json"
	"strings"
)

// FrameKind classifies a decoded line.
type FrameKind int

const (
	// FrameReady signals a protocol handshake marker: an explicit "ready"
	// field or a recognizable init-response.
	FrameReady FrameKind = iota

	// FrameResponse carries a response envelope with a correlation id.
	FrameResponse

	// FrameLog carries a line that is not part of the request/response
	// exchange: unsolicited JSON without an id, or a non-JSON line.
	FrameLog
)

// Frame is one classified message extracted from the byte stream.
type Frame struct {
	Kind     FrameKind
	Response *Response // set for FrameResponse
	Text     string    // raw line, set for FrameLog
	JSON     bool      // for FrameLog: whether the line parsed as JSON
}

// Decoder accumulates raw chunks and extracts newline-delimited frames.
// A trailing partial line persists across Push calls.
type Decoder struct {
	buf []byte
}

// Push appends a chunk to the internal buffer and returns all frames that
// became complete. Malformed lines never produce an error; they surface as
// FrameLog so the caller can record them as diagnostics.
func (d *Decoder) Push(chunk []byte) []Frame {
	d.buf = append(d.buf, chunk...)
	var frames []Frame
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			return frames
		}
		line := strings.TrimSpace(string(d.buf[:i]))
		d.buf = d.buf[i+1:]
		if line == "" {
			continue
		}
		frames = append(frames, classify(line))
	}
}

// Buffered reports how many bytes of an incomplete line are pending.
func (d *Decoder) Buffered() int { return len(d.buf) }

// envelope is the superset of fields the codec inspects for classification.
type envelope struct {
	ID     *uint64         `json:"id"`
	Ready  json.RawMessage `json:"ready"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func classify(line string) Frame {
	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return Frame{Kind: FrameLog, Text: line}
	}
	if isHandshake(&env) {
		return Frame{Kind: FrameReady, Text: line, JSON: true}
	}
	if env.ID != nil {
		return Frame{Kind: FrameResponse, Response: &Response{
			ID:     *env.ID,
			Result: env.Result,
			Error:  env.Error,
		}}
	}
	return Frame{Kind: FrameLog, Text: line, JSON: true}
}

// isHandshake recognizes the two readiness markers servers emit on stdout: an
// explicit top-level "ready" field, or an init-response carrying a
// protocolVersion in its result.
func isHandshake(env *envelope) bool {
	if len(env.Ready) > 0 {
		return true
	}
	if len(env.Result) == 0 {
		return false
	}
	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(env.Result, &init); err != nil {
		return false
	}
	return init.ProtocolVersion != ""
}
