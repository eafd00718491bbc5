// ABOUTME: Normalizes raw tools/call replies into one CallResult shape, with
// ABOUTME: an explicit case per known server reply style.
package manager

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/2389-research/conduit/wire"
)

// CallResult is the uniform reply surfaced to callers. Exactly one of the
// fields is normally set; Partial passes through streaming-style replies
// untouched.
type CallResult struct {
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Partial string `json:"partial,omitempty"`
}

// syntheticSuccess stands in for servers that return nothing on success.
const syntheticSuccess = "Tool executed successfully"

// normalizeToolResult converts the raw result payload into a CallResult.
// Servers disagree on reply shape; each known shape gets its own case and
// anything unrecognized falls through as the raw payload.
func normalizeToolResult(raw json.RawMessage) CallResult {
	trimmed := bytes.TrimSpace(raw)

	// Empty success: undefined, null, or {}.
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return CallResult{Result: syntheticSuccess}
	}

	// Content-block shape: {content:[{type:"text",text:...},...]}.
	var blocks wire.ToolCallResult
	if err := json.Unmarshal(trimmed, &blocks); err == nil && len(blocks.Content) > 0 {
		text := joinContent(blocks.Content)
		if blocks.IsError {
			return CallResult{Error: text}
		}
		return CallResult{Result: text}
	}

	// Already shaped: {result|error|partial} passes through unchanged.
	var shaped map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &shaped); err == nil {
		_, hasResult := shaped["result"]
		_, hasError := shaped["error"]
		_, hasPartial := shaped["partial"]
		if hasResult || hasError || hasPartial {
			return CallResult{
				Result:  rawToText(shaped["result"]),
				Error:   rawToText(shaped["error"]),
				Partial: rawToText(shaped["partial"]),
			}
		}
	}

	// Unknown shape: wrap the raw payload as the result.
	return CallResult{Result: rawToText(trimmed)}
}

// joinContent flattens content blocks into one string, text blocks verbatim
// and binary blocks as placeholders.
func joinContent(blocks []wire.ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		switch block.Type {
		case "text":
			parts = append(parts, block.Text)
		case "image", "resource":
			parts = append(parts, "["+block.Type+": "+block.MimeType+"]")
		}
	}
	return strings.Join(parts, "\n")
}

// rawToText renders a raw JSON value as text: strings unquoted, everything
// else as its JSON encoding.
func rawToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
