package wire_test

import (
	"testing"

	"github.com/2389-research/conduit/wire"
)

func TestDecoderSplitAcrossChunks(t *testing.T) {
	var d wire.Decoder

	frames := d.Push([]byte(`{"id":1,"res`))
	if len(frames) != 0 {
		t.Fatalf("expected no frames for partial line, got %d", len(frames))
	}
	if d.Buffered() == 0 {
		t.Error("expected partial line to stay buffered")
	}

	frames = d.Push([]byte("ult\":{\"ok\":true}}\n"))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Kind != wire.FrameResponse {
		t.Errorf("expected FrameResponse, got %v", frames[0].Kind)
	}
	if frames[0].Response.ID != 1 {
		t.Errorf("expected id 1, got %d", frames[0].Response.ID)
	}
	if d.Buffered() != 0 {
		t.Errorf("expected empty buffer, got %d bytes", d.Buffered())
	}
}

func TestDecoderMultipleLinesOneChunk(t *testing.T) {
	var d wire.Decoder
	input := "{\"id\":2,\"result\":{}}\n{\"id\":1,\"result\":{}}\n"

	frames := d.Push([]byte(input))
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Response.ID != 2 || frames[1].Response.ID != 1 {
		t.Errorf("expected ids 2,1 got %d,%d", frames[0].Response.ID, frames[1].Response.ID)
	}
}

func TestDecoderMalformedLine(t *testing.T) {
	var d wire.Decoder

	frames := d.Push([]byte("this is not json\n{\"id\":3,\"result\":{}}\n"))
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Kind != wire.FrameLog {
		t.Errorf("expected FrameLog for malformed line, got %v", frames[0].Kind)
	}
	if frames[0].JSON {
		t.Error("malformed line should not be marked as JSON")
	}
	if frames[0].Text != "this is not json" {
		t.Errorf("unexpected log text: %q", frames[0].Text)
	}
	if frames[1].Kind != wire.FrameResponse {
		t.Error("stream should continue after a malformed line")
	}
}

func TestDecoderReadyMarkers(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"explicit ready field", `{"ready":true}` + "\n"},
		{"init response", `{"id":1,"result":{"protocolVersion":"2024-11-05"}}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d wire.Decoder
			frames := d.Push([]byte(tt.line))
			if len(frames) != 1 {
				t.Fatalf("expected 1 frame, got %d", len(frames))
			}
			if frames[0].Kind != wire.FrameReady {
				t.Errorf("expected FrameReady, got %v", frames[0].Kind)
			}
		})
	}
}

func TestDecoderUnsolicitedJSON(t *testing.T) {
	var d wire.Decoder
	frames := d.Push([]byte(`{"method":"log","params":{"msg":"hi"}}` + "\n"))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Kind != wire.FrameLog {
		t.Errorf("expected FrameLog, got %v", frames[0].Kind)
	}
	if !frames[0].JSON {
		t.Error("expected JSON flag for valid JSON line")
	}
}

func TestDecoderErrorResponse(t *testing.T) {
	var d wire.Decoder
	frames := d.Push([]byte(`{"id":7,"error":{"code":-32601,"message":"no such method"}}` + "\n"))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	resp := frames[0].Response
	if resp == nil || resp.Error == nil {
		t.Fatal("expected response with error")
	}
	if resp.Error.Code != -32601 {
		t.Errorf("expected code -32601, got %d", resp.Error.Code)
	}
}

func TestDecoderSkipsBlankLines(t *testing.T) {
	var d wire.Decoder
	frames := d.Push([]byte("\n\n{\"id\":1,\"result\":{}}\n\n"))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
}
