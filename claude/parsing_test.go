package claude

import (
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func mustParse(t *testing.T, line string) []Event {
	t.Helper()
	events, err := parseStreamMessage(line, true, discardLogger())
	if err != nil {
		t.Fatalf("parseStreamMessage(%q) error: %v", line, err)
	}
	return events
}

func TestParseTextDelta(t *testing.T) {
	line := `{"type":"stream_event","event":{"type":"content_block_delta","index":2,"delta":{"type":"text_delta","text":"hello"}}}`
	events := mustParse(t, line)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	delta, ok := events[0].(TextDelta)
	if !ok {
		t.Fatalf("expected TextDelta, got %T", events[0])
	}
	if delta.Block != 2 {
		t.Errorf("Block = %d, want 2", delta.Block)
	}
	if delta.Text != "hello" {
		t.Errorf("Text = %q, want %q", delta.Text, "hello")
	}
}

func TestParseTextDeltaOrderPreserved(t *testing.T) {
	lines := []string{
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"foo"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"bar"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"baz"}}}`,
	}
	var got string
	for _, line := range lines {
		for _, ev := range mustParse(t, line) {
			got += ev.(TextDelta).Text
		}
	}
	if got != "foobarbaz" {
		t.Errorf("concatenated deltas = %q, want %q", got, "foobarbaz")
	}
}

func TestParseToolUse(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"toolu_01","name":"Bash","input":{"command":"ls -la"}}]}}`
	events := mustParse(t, line)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	use, ok := events[0].(ToolUseStarted)
	if !ok {
		t.Fatalf("expected ToolUseStarted, got %T", events[0])
	}
	if use.ID != "toolu_01" {
		t.Errorf("ID = %q, want %q", use.ID, "toolu_01")
	}
	if use.Name != "Bash" {
		t.Errorf("Name = %q, want %q", use.Name, "Bash")
	}
	var input map[string]any
	if err := json.Unmarshal(use.Input, &input); err != nil {
		t.Fatalf("tool input does not round-trip: %v", err)
	}
	if input["command"] != "ls -la" {
		t.Errorf("input command = %v, want %q", input["command"], "ls -la")
	}
	if use.Description == "" {
		t.Error("expected a non-empty description")
	}
}

func TestParseAssistantTextSkippedWithStreamEvents(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"already streamed"}]}}`
	if events := mustParse(t, line); len(events) != 0 {
		t.Errorf("expected text to be skipped when stream events are on, got %d events", len(events))
	}

	events, err := parseStreamMessage(line, false, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event without stream events, got %d", len(events))
	}
	if delta := events[0].(TextDelta); delta.Text != "already streamed" {
		t.Errorf("Text = %q, want %q", delta.Text, "already streamed")
	}
}

func TestParseToolResult(t *testing.T) {
	line := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_01","content":"total 8\n","is_error":false}]}}`
	events := mustParse(t, line)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	result, ok := events[0].(ToolResult)
	if !ok {
		t.Fatalf("expected ToolResult, got %T", events[0])
	}
	if result.ID != "toolu_01" {
		t.Errorf("ID = %q, want %q", result.ID, "toolu_01")
	}
	if result.Output != "total 8\n" {
		t.Errorf("Output = %q", result.Output)
	}
	if result.IsError {
		t.Error("IsError = true, want false")
	}
}

func TestParseToolResultBlockContent(t *testing.T) {
	line := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_02","content":[{"type":"text","text":"line one"},{"type":"text","text":"line two"}],"is_error":true}]}}`
	events := mustParse(t, line)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	result := events[0].(ToolResult)
	if result.Output != "line one\nline two" {
		t.Errorf("Output = %q, want joined text blocks", result.Output)
	}
	if !result.IsError {
		t.Error("IsError = false, want true")
	}
}

func TestParseSkipsNonJSONLines(t *testing.T) {
	for _, line := range []string{"", "   ", "Loading claude...", "warning: something"} {
		events, err := parseStreamMessage(line, true, discardLogger())
		if err != nil {
			t.Errorf("line %q: unexpected error %v", line, err)
		}
		if len(events) != 0 {
			t.Errorf("line %q: expected no events, got %d", line, len(events))
		}
	}
}

func TestParseMalformedFrameFails(t *testing.T) {
	_, err := parseStreamMessage(`{"type":"assistant","message":`, true, discardLogger())
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestParseUnknownFrameTypeFails(t *testing.T) {
	_, err := parseStreamMessage(`{"type":"telemetry","payload":{}}`, true, discardLogger())
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError for unknown frame type, got %v", err)
	}

	if _, err := parseStreamMessage(`{"no_type":true}`, true, discardLogger()); err == nil {
		t.Error("expected error for frame without a type")
	}
}

func TestParseSystemAndResultProduceNoEvents(t *testing.T) {
	for _, line := range []string{
		`{"type":"system","subtype":"init","session_id":"abc"}`,
		`{"type":"result","subtype":"success","total_cost_usd":0.05,"duration_ms":1200}`,
	} {
		if events := mustParse(t, line); len(events) != 0 {
			t.Errorf("line %q: expected no events, got %d", line, len(events))
		}
	}
}

func TestFlattenResultContent(t *testing.T) {
	if got := flattenResultContent(nil); got != "" {
		t.Errorf("nil content = %q, want empty", got)
	}
	if got := flattenResultContent(json.RawMessage(`"plain"`)); got != "plain" {
		t.Errorf("string content = %q, want %q", got, "plain")
	}
	if got := flattenResultContent(json.RawMessage(`[{"type":"text","text":"a"},{"type":"image"},{"type":"text","text":"b"}]`)); got != "a\nb" {
		t.Errorf("block content = %q, want %q", got, "a\nb")
	}
}
