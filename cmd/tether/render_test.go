package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/zhubert/tether/session"
)

func TestToolLineDescribesBashCommand(t *testing.T) {
	block := &session.Block{
		Kind:     session.BlockToolUse,
		ToolName: "Bash",
		Input:    json.RawMessage(`{"command":"go test ./..."}`),
		Status:   session.ToolUseExecuted,
	}
	got := toolLine(block)
	if !strings.Contains(got, "go test ./...") {
		t.Errorf("toolLine = %q, want it to contain the command", got)
	}
}

func TestToolLineMarksDenied(t *testing.T) {
	block := &session.Block{
		Kind:     session.BlockToolUse,
		ToolName: "Bash",
		Status:   session.ToolUseDenied,
	}
	if got := toolLine(block); !strings.Contains(got, "denied") {
		t.Errorf("toolLine = %q, want denied marker", got)
	}
}

func TestToolLineUnknownToolFallback(t *testing.T) {
	block := &session.Block{Kind: session.BlockToolUse}
	if got := toolLine(block); got != "tool" {
		t.Errorf("toolLine = %q, want %q", got, "tool")
	}
}

func TestClampLines(t *testing.T) {
	in := "a\nb\nc\nd"
	if got := clampLines(in, 2); got != "a\nb\n…" {
		t.Errorf("clampLines = %q", got)
	}
	if got := clampLines(in, 10); got != in {
		t.Errorf("clampLines below limit = %q, want unchanged", got)
	}
}

func TestIndent(t *testing.T) {
	if got := indent("x\ny", "  "); got != "  x\n  y" {
		t.Errorf("indent = %q", got)
	}
}

func TestRenderTranscriptOrdersBlocks(t *testing.T) {
	s := session.New("abc", "/tmp")
	turn, _ := s.BeginTurn("list files")
	turn.AppendText("Running ls.")
	turn.AddToolUse("toolu_01", "Bash", json.RawMessage(`{"command":"ls"}`))
	s.AddToolResult("toolu_01", "main.go\nui.go", false)
	s.CloseTurn(10, 100, 0.01)

	out := renderTranscript(s, newTheme(""), 80)
	promptIdx := strings.Index(out, "list files")
	textIdx := strings.Index(out, "Running ls.")
	toolIdx := strings.Index(out, "ls")
	resultIdx := strings.Index(out, "main.go")
	if promptIdx < 0 || textIdx < 0 || toolIdx < 0 || resultIdx < 0 {
		t.Fatalf("missing content in render:\n%s", out)
	}
	if !(promptIdx < textIdx && textIdx < resultIdx) {
		t.Errorf("blocks out of order: prompt=%d text=%d result=%d", promptIdx, textIdx, resultIdx)
	}
}
