package main

import (
	"encoding/json"
	"strings"

	"github.com/zhubert/tether/permission"
	"github.com/zhubert/tether/session"
)

const maxResultLines = 6

// renderTranscript flattens the session into the scrollback text: one styled
// prompt line per turn, then its blocks in arrival order.
func renderTranscript(s *session.Session, th theme, width int) string {
	var b strings.Builder
	for i, turn := range s.Turns {
		if i > 0 {
			b.WriteString("\n")
		}
		if turn.Prompt != "" {
			b.WriteString(th.user.Render("❯ " + turn.Prompt))
			b.WriteString("\n")
		}
		for _, block := range turn.Blocks {
			b.WriteString(renderBlock(block, th, width))
		}
	}
	return b.String()
}

func renderBlock(block *session.Block, th theme, width int) string {
	switch block.Kind {
	case session.BlockText:
		return th.assistant.Width(max(width-2, 20)).Render(block.Text) + "\n"
	case session.BlockToolUse:
		return th.toolUse.Render("⚙ "+toolLine(block)) + "\n"
	case session.BlockToolResult:
		style := th.toolResult
		if block.IsError {
			style = th.toolError
		}
		out := clampLines(strings.TrimRight(block.Output, "\n"), maxResultLines)
		if out == "" {
			return ""
		}
		return style.Render(indent(out, "  ")) + "\n"
	}
	return ""
}

// toolLine is the one-line summary of a tool invocation, with its
// permission state when it never ran.
func toolLine(block *session.Block) string {
	line := describeInput(block.ToolName, block.Input)
	if line == "" {
		line = block.ToolName
	}
	if line == "" {
		line = "tool"
	}
	switch block.Status {
	case session.ToolUsePending:
		line += " (awaiting permission)"
	case session.ToolUseDenied:
		line += " (denied)"
	}
	return line
}

func describeInput(tool string, raw json.RawMessage) string {
	if tool == "" {
		return ""
	}
	var input map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &input); err != nil {
			input = nil
		}
	}
	return permission.Describe(tool, input)
}

func clampLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[:n], "\n") + "\n…"
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
