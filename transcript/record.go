// Package transcript reads and appends the per-session JSONL logs the Claude
// CLI keeps under ~/.claude/projects, and resolves which session to resume.
package transcript

import (
	"encoding/json"
	"strings"
)

// Record is one line of a session transcript file. Only the fields Tether
// cares about are declared; unknown fields survive in Raw so appended
// records round-trip losslessly.
type Record struct {
	Type      string         `json:"type"`
	IsMeta    bool           `json:"isMeta,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Message   *RecordMessage `json:"message,omitempty"`

	// Raw is the original line, kept for records whose shape this version
	// does not understand. Not serialized.
	Raw json.RawMessage `json:"-"`
}

// RecordMessage is the message payload of a user or assistant record.
// Content is either a plain string (user prompts) or an array of content
// blocks (assistant output, tool results), so it stays raw until extracted.
type RecordMessage struct {
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// Usage mirrors the token accounting block the backend attaches to messages.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

// ContextTokens returns the total input-side context consumed as of this
// usage block: fresh input plus cache writes plus cache reads.
func (u *Usage) ContextTokens() int {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// ContentBlock is one element of an array-form message content.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Message kinds produced by extraction for display replay.
const (
	MessageUser       = "user"
	MessageAssistant  = "assistant"
	MessageToolUse    = "tool_use"
	MessageToolResult = "tool_result"
)

// Message is a replay-ready unit extracted from a Record.
type Message struct {
	Kind    string
	Text    string          // user/assistant text, or tool result output
	Name    string          // tool name for tool_use
	Input   json.RawMessage // tool input for tool_use
	ID      string          // tool invocation id for tool_use/tool_result
	IsError bool            // tool_result error flag
}

// skipTags mark user records that are internal command plumbing rather than
// something the user typed.
var skipTags = []string{
	"<command-name>/",
	"<local-command-stdout>",
	"<local-command-caveat>",
}

func isInternalCommand(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return true
	}
	if strings.HasPrefix(trimmed, "/") {
		return true
	}
	for _, tag := range skipTags {
		if strings.Contains(content, tag) {
			return true
		}
	}
	return false
}

// Extract converts a Record into zero or more replay Messages, filtering
// internal-command records and meta records. Records whose shape is not
// understood yield nothing; they are skipped for display, never deleted.
func (r *Record) Extract() []Message {
	if r.IsMeta || r.Message == nil {
		return nil
	}

	switch r.Type {
	case "user":
		// String content is a typed prompt; array content carries tool results.
		var text string
		if err := json.Unmarshal(r.Message.Content, &text); err == nil {
			if isInternalCommand(text) {
				return nil
			}
			return []Message{{Kind: MessageUser, Text: text}}
		}
		var blocks []ContentBlock
		if err := json.Unmarshal(r.Message.Content, &blocks); err != nil {
			return nil
		}
		var messages []Message
		for _, block := range blocks {
			if block.Type != "tool_result" {
				continue
			}
			messages = append(messages, Message{
				Kind:    MessageToolResult,
				ID:      block.ToolUseID,
				Text:    flattenResultContent(block.Content),
				IsError: block.IsError,
			})
		}
		return messages

	case "assistant":
		var blocks []ContentBlock
		if err := json.Unmarshal(r.Message.Content, &blocks); err != nil {
			return nil
		}
		var messages []Message
		for _, block := range blocks {
			switch block.Type {
			case "text":
				if strings.TrimSpace(block.Text) != "" {
					messages = append(messages, Message{Kind: MessageAssistant, Text: block.Text})
				}
			case "tool_use":
				messages = append(messages, Message{
					Kind:  MessageToolUse,
					Name:  block.Name,
					Input: block.Input,
					ID:    block.ID,
				})
			}
		}
		return messages
	}

	return nil
}

// flattenResultContent renders a tool_result content payload as plain text.
// The payload is either a string or an array of text blocks.
func flattenResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}
