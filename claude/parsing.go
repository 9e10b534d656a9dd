package claude

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/zhubert/tether/permission"
)

// StreamUsage is the token usage breakdown attached to assistant and result
// frames.
type StreamUsage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

// modelUsageEntry is the per-model usage breakdown in result frames.
type modelUsageEntry struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUSD"`
}

// streamMessage is one JSON frame from the CLI's stream-json output.
type streamMessage struct {
	Type    string `json:"type"`    // "system", "assistant", "user", "result", "stream_event"
	Subtype string `json:"subtype"` // "init", "success", "error_during_execution", ...
	Message struct {
		ID      string `json:"id,omitempty"`
		Model   string `json:"model,omitempty"`
		Content []struct {
			Type      string          `json:"type"` // "text", "tool_use", "tool_result"
			ID        string          `json:"id,omitempty"`
			Text      string          `json:"text,omitempty"`
			Name      string          `json:"name,omitempty"`
			Input     json.RawMessage `json:"input,omitempty"`
			ToolUseID string          `json:"tool_use_id,omitempty"`
			Content   json.RawMessage `json:"content,omitempty"`
			IsError   bool            `json:"is_error,omitempty"`
		} `json:"content"`
		Usage *StreamUsage `json:"usage,omitempty"`
	} `json:"message"`
	Event         *streamEvent                `json:"event,omitempty"`
	Result        string                      `json:"result,omitempty"`
	Error         string                      `json:"error,omitempty"`
	Errors        []string                    `json:"errors,omitempty"`
	SessionID     string                      `json:"session_id,omitempty"`
	DurationMs    int                         `json:"duration_ms,omitempty"`
	DurationAPIMs int                         `json:"duration_api_ms,omitempty"`
	TotalCostUSD  float64                     `json:"total_cost_usd,omitempty"`
	Usage         *StreamUsage                `json:"usage,omitempty"`
	ModelUsage    map[string]*modelUsageEntry `json:"modelUsage,omitempty"`
}

// streamEvent is the payload of type="stream_event" frames, present when
// --include-partial-messages is enabled.
type streamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index,omitempty"`
	Message *struct {
		ID    string       `json:"id,omitempty"`
		Usage *StreamUsage `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	ContentBlock *struct {
		Type string `json:"type,omitempty"`
		Text string `json:"text,omitempty"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type,omitempty"` // "text_delta", "input_json_delta"
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *StreamUsage `json:"usage,omitempty"`
}

// parseStreamMessage decodes one line of CLI output into zero or more
// events, preserving the frame's internal order. Non-JSON lines are
// informational output from --verbose and are skipped. A line that looks
// like a frame but fails to decode, or carries an unrecognized type,
// returns a DecodeError.
//
// When hasStreamEvents is true, assistant text content is skipped because
// the same text already arrived incrementally via content_block_delta.
// Result frames produce no events here; the Runner folds them together
// with its accumulated token state into TurnComplete.
func parseStreamMessage(line string, hasStreamEvents bool, log *slog.Logger) ([]Event, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	if !strings.HasPrefix(line, "{") {
		log.Debug("skipping non-JSON line from CLI", "line", truncateForLog(line))
		return nil, nil
	}

	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, &DecodeError{Line: truncateForLog(line), Err: err}
	}

	var events []Event

	switch msg.Type {
	case "system":
		// Init and status notices carry no displayable content.
		log.Debug("system frame", "subtype", msg.Subtype)

	case "stream_event":
		if msg.Event != nil {
			events = append(events, parseStreamEvent(msg.Event, log)...)
		}

	case "assistant":
		for _, content := range msg.Message.Content {
			switch content.Type {
			case "text":
				// Already delivered via deltas when stream events are on.
				if hasStreamEvents {
					continue
				}
				if content.Text != "" {
					events = append(events, TextDelta{Text: content.Text})
				}
			case "tool_use":
				events = append(events, ToolUseStarted{
					ID:          content.ID,
					Name:        content.Name,
					Input:       content.Input,
					Description: describeToolInput(content.Name, content.Input),
				})
				log.Debug("tool use", "tool", content.Name, "id", content.ID)
			}
		}

	case "user":
		// User frames in stream-json carry tool results.
		for _, content := range msg.Message.Content {
			if content.Type != "tool_result" && content.ToolUseID == "" {
				continue
			}
			events = append(events, ToolResult{
				ID:      content.ToolUseID,
				Output:  flattenResultContent(content.Content),
				IsError: content.IsError,
			})
			log.Debug("tool result", "toolUseID", content.ToolUseID, "isError", content.IsError)
		}

	case "result":
		log.Debug("result frame", "subtype", msg.Subtype, "costUSD", msg.TotalCostUSD)

	case "":
		return nil, &DecodeError{Line: truncateForLog(line), Err: errMissingFrameType}

	default:
		return nil, &DecodeError{Line: truncateForLog(line), Err: errUnknownFrameType(msg.Type)}
	}

	return events, nil
}

// parseStreamEvent extracts text deltas from stream_event frames. Token
// counts in message_start/message_delta are folded by the Runner.
func parseStreamEvent(event *streamEvent, log *slog.Logger) []Event {
	var events []Event

	switch event.Type {
	case "message_start", "content_block_start", "content_block_stop",
		"message_delta", "message_stop":
		log.Debug("stream event", "type", event.Type)

	case "content_block_delta":
		if event.Delta == nil {
			break
		}
		switch event.Delta.Type {
		case "text_delta":
			if event.Delta.Text != "" {
				events = append(events, TextDelta{Block: event.Index, Text: event.Delta.Text})
			}
		case "input_json_delta":
			// Tool input streams in fragments; the complete input arrives
			// in the assistant frame, so nothing is emitted here.
		}
	}

	return events
}

// describeToolInput produces the short human-readable summary shown next to
// a tool invocation, reusing the Arbiter's descriptions so prompts and the
// chat view agree.
func describeToolInput(toolName string, input json.RawMessage) string {
	if len(input) == 0 {
		return permission.Describe(toolName, nil)
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return permission.Describe(toolName, nil)
	}
	return permission.Describe(toolName, args)
}

// flattenResultContent renders tool_result content, which is either a bare
// string or an array of text blocks, as plain text.
func flattenResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

const maxLogLineLen = 200

func truncateForLog(s string) string {
	if len(s) <= maxLogLineLen {
		return s
	}
	return s[:maxLogLineLen] + "..."
}
