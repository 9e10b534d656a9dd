package claude

import (
	"encoding/json"

	"github.com/zhubert/tether/permission"
)

// Event is one element of a Runner's event stream. The set of variants is
// closed: every backend frame kind maps to zero or more of these, and an
// unrecognized frame fails decoding rather than passing through silently.
type Event interface {
	uiEvent()
}

// TextDelta is an incremental text fragment. Fragments with the same block
// index concatenate in arrival order; consumers must append, never replace.
type TextDelta struct {
	Block int
	Text  string
}

// ToolUseStarted reports that the assistant invoked a tool.
type ToolUseStarted struct {
	ID          string
	Name        string
	Input       json.RawMessage
	Description string
}

// ToolUseNeedsPermission reports that a tool invocation is suspended waiting
// for the user's decision. Exactly one ToolResult for the same ID follows a
// denial; an approval lets the backend execute and report its own result.
type ToolUseNeedsPermission struct {
	ID          string
	Name        string
	Kind        permission.Kind
	Description string
	Input       map[string]any
}

// ToolResult carries a tool's output, paired to its ToolUseStarted by ID.
type ToolResult struct {
	ID      string
	Output  string
	IsError bool
}

// ModelTokenCount is the per-model output token breakdown for a turn.
type ModelTokenCount struct {
	Model        string
	OutputTokens int
}

// TurnComplete closes the current turn with cumulative usage totals.
// ContextFraction is the share of the context window occupied after this
// turn, in [0, 1].
type TurnComplete struct {
	OutputTokens        int
	InputTokens         int
	CacheCreationTokens int
	CacheReadTokens     int
	ContextTokens       int
	ContextFraction     float64
	TotalCostUSD        float64
	DurationMs          int
	ByModel             []ModelTokenCount
}

// StreamError reports a decode or transport failure. The handle is closed
// with error after this event; further Submit calls fail and the caller
// must Start a new Runner.
type StreamError struct {
	Message string
}

// Done is the final sentinel on the event stream. The channel is closed
// immediately after it is delivered.
type Done struct{}

func (TextDelta) uiEvent()              {}
func (ToolUseStarted) uiEvent()         {}
func (ToolUseNeedsPermission) uiEvent() {}
func (ToolResult) uiEvent()             {}
func (TurnComplete) uiEvent()           {}
func (StreamError) uiEvent()            {}
func (Done) uiEvent()                   {}
