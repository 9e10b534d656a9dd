// Package session holds the in-memory conversation model: a Session is an
// ordered list of Turns, each Turn an ordered list of Blocks. The TUI renders
// from this model and stream events mutate it.
package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// BlockKind discriminates the Block variants.
type BlockKind int

const (
	// BlockText is incrementally appended assistant text.
	BlockText BlockKind = iota
	// BlockToolUse is a tool invocation by the assistant.
	BlockToolUse
	// BlockToolResult is the output of a tool invocation.
	BlockToolResult
)

// ToolUseStatus tracks a tool invocation through the permission flow.
type ToolUseStatus int

const (
	ToolUsePending ToolUseStatus = iota
	ToolUseApproved
	ToolUseDenied
	ToolUseExecuted
)

// Block is one atomic unit of assistant output. Kind selects which fields
// are meaningful.
type Block struct {
	Kind BlockKind

	// BlockText
	Text string

	// BlockToolUse
	ToolID   string
	ToolName string
	Input    json.RawMessage
	Status   ToolUseStatus

	// BlockToolResult
	ResultFor string // ToolID of the invocation this answers
	Output    string
	IsError   bool
}

// Turn is one user prompt plus the assistant's full response to it.
type Turn struct {
	Prompt    string
	Blocks    []*Block
	StartedAt time.Time
	Open      bool
}

// AppendText concatenates a text fragment onto the turn's trailing text
// block, creating one if the turn does not end in text. Fragments are
// append-only: existing text is never replaced.
func (t *Turn) AppendText(fragment string) {
	if n := len(t.Blocks); n > 0 && t.Blocks[n-1].Kind == BlockText {
		t.Blocks[n-1].Text += fragment
		return
	}
	t.Blocks = append(t.Blocks, &Block{Kind: BlockText, Text: fragment})
}

// AddToolUse records a tool invocation block in pending state.
func (t *Turn) AddToolUse(id, name string, input json.RawMessage) *Block {
	block := &Block{
		Kind:     BlockToolUse,
		ToolID:   id,
		ToolName: name,
		Input:    input,
		Status:   ToolUsePending,
	}
	t.Blocks = append(t.Blocks, block)
	return block
}

// FindToolUse returns the tool-use block with the given invocation id,
// or nil.
func (t *Turn) FindToolUse(id string) *Block {
	for _, block := range t.Blocks {
		if block.Kind == BlockToolUse && block.ToolID == id {
			return block
		}
	}
	return nil
}

// Session is one conversation: an id, the directory it operates in, its
// turns, and cumulative accounting. Counters only ever grow.
type Session struct {
	ID            string
	WorkingDir    string
	Turns         []*Turn
	OutputTokens  int
	ContextTokens int
	TotalCostUSD  float64
}

// New creates a session for a working directory. The id may be empty until
// the backend assigns one.
func New(id, workingDir string) *Session {
	return &Session{ID: id, WorkingDir: workingDir}
}

// OpenTurn returns the currently streaming turn, or nil if none is open.
func (s *Session) OpenTurn() *Turn {
	if n := len(s.Turns); n > 0 && s.Turns[n-1].Open {
		return s.Turns[n-1]
	}
	return nil
}

// BeginTurn opens a new turn for a prompt. At most one turn may be open at
// a time.
func (s *Session) BeginTurn(prompt string) (*Turn, error) {
	if s.OpenTurn() != nil {
		return nil, fmt.Errorf("a turn is already open in session %s", s.ID)
	}
	turn := &Turn{Prompt: prompt, StartedAt: time.Now(), Open: true}
	s.Turns = append(s.Turns, turn)
	return turn, nil
}

// CloseTurn closes the open turn and folds in the turn's accounting.
// Counters never decrease; a terminal frame reporting less than what has
// already accumulated is ignored for that counter.
func (s *Session) CloseTurn(outputTokens, contextTokens int, costUSD float64) {
	turn := s.OpenTurn()
	if turn == nil {
		return
	}
	turn.Open = false

	s.OutputTokens += outputTokens
	if contextTokens > s.ContextTokens {
		s.ContextTokens = contextTokens
	}
	if costUSD > 0 {
		s.TotalCostUSD += costUSD
	}
}

// AddToolResult attaches a result to its tool invocation. The invocation
// must already exist in the open turn; a result without a matching tool use
// is a protocol violation.
func (s *Session) AddToolResult(toolID, output string, isError bool) error {
	turn := s.OpenTurn()
	if turn == nil {
		return fmt.Errorf("no open turn for tool result %s", toolID)
	}
	use := turn.FindToolUse(toolID)
	if use == nil {
		return fmt.Errorf("tool result %s has no matching tool use", toolID)
	}
	if use.Status == ToolUsePending || use.Status == ToolUseApproved {
		use.Status = ToolUseExecuted
	}
	turn.Blocks = append(turn.Blocks, &Block{
		Kind:      BlockToolResult,
		ResultFor: toolID,
		Output:    output,
		IsError:   isError,
	})
	return nil
}

// ContextFraction returns how much of the model's context window the session
// has consumed, in [0, 1].
func (s *Session) ContextFraction(window int) float64 {
	if window <= 0 {
		return 0
	}
	frac := float64(s.ContextTokens) / float64(window)
	if frac > 1 {
		return 1
	}
	return frac
}
