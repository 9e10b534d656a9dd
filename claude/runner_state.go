package claude

// turnState tracks the currently streaming turn. All fields are protected
// by the Runner's mutex.
type turnState struct {
	Open     bool // a prompt was submitted and no result frame has arrived yet
	Complete bool // the last turn finished with a result frame
}

// tokenTracking accumulates token usage across API calls within one turn.
// The CLI reports cumulative output_tokens within each API call but resets
// the count when a new call starts, so message IDs are tracked to detect
// the boundary and accumulate across calls.
type tokenTracking struct {
	AccumulatedOutput int
	LastMessageID     string
	LastMessageTokens int

	CacheCreation int
	CacheRead     int
	Input         int
}

// Reset clears the accumulator for a new turn.
func (t *tokenTracking) Reset() {
	t.AccumulatedOutput = 0
	t.LastMessageID = ""
	t.LastMessageTokens = 0
	t.CacheCreation = 0
	t.CacheRead = 0
	t.Input = 0
}

// CurrentTotal returns accumulated output tokens plus the running count of
// the current API call.
func (t *tokenTracking) CurrentTotal() int {
	return t.AccumulatedOutput + t.LastMessageTokens
}

// ContextTokens returns the tokens occupying the context window after the
// last assistant message: non-cached input plus cache writes and reads.
func (t *tokenTracking) ContextTokens() int {
	return t.Input + t.CacheCreation + t.CacheRead
}
