// Package permission arbitrates tool-use requests: it answers immediately
// from standing grants and policy, or surfaces a prompt to the UI and blocks
// the requesting session worker until the user decides.
package permission

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/zhubert/tether/logger"
)

// RequestChannelBuffer is the buffer size for the UI-facing request channel.
// One is enough: the backend never issues overlapping requests on a session.
const RequestChannelBuffer = 1

// Kind is the policy category of a tool.
type Kind string

const (
	// KindEdit covers file-modification tools eligible for auto-approval.
	KindEdit Kind = "edit"
	// KindExecute covers command execution. Never auto-approved.
	KindExecute Kind = "execute"
	// KindRead covers read-only inspection tools.
	KindRead Kind = "read"
	// KindOther covers everything else.
	KindOther Kind = "other"
)

// Classify maps a tool name to its policy kind.
func Classify(tool string) Kind {
	// Bash entries may carry a command filter, e.g. "Bash(ls:*)"
	if tool == "Bash" || strings.HasPrefix(tool, "Bash(") {
		return KindExecute
	}
	switch tool {
	case "Edit", "Write", "NotebookEdit":
		return KindEdit
	case "Read", "Glob", "Grep":
		return KindRead
	default:
		return KindOther
	}
}

// Decision is the outcome of a permission request.
type Decision int

const (
	// Deny rejects this invocation.
	Deny Decision = iota
	// AllowOnce approves this invocation only.
	AllowOnce
	// AllowAlways approves this invocation and all future invocations of
	// the same kind for the session's lifetime.
	AllowAlways
)

// Request describes one tool invocation awaiting a decision.
type Request struct {
	ID          string
	Tool        string
	Kind        Kind
	Description string
	Input       map[string]any
}

// PendingRequest is a Request surfaced to the UI, carrying the one-shot
// response channel the worker is blocked on.
type PendingRequest struct {
	Request

	resp chan Decision
	once sync.Once
}

// Respond delivers the user's decision. Safe to call more than once; only
// the first call counts.
func (p *PendingRequest) Respond(d Decision) {
	p.once.Do(func() {
		p.resp <- d
	})
}

// Arbiter holds the session's standing grants and policy flags and runs the
// decision rendezvous. Construct one per session.
type Arbiter struct {
	mu           sync.Mutex
	grants       map[Kind]bool
	allowedTools map[string]bool
	autoEdit     bool
	closed       bool

	requests  chan *PendingRequest
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an Arbiter. allowedTools are pre-approved tool names (from
// config); autoEdit sets the initial auto-approval policy for edit tools.
func New(allowedTools []string, autoEdit bool) *Arbiter {
	allowed := make(map[string]bool, len(allowedTools))
	for _, tool := range allowedTools {
		allowed[tool] = true
	}
	return &Arbiter{
		grants:       make(map[Kind]bool),
		allowedTools: allowed,
		autoEdit:     autoEdit,
		requests:     make(chan *PendingRequest, RequestChannelBuffer),
		done:         make(chan struct{}),
	}
}

// Requests returns the channel the UI consumes pending prompts from.
func (a *Arbiter) Requests() <-chan *PendingRequest {
	return a.requests
}

// SetAutoEdit toggles auto-approval of edit-class tools.
func (a *Arbiter) SetAutoEdit(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.autoEdit = enabled
}

// AutoEdit returns the current auto-edit policy.
func (a *Arbiter) AutoEdit() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.autoEdit
}

// AllowTool adds a standing grant for an exact tool name.
func (a *Arbiter) AllowTool(tool string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowedTools[tool] = true
}

// decideFromPolicy answers without a prompt when standing state allows it.
// Returns (decision, true) when policy decides, (0, false) when the user
// must be asked.
func (a *Arbiter) decideFromPolicy(req Request) (Decision, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return Deny, true
	}
	if a.allowedTools[req.Tool] {
		return AllowOnce, true
	}
	if a.grants[req.Kind] {
		return AllowOnce, true
	}
	// Execution-class tools always prompt, regardless of auto-edit
	if a.autoEdit && req.Kind == KindEdit {
		return AllowOnce, true
	}
	return 0, false
}

// Decide resolves a permission request. It consults standing grants and the
// auto-edit policy first; otherwise it surfaces the request to the UI and
// blocks until Respond is called, the context is cancelled, or the arbiter
// is closed. Cancellation and close both resolve to Deny, so a stopped
// session never leaves a worker hanging here.
func (a *Arbiter) Decide(ctx context.Context, req Request) Decision {
	log := logger.WithComponent("permission")

	if req.Kind == "" {
		req.Kind = Classify(req.Tool)
	}
	if req.Description == "" {
		req.Description = Describe(req.Tool, req.Input)
	}

	if d, ok := a.decideFromPolicy(req); ok {
		log.Debug("decided from policy", "tool", req.Tool, "kind", req.Kind, "decision", d)
		return d
	}

	pending := &PendingRequest{Request: req, resp: make(chan Decision, 1)}

	select {
	case a.requests <- pending:
	case <-a.done:
		return Deny
	case <-ctx.Done():
		return Deny
	}

	// No timeout here: a human must resolve the prompt.
	var decision Decision
	select {
	case decision = <-pending.resp:
	case <-a.done:
		decision = Deny
	case <-ctx.Done():
		decision = Deny
	}

	if decision == AllowAlways {
		a.mu.Lock()
		a.grants[req.Kind] = true
		a.mu.Unlock()
		log.Info("standing grant recorded", "kind", req.Kind, "tool", req.Tool)
	}

	log.Info("permission decided", "tool", req.Tool, "kind", req.Kind, "decision", decision)
	return decision
}

// Preapproved reports whether a Decide call for the tool would answer from
// standing state without prompting the user. Callers use it to skip showing
// a prompt that would resolve instantly.
func (a *Arbiter) Preapproved(tool string) bool {
	_, ok := a.decideFromPolicy(Request{Tool: tool, Kind: Classify(tool)})
	return ok
}

// Granted reports whether the kind already has a standing grant.
func (a *Arbiter) Granted(kind Kind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grants[kind]
}

// Close shuts the arbiter down, releasing any worker blocked in Decide with
// an implicit deny. Idempotent.
func (a *Arbiter) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.done)
	})
}

// Describe renders a short human-readable summary of a tool invocation for
// the prompt.
func Describe(tool string, input map[string]any) string {
	str := func(key string) string {
		if input == nil {
			return ""
		}
		if v, ok := input[key].(string); ok {
			return v
		}
		return ""
	}

	switch tool {
	case "Bash":
		if cmd := str("command"); cmd != "" {
			return fmt.Sprintf("Run command: %s", cmd)
		}
		return "Run a shell command"
	case "Edit":
		if path := str("file_path"); path != "" {
			return fmt.Sprintf("Edit file: %s", path)
		}
		return "Edit a file"
	case "Write":
		if path := str("file_path"); path != "" {
			return fmt.Sprintf("Write file: %s", path)
		}
		return "Write a file"
	case "Read":
		if path := str("file_path"); path != "" {
			return fmt.Sprintf("Read file: %s", path)
		}
		return "Read a file"
	case "WebFetch":
		if url := str("url"); url != "" {
			return fmt.Sprintf("Fetch URL: %s", url)
		}
		return "Fetch a URL"
	default:
		return fmt.Sprintf("Use tool: %s", tool)
	}
}
