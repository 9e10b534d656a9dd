package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/tether/config"
	"github.com/zhubert/tether/logger"
	"github.com/zhubert/tether/mcp"
	"github.com/zhubert/tether/permission"
)

const (
	// MaxProcessRestartAttempts is the maximum number of times to restart
	// a crashed backend process before giving up.
	MaxProcessRestartAttempts = 3

	// ProcessRestartDelay is the delay between restart attempts.
	ProcessRestartDelay = 500 * time.Millisecond

	// EventChannelBuffer is the buffer size of the event stream. When it
	// fills, the worker blocks rather than dropping or reordering events.
	EventChannelBuffer = 256
)

// DeniedMessage is the synthesized tool error reported for a denied
// permission request.
const DeniedMessage = "User denied permission"

// streamInputMessage is the stream-json user message written to the CLI's
// stdin.
type streamInputMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string         `json:"role"`
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Options configures a new Runner.
type Options struct {
	SessionID     string   // client-generated UUID, or the id being resumed
	WorkingDir    string   // project directory the backend operates in
	Resume        bool     // true to resume an existing backend session
	AllowedTools  []string // pre-authorized tools, skipping the permission prompt
	Arbiter       *permission.Arbiter
	ContextWindow int // model context window; defaults to config.DefaultContextWindow
}

// Runner is a handle to one backend session: a managed CLI subprocess, its
// permission relay, and an ordered event stream. One turn may be open at a
// time; Submit rejects a second prompt until TurnComplete.
type Runner struct {
	sessionID     string
	workingDir    string
	arbiter       *permission.Arbiter
	contextWindow int

	log           *slog.Logger
	streamLogFile *os.File

	events chan Event
	done   chan struct{}

	mu             sync.Mutex
	pm             ProcessManagerInterface
	sessionStarted bool
	turn           turnState
	tokens         tokenTracking
	failed         bool
	stopped        bool
	deniedTools    map[string]bool

	pair          *mcp.ChannelPair[mcp.PermissionRequest, mcp.PermissionResponse]
	socketServer  *mcp.SocketServer
	mcpConfigPath string

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Start connects a new Runner to the backend: it brings up the permission
// relay, writes the MCP config, and spawns the CLI subprocess. A failure at
// any step returns a ConnectionError and leaves nothing running.
func Start(opts Options) (*Runner, error) {
	log := logger.WithSession(opts.SessionID)

	arbiter := opts.Arbiter
	if arbiter == nil {
		arbiter = permission.New(opts.AllowedTools, false)
	}
	contextWindow := opts.ContextWindow
	if contextWindow <= 0 {
		contextWindow = config.DefaultContextWindow
	}

	r := &Runner{
		sessionID:     opts.SessionID,
		workingDir:    opts.WorkingDir,
		arbiter:       arbiter,
		contextWindow: contextWindow,
		log:           log,
		events:        make(chan Event, EventChannelBuffer),
		done:          make(chan struct{}),
		deniedTools:   make(map[string]bool),
	}
	r.sessionStarted = opts.Resume

	// Raw frame log, separate from the main debug log
	if streamLogPath, err := logger.StreamLogPath(opts.SessionID); err == nil {
		f, err := os.OpenFile(streamLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Warn("failed to open stream log file", "path", streamLogPath, "error", err)
		} else {
			r.streamLogFile = f
		}
	}

	pair := mcp.NewChannelPair[mcp.PermissionRequest, mcp.PermissionResponse](1)
	socketServer, err := mcp.NewSocketServer(opts.SessionID, pair.Req, pair.Resp, r.done)
	if err != nil {
		r.closeStreamLog()
		return nil, &ConnectionError{Reason: "failed to start permission relay", Err: err}
	}
	socketServer.Start()

	mcpConfigPath, err := writeMCPConfig(opts.SessionID, socketServer.Path())
	if err != nil {
		socketServer.Close()
		r.closeStreamLog()
		return nil, &ConnectionError{Reason: "failed to write MCP config", Err: err}
	}

	pmConfig := ProcessConfig{
		SessionID:      opts.SessionID,
		WorkingDir:     opts.WorkingDir,
		SessionStarted: opts.Resume,
		AllowedTools:   append([]string(nil), opts.AllowedTools...),
		MCPConfigPath:  mcpConfigPath,
	}
	pm := NewProcessManager(pmConfig, r.processCallbacks(), log)
	if err := pm.Start(); err != nil {
		socketServer.Close()
		os.Remove(mcpConfigPath)
		r.closeStreamLog()
		return nil, &ConnectionError{Reason: "failed to start claude", Err: err}
	}

	r.pm = pm
	r.pair = pair
	r.socketServer = socketServer
	r.mcpConfigPath = mcpConfigPath

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.permissionPump()
	}()

	log.Info("runner started", "workDir", opts.WorkingDir, "resume", opts.Resume)
	return r, nil
}

// SessionID returns the session id this runner was started with.
func (r *Runner) SessionID() string { return r.sessionID }

// Events returns the ordered event stream. It is closed after the final
// Done sentinel when the runner stops or fails.
func (r *Runner) Events() <-chan Event { return r.events }

// SessionStarted reports whether the backend has accepted the session id.
func (r *Runner) SessionStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionStarted
}

// TurnOpen reports whether a submitted turn is still streaming.
func (r *Runner) TurnOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turn.Open
}

// Submit opens a new turn and sends the prompt to the backend. It returns a
// StateError if a turn is already open or the handle is closed, and fails
// the handle on a transport error.
func (r *Runner) Submit(prompt string) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return &StateError{Op: "submit", Reason: "runner is stopped"}
	}
	if r.failed {
		r.mu.Unlock()
		return &StateError{Op: "submit", Reason: "handle closed after stream error"}
	}
	if r.turn.Open {
		r.mu.Unlock()
		return &StateError{Op: "submit", Reason: "a turn is already open"}
	}
	r.turn.Open = true
	r.turn.Complete = false
	r.tokens.Reset()
	pm := r.pm
	r.mu.Unlock()

	pm.SetInterrupted(false)

	msg := streamInputMessage{Type: "user"}
	msg.Message.Role = "user"
	msg.Message.Content = []contentBlock{{Type: "text", Text: prompt}}

	data, err := json.Marshal(msg)
	if err != nil {
		r.mu.Lock()
		r.turn.Open = false
		r.mu.Unlock()
		return fmt.Errorf("failed to serialize prompt: %v", err)
	}

	r.log.Debug("submitting prompt", "size", len(data))

	if err := pm.WriteMessage(append(data, '\n')); err != nil {
		r.fail(fmt.Sprintf("write to backend: %v", err))
		return err
	}

	return nil
}

// Interrupt sends SIGINT to the backend to stop the current operation
// without terminating the session.
func (r *Runner) Interrupt() error {
	r.mu.Lock()
	pm := r.pm
	r.mu.Unlock()

	if pm == nil {
		return nil
	}

	// Mark interrupted so an exit right after the signal is not treated
	// as a crash
	pm.SetInterrupted(true)
	return pm.Interrupt()
}

// Stop terminates the session: the subprocess, the permission relay, and
// the event stream. A pending permission decision resolves as an implicit
// deny. Idempotent.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.log.Info("stopping runner")

		r.mu.Lock()
		r.stopped = true
		pm := r.pm
		r.mu.Unlock()

		// Unblock event sends and pending permission waits first so no
		// worker can wedge the shutdown
		close(r.done)
		r.arbiter.Close()

		if pm != nil {
			pm.Stop()
		}

		r.mu.Lock()
		socketServer := r.socketServer
		r.socketServer = nil
		mcpConfigPath := r.mcpConfigPath
		r.mcpConfigPath = ""
		r.mu.Unlock()

		if socketServer != nil {
			socketServer.Close()
		}

		r.wg.Wait()

		if mcpConfigPath != "" {
			if err := os.Remove(mcpConfigPath); err != nil && !os.IsNotExist(err) {
				r.log.Warn("failed to remove MCP config file", "path", mcpConfigPath, "error", err)
			}
		}
		r.closeStreamLog()

		// Final sentinel, then close. All producers have exited by now.
		select {
		case r.events <- Done{}:
		default:
		}
		close(r.events)
	})
}

func (r *Runner) processCallbacks() ProcessCallbacks {
	return ProcessCallbacks{
		OnLine:        r.handleLine,
		OnProcessExit: r.handleProcessExit,
		OnRestartAttempt: func(attempt int) {
			r.log.Warn("backend crashed mid-turn, restarting", "attempt", attempt)
		},
		OnRestartFailed: func(err error) {
			r.log.Error("backend restart failed", "error", err)
		},
		OnFatalError: r.handleFatalError,
	}
}

// handleLine processes one line of backend stdout: decode into events,
// suppress results already covered by a synthesized denial, then fold
// token and turn state.
func (r *Runner) handleLine(line string) {
	r.logStreamLine(line)

	// The init frame is the earliest signal that the backend accepted the
	// session id; from here on restarts must use --resume.
	if strings.Contains(line, `"type":"system"`) && strings.Contains(line, `"subtype":"init"`) {
		r.mu.Lock()
		already := r.sessionStarted
		r.sessionStarted = true
		pm := r.pm
		r.mu.Unlock()
		if !already {
			if pm != nil {
				pm.MarkSessionStarted()
			}
			r.log.Info("session accepted by backend")
		}
	}

	events, err := parseStreamMessage(line, true, r.log)
	if err != nil {
		r.log.Error("frame decode failed", "error", err)
		r.fail(err.Error())
		return
	}

	for _, ev := range events {
		if result, ok := ev.(ToolResult); ok && r.consumeDenied(result.ID) {
			// The synthesized denial already answered this invocation
			continue
		}
		r.emit(ev)
	}

	r.foldFrame(line)
}

// foldFrame updates token accounting and turn state from the raw frame.
// Kept separate from parseStreamMessage so the parser stays a pure
// function of its input.
func (r *Runner) foldFrame(line string) {
	var msg streamMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &msg); err != nil {
		return
	}

	// The CLI reports cumulative output_tokens within an API call and
	// resets on the next one; detect the boundary by message id.
	if msg.Type == "assistant" && msg.Message.Usage != nil && msg.Message.Usage.OutputTokens > 0 {
		r.mu.Lock()
		messageID := msg.Message.ID
		if messageID != "" && messageID != r.tokens.LastMessageID {
			if r.tokens.LastMessageID != "" {
				r.tokens.AccumulatedOutput += r.tokens.LastMessageTokens
			}
			r.tokens.LastMessageID = messageID
			r.tokens.LastMessageTokens = 0
		}
		r.tokens.LastMessageTokens = msg.Message.Usage.OutputTokens
		r.tokens.CacheCreation = msg.Message.Usage.CacheCreationInputTokens
		r.tokens.CacheRead = msg.Message.Usage.CacheReadInputTokens
		r.tokens.Input = msg.Message.Usage.InputTokens
		r.mu.Unlock()
	}

	if msg.Type == "result" {
		r.handleResult(&msg)
	}
}

// handleResult closes the turn and emits TurnComplete with cumulative
// usage. An error result additionally surfaces a StreamError first, but
// leaves the handle usable for another Submit.
func (r *Runner) handleResult(msg *streamMessage) {
	r.mu.Lock()
	r.sessionStarted = true
	r.turn.Open = false
	r.turn.Complete = true

	outputTokens := r.tokens.CurrentTotal()
	var byModel []ModelTokenCount
	if len(msg.ModelUsage) > 0 {
		outputTokens = 0
		for model, usage := range msg.ModelUsage {
			outputTokens += usage.OutputTokens
			byModel = append(byModel, ModelTokenCount{Model: model, OutputTokens: usage.OutputTokens})
		}
	}

	var inputTokens, cacheCreation, cacheRead int
	if msg.Usage != nil {
		inputTokens = msg.Usage.InputTokens
		cacheCreation = msg.Usage.CacheCreationInputTokens
		cacheRead = msg.Usage.CacheReadInputTokens
	} else {
		inputTokens = r.tokens.Input
		cacheCreation = r.tokens.CacheCreation
		cacheRead = r.tokens.CacheRead
	}
	contextTokens := inputTokens + cacheCreation + cacheRead
	fraction := float64(contextTokens) / float64(r.contextWindow)
	if fraction > 1 {
		fraction = 1
	}

	pm := r.pm
	r.mu.Unlock()

	if pm != nil {
		pm.ResetRestartAttempts()
	}

	errorText := msg.Result
	if errorText == "" {
		errorText = msg.Error
	}
	if errorText == "" && len(msg.Errors) > 0 {
		errorText = strings.Join(msg.Errors, "; ")
	}
	if strings.Contains(msg.Subtype, "error") && errorText != "" {
		r.emit(StreamError{Message: errorText})
	}

	r.emit(TurnComplete{
		OutputTokens:        outputTokens,
		InputTokens:         inputTokens,
		CacheCreationTokens: cacheCreation,
		CacheReadTokens:     cacheRead,
		ContextTokens:       contextTokens,
		ContextFraction:     fraction,
		TotalCostUSD:        msg.TotalCostUSD,
		DurationMs:          msg.DurationMs,
		ByModel:             byModel,
	})
}

// handleProcessExit decides whether the ProcessManager should restart a
// process that exited on its own.
func (r *Runner) handleProcessExit(err error, stderr string) bool {
	r.mu.Lock()
	stopped := r.stopped
	complete := r.turn.Complete
	open := r.turn.Open
	r.mu.Unlock()

	if stopped {
		return false
	}
	// The CLI exits after finishing a response; that is not a crash.
	if complete || !open {
		r.log.Debug("process exited between turns, not restarting")
		return false
	}
	if stderr != "" {
		r.log.Warn("process exited mid-turn", "error", err, "stderr", stderr)
	}
	return true
}

// handleFatalError closes the handle with a StreamError after restarts are
// exhausted.
func (r *Runner) handleFatalError(err error) {
	r.fail(err.Error())
}

// fail transitions the handle to closed-with-error: one StreamError event,
// no further Submit, stream terminated.
func (r *Runner) fail(msg string) {
	r.mu.Lock()
	if r.failed || r.stopped {
		r.mu.Unlock()
		return
	}
	r.failed = true
	r.turn.Open = false
	r.mu.Unlock()

	r.emit(StreamError{Message: msg})
	go r.Stop()
}

// emit delivers an event in order, blocking the worker when the consumer
// is behind. Stopping the runner releases any blocked send.
func (r *Runner) emit(ev Event) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

// consumeDenied reports whether a backend tool result for this id was
// already answered by a synthesized denial, consuming the marker.
func (r *Runner) consumeDenied(toolUseID string) bool {
	if toolUseID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deniedTools[toolUseID] {
		delete(r.deniedTools, toolUseID)
		return true
	}
	return false
}

// permissionPump routes relayed permission requests through the Arbiter.
// Each request suspends this worker, not the UI, until the user decides.
func (r *Runner) permissionPump() {
	for {
		var req mcp.PermissionRequest
		var ok bool
		select {
		case req, ok = <-r.pair.Req:
			if !ok {
				return
			}
		case <-r.done:
			return
		}
		r.handlePermissionRequest(req)
	}
}

func (r *Runner) handlePermissionRequest(req mcp.PermissionRequest) {
	kind := permission.Classify(req.Tool)

	// A request answered by standing state never surfaces a prompt
	if !r.arbiter.Preapproved(req.Tool) {
		r.emit(ToolUseNeedsPermission{
			ID:          req.ToolUseID,
			Name:        req.Tool,
			Kind:        kind,
			Description: req.Description,
			Input:       req.Arguments,
		})
	}

	decision := r.arbiter.Decide(context.Background(), permission.Request{
		ID:          req.ToolUseID,
		Tool:        req.Tool,
		Kind:        kind,
		Description: req.Description,
		Input:       req.Arguments,
	})

	resp := mcp.PermissionResponse{ID: req.ID}
	switch decision {
	case permission.AllowOnce:
		resp.Allowed = true
	case permission.AllowAlways:
		resp.Allowed = true
		resp.Always = true
	default:
		resp.Message = DeniedMessage
		// Mark before responding so the backend's own error result for
		// this invocation is suppressed, leaving exactly one ToolResult
		if req.ToolUseID != "" {
			r.mu.Lock()
			r.deniedTools[req.ToolUseID] = true
			r.mu.Unlock()
		}
		r.emit(ToolResult{ID: req.ToolUseID, Output: DeniedMessage, IsError: true})
	}

	select {
	case r.pair.Resp <- resp:
	case <-r.done:
	}
}

// logStreamLine writes the raw frame to the per-session stream log,
// pretty-printed when it parses.
func (r *Runner) logStreamLine(line string) {
	r.mu.Lock()
	logFile := r.streamLogFile
	r.mu.Unlock()

	if logFile == nil {
		return
	}

	var pretty map[string]any
	if err := json.Unmarshal([]byte(line), &pretty); err == nil {
		if formatted, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			fmt.Fprintf(logFile, "%s\n", formatted)
			return
		}
	}
	fmt.Fprintf(logFile, "%s\n", line)
}

func (r *Runner) closeStreamLog() {
	r.mu.Lock()
	logFile := r.streamLogFile
	r.streamLogFile = nil
	r.mu.Unlock()

	if logFile != nil {
		logFile.Close()
	}
}
