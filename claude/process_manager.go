package claude

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// readResult holds the result of a read operation for cancellation handling.
type readResult struct {
	line string
	err  error
}

// ProcessManagerInterface defines the contract for managing the Claude CLI
// subprocess. The Runner depends on this interface so tests can substitute
// a fake process.
type ProcessManagerInterface interface {
	// Start starts the persistent Claude CLI process.
	Start() error

	// Stop stops the process gracefully, force-killing after a timeout.
	Stop()

	// IsRunning returns whether the process is currently running.
	IsRunning() bool

	// WriteMessage writes a message to the process stdin.
	WriteMessage(data []byte) error

	// Interrupt sends SIGINT to interrupt the current operation without
	// terminating the process.
	Interrupt() error

	// SetInterrupted marks the current operation as interrupted by the
	// user, suppressing restart on the expected exit.
	SetInterrupted(interrupted bool)

	// MarkSessionStarted records that the backend accepted the session id,
	// so any restart resumes it instead of re-claiming the id.
	MarkSessionStarted()

	// GetRestartAttempts returns restart attempts since the last success.
	GetRestartAttempts() int

	// ResetRestartAttempts resets the restart counter after a successful
	// response.
	ResetRestartAttempts()
}

// ProcessConfig holds the configuration for a Claude CLI process.
type ProcessConfig struct {
	SessionID      string
	WorkingDir     string
	SessionStarted bool     // true once the backend has accepted the session id; switches --session-id to --resume
	AllowedTools   []string // pre-authorized tools passed via --allowedTools
	MCPConfigPath  string   // path to the generated MCP config file
}

// ProcessCallbacks are invoked by the ProcessManager as the process produces
// output or changes state.
type ProcessCallbacks struct {
	// OnLine is called for each line of stdout.
	OnLine func(line string)

	// OnProcessExit is called when the process exits unexpectedly.
	// Return true to allow a restart attempt.
	OnProcessExit func(err error, stderr string) bool

	// OnRestartAttempt is called before each restart attempt.
	OnRestartAttempt func(attempt int)

	// OnRestartFailed is called when a restart attempt fails.
	OnRestartFailed func(err error)

	// OnFatalError is called when restarts are exhausted or the failure is
	// unrecoverable.
	OnFatalError func(err error)
}

// BuildCommandArgs builds the CLI arguments for the configured session.
// A session that has already been accepted by the backend resumes with
// --resume; otherwise the client-generated UUID is claimed via --session-id.
func BuildCommandArgs(config ProcessConfig) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if config.SessionStarted {
		args = append(args, "--resume", config.SessionID)
	} else {
		args = append(args, "--session-id", config.SessionID)
	}
	args = append(args, "--include-partial-messages")

	if config.MCPConfigPath != "" {
		args = append(args,
			"--mcp-config", config.MCPConfigPath,
			"--permission-prompt-tool", "mcp__tether__permission",
		)
	}

	for _, tool := range config.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}

	return args
}

// ProcessManager manages the lifecycle of a single Claude CLI subprocess:
// start, stdout line dispatch, stderr capture, interrupt, bounded restart
// on crash, and graceful stop. It is the sole caller of cmd.Wait.
type ProcessManager struct {
	config    ProcessConfig
	callbacks ProcessCallbacks
	log       *slog.Logger

	mu              sync.Mutex
	cmd             *exec.Cmd
	stdin           io.WriteCloser
	stdout          *bufio.Reader
	stderr          io.ReadCloser
	stderrContent   string
	stderrDone      chan struct{}
	running         bool
	interrupted     bool
	restartAttempts int

	// waitDone is closed by monitorExit when cmd.Wait completes. Stop
	// selects on it instead of calling cmd.Wait a second time.
	waitDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// NewProcessManager creates a ProcessManager. The process is not started
// until Start is called.
func NewProcessManager(config ProcessConfig, callbacks ProcessCallbacks, log *slog.Logger) *ProcessManager {
	return &ProcessManager{
		config:    config,
		callbacks: callbacks,
		log:       log,
	}
}

func (pm *ProcessManager) Start() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.running {
		return nil
	}

	args := BuildCommandArgs(pm.config)
	pm.log.Debug("starting process", "command", "claude "+strings.Join(args, " "))

	cmd := exec.Command("claude", args...)
	cmd.Dir = pm.config.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %v", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("failed to get stdout pipe: %v", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("failed to get stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		pm.log.Error("failed to start process", "error", err)
		return fmt.Errorf("failed to start process: %v", err)
	}

	pm.cmd = cmd
	pm.stdin = stdin
	pm.stdout = bufio.NewReader(stdout)
	pm.stderr = stderr
	pm.stderrContent = ""
	pm.stderrDone = make(chan struct{})
	pm.waitDone = make(chan struct{})
	pm.running = true

	// Cancel any previous context to avoid goroutine leaks from prior runs
	if pm.cancel != nil {
		pm.cancel()
	}
	pm.ctx, pm.cancel = context.WithCancel(context.Background())

	pm.log.Info("process started", "pid", cmd.Process.Pid)

	pm.wg.Add(3)
	go func() {
		defer pm.wg.Done()
		pm.readOutput()
	}()
	go func() {
		defer pm.wg.Done()
		pm.drainStderr()
	}()
	go func() {
		defer pm.wg.Done()
		pm.monitorExit()
	}()

	return nil
}

// Stop stops the process gracefully, waiting for all goroutines to finish.
func (pm *ProcessManager) Stop() {
	pm.mu.Lock()
	wasRunning := pm.running

	// Cancel context first to signal goroutines to exit
	if pm.cancel != nil {
		pm.cancel()
		pm.cancel = nil
	}

	if !wasRunning {
		pm.mu.Unlock()
		return
	}

	pm.log.Debug("stopping process")

	// Mark as not running immediately so a concurrent Stop does no
	// duplicate cleanup
	pm.running = false

	// Close stdin to signal EOF to the process
	if pm.stdin != nil {
		pm.stdin.Close()
		pm.stdin = nil
	}

	cmd := pm.cmd
	waitDone := pm.waitDone
	pm.mu.Unlock()

	// monitorExit is the sole caller of cmd.Wait and signals waitDone when
	// it completes. Selecting on waitDone here avoids a double Wait.
	if cmd != nil && cmd.Process != nil && waitDone != nil {
		select {
		case <-waitDone:
			pm.log.Debug("process exited gracefully")
		case <-time.After(2 * time.Second):
			pm.log.Debug("force killing process")
			cmd.Process.Kill()
			<-waitDone
		}
	}

	pm.wg.Wait()

	pm.mu.Lock()
	if pm.stderr != nil {
		pm.stderr.Close()
		pm.stderr = nil
	}
	pm.cmd = nil
	pm.stdout = nil
	pm.mu.Unlock()
}

func (pm *ProcessManager) IsRunning() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.running
}

func (pm *ProcessManager) WriteMessage(data []byte) error {
	pm.mu.Lock()
	stdin := pm.stdin
	running := pm.running
	pm.mu.Unlock()

	if !running || stdin == nil {
		return fmt.Errorf("process not running")
	}

	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to process: %v", err)
	}

	return nil
}

func (pm *ProcessManager) Interrupt() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.running || pm.cmd == nil || pm.cmd.Process == nil {
		pm.log.Debug("interrupt called but process not running")
		return nil
	}

	pm.log.Info("sending SIGINT", "pid", pm.cmd.Process.Pid)

	if err := pm.cmd.Process.Signal(syscall.SIGINT); err != nil {
		return fmt.Errorf("failed to send interrupt signal: %w", err)
	}

	return nil
}

func (pm *ProcessManager) SetInterrupted(interrupted bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.interrupted = interrupted
}

// MarkSessionStarted flips the restart arguments from --session-id to
// --resume. Without it, restarting a crashed new session re-claims an id the
// backend already owns, and the backend rejects every attempt.
func (pm *ProcessManager) MarkSessionStarted() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.config.SessionStarted = true
}

func (pm *ProcessManager) GetRestartAttempts() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.restartAttempts
}

func (pm *ProcessManager) ResetRestartAttempts() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.restartAttempts = 0
}

// readOutput reads stdout line by line and invokes OnLine for each.
func (pm *ProcessManager) readOutput() {
	for {
		select {
		case <-pm.ctx.Done():
			return
		default:
		}

		pm.mu.Lock()
		running := pm.running
		reader := pm.stdout
		pm.mu.Unlock()

		if !running || reader == nil {
			return
		}

		line, err := pm.readLine(reader)
		if err != nil {
			select {
			case <-pm.ctx.Done():
				return
			default:
			}
			if err == io.EOF {
				pm.log.Debug("EOF on stdout")
			} else {
				pm.log.Debug("error reading stdout", "error", err)
			}
			// Exit handling belongs to monitorExit
			return
		}

		if len(line) == 0 {
			continue
		}

		if pm.callbacks.OnLine != nil {
			pm.callbacks.OnLine(line)
		}
	}
}

// readLine reads one line, returning early if the context is cancelled.
func (pm *ProcessManager) readLine(reader *bufio.Reader) (string, error) {
	resultCh := make(chan readResult, 1)

	go func() {
		line, err := reader.ReadString('\n')
		// Buffered channel so the send succeeds even after a cancel
		resultCh <- readResult{line: line, err: err}
	}()

	select {
	case <-pm.ctx.Done():
		return "", pm.ctx.Err()
	case result := <-resultCh:
		return result.line, result.err
	}
}

// drainStderr captures stderr so crash diagnostics survive the exit.
func (pm *ProcessManager) drainStderr() {
	defer close(pm.stderrDone)

	pm.mu.Lock()
	stderr := pm.stderr
	pm.mu.Unlock()

	if stderr == nil {
		return
	}

	stderrBytes, err := io.ReadAll(stderr)
	if err != nil {
		pm.log.Debug("error reading stderr", "error", err)
		return
	}
	if len(stderrBytes) > 0 {
		pm.mu.Lock()
		pm.stderrContent = strings.TrimSpace(string(stderrBytes))
		pm.mu.Unlock()
		pm.log.Debug("captured stderr", "content", pm.stderrContent)
	}
}

// monitorExit waits for the process to exit and routes the result through
// handleExit. It is the sole caller of cmd.Wait.
func (pm *ProcessManager) monitorExit() {
	pm.mu.Lock()
	cmd := pm.cmd
	waitDone := pm.waitDone
	pm.mu.Unlock()

	if cmd == nil {
		if waitDone != nil {
			close(waitDone)
		}
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		pm.log.Debug("process exited", "error", err)
		// Signal that cmd.Wait has completed before handling exit, so
		// Stop can proceed while handleExit runs
		if waitDone != nil {
			close(waitDone)
		}
		pm.handleExit(err)
	case <-pm.ctx.Done():
		// Stop was called; still consume cmd.Wait to avoid a leak
		<-done
		if waitDone != nil {
			close(waitDone)
		}
	}
}

func (pm *ProcessManager) handleExit(err error) {
	pm.mu.Lock()

	if !pm.running {
		pm.mu.Unlock()
		return
	}

	wasInterrupted := pm.interrupted
	pm.interrupted = false
	restartAttempts := pm.restartAttempts
	stderrDone := pm.stderrDone
	ctxCancelled := pm.ctx != nil && pm.ctx.Err() != nil
	pm.mu.Unlock()

	// Wait for stderr to drain before reading it
	if stderrDone != nil {
		<-stderrDone
	}

	pm.mu.Lock()
	stderrContent := pm.stderrContent
	pm.cleanupLocked()
	pm.mu.Unlock()

	if wasInterrupted || ctxCancelled {
		pm.log.Debug("process exit due to interrupt or stop, not restarting")
		if pm.callbacks.OnProcessExit != nil {
			pm.callbacks.OnProcessExit(err, stderrContent)
		}
		return
	}

	shouldRestart := true
	if pm.callbacks.OnProcessExit != nil {
		shouldRestart = pm.callbacks.OnProcessExit(err, stderrContent)
	}
	if !shouldRestart {
		return
	}

	if restartAttempts < MaxProcessRestartAttempts {
		pm.mu.Lock()
		pm.restartAttempts = restartAttempts + 1
		pm.mu.Unlock()

		pm.log.Warn("process crashed, attempting restart",
			"attempt", restartAttempts+1,
			"maxAttempts", MaxProcessRestartAttempts)

		if pm.callbacks.OnRestartAttempt != nil {
			pm.callbacks.OnRestartAttempt(restartAttempts + 1)
		}

		time.Sleep(ProcessRestartDelay)

		if err := pm.Start(); err != nil {
			pm.log.Error("failed to restart process", "error", err)
			if pm.callbacks.OnRestartFailed != nil {
				pm.callbacks.OnRestartFailed(err)
			}
			if pm.callbacks.OnFatalError != nil {
				pm.callbacks.OnFatalError(fmt.Errorf("process crashed and restart failed: %v", err))
			}
		} else {
			pm.log.Info("process restarted")
		}
		return
	}

	pm.log.Error("max restart attempts exceeded", "maxAttempts", MaxProcessRestartAttempts)

	var exitErr error
	if stderrContent != "" {
		exitErr = fmt.Errorf("process crashed repeatedly (max %d restarts): %s", MaxProcessRestartAttempts, stderrContent)
	} else if err != nil {
		exitErr = fmt.Errorf("process crashed repeatedly (max %d restarts): %v", MaxProcessRestartAttempts, err)
	} else {
		exitErr = fmt.Errorf("process crashed repeatedly (max %d restarts exceeded)", MaxProcessRestartAttempts)
	}

	if pm.callbacks.OnFatalError != nil {
		pm.callbacks.OnFatalError(exitErr)
	}
}

// cleanupLocked releases process resources. Caller holds pm.mu.
func (pm *ProcessManager) cleanupLocked() {
	if pm.stdin != nil {
		pm.stdin.Close()
		pm.stdin = nil
	}
	if pm.stderr != nil {
		pm.stderr.Close()
		pm.stderr = nil
	}
	pm.cmd = nil
	pm.stdout = nil
	pm.stderrContent = ""
	pm.stderrDone = nil
	pm.waitDone = nil
	pm.running = false
}
