// Package process finds and reaps backend subprocesses left behind by
// crashed runs. The Claude CLI is started with --session-id or --resume,
// so a stray process is identifiable by the session id on its command line.
package process

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	texec "github.com/zhubert/tether/exec"
	"github.com/zhubert/tether/logger"
)

// ClaudeProcess is one running backend process found on the system.
type ClaudeProcess struct {
	PID     int    // Process ID
	Command string // Full command line
}

// FindClaudeProcesses finds all running Claude CLI processes started with a
// session id.
func FindClaudeProcesses() ([]ClaudeProcess, error) {
	var processes []ClaudeProcess
	log := logger.WithComponent("process")

	switch runtime.GOOS {
	case "darwin", "linux":
		executor := texec.GetDefaultExecutor()
		ctx := context.Background()

		output, err := executor.Output(ctx, "", "pgrep", "-f", "claude.*--session-id")
		if err != nil {
			// pgrep exits 1 when nothing matches
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
				return processes, nil
			}
			return nil, err
		}

		pids := strings.Fields(string(output))
		for _, pidStr := range pids {
			pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
			if err != nil {
				continue
			}

			psOutput, err := executor.Output(ctx, "", "ps", "-p", pidStr, "-o", "args=")
			if err != nil {
				continue
			}

			processes = append(processes, ClaudeProcess{
				PID:     pid,
				Command: strings.TrimSpace(string(psOutput)),
			})
		}
	}

	log.Debug("found claude processes", "count", len(processes))
	return processes, nil
}

// KillProcess kills a process by PID.
func KillProcess(pid int) error {
	switch runtime.GOOS {
	case "darwin", "linux":
		_, _, err := texec.GetDefaultExecutor().Run(context.Background(), "", "kill", "-9", strconv.Itoa(pid))
		return err
	}
	return nil
}

// FindOrphanedClaudeProcesses returns backend processes whose session id is
// not in knownSessionIDs.
func FindOrphanedClaudeProcesses(knownSessionIDs map[string]bool) ([]ClaudeProcess, error) {
	allProcesses, err := FindClaudeProcesses()
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("process")
	var orphans []ClaudeProcess
	for _, proc := range allProcesses {
		sessionID := ExtractSessionID(proc.Command)
		if sessionID != "" && !knownSessionIDs[sessionID] {
			orphans = append(orphans, proc)
			log.Info("found orphaned claude process", "pid", proc.PID, "sessionID", sessionID)
		}
	}

	return orphans, nil
}

// ExtractSessionID extracts the session id from a Claude CLI command line.
func ExtractSessionID(cmdLine string) string {
	patterns := []string{"--session-id", "--resume"}
	for _, pattern := range patterns {
		_, after, ok := strings.Cut(cmdLine, pattern)
		if !ok {
			continue
		}

		rest := strings.TrimLeft(after, " =")
		fields := strings.Fields(rest)
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// CleanupOrphanedProcesses kills backend processes that don't match any
// known session id and returns how many were killed.
func CleanupOrphanedProcesses(knownSessionIDs map[string]bool) (int, error) {
	orphans, err := FindOrphanedClaudeProcesses(knownSessionIDs)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	killed := 0
	for _, proc := range orphans {
		log.Info("killing orphaned claude process", "pid", proc.PID)
		if err := KillProcess(proc.PID); err != nil {
			log.Error("failed to kill process", "pid", proc.PID, "error", err)
			continue
		}
		killed++
	}

	return killed, nil
}
