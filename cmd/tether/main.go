package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/zhubert/tether/claude"
	"github.com/zhubert/tether/cli"
	"github.com/zhubert/tether/config"
	"github.com/zhubert/tether/logger"
	"github.com/zhubert/tether/permission"
	"github.com/zhubert/tether/process"
	"github.com/zhubert/tether/transcript"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// The mcp-server subcommand is the backend's permission relay; it must
	// dispatch before any flag parsing or TUI setup.
	if len(args) > 0 && args[0] == "mcp-server" {
		return runMCPServer(args[1:])
	}

	fs := flag.NewFlagSet("tether", flag.ContinueOnError)
	resume := fs.Bool("resume", false, "resume the most recent session for this directory")
	clearLogs := fs.Bool("clear-logs", false, "remove log files and exit")
	var sessionID string
	fs.StringVar(&sessionID, "session", "", "resume the session with this id")
	fs.StringVar(&sessionID, "s", "", "resume the session with this id (shorthand)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *clearLogs {
		n, err := logger.ClearLogs()
		if err != nil {
			fmt.Fprintf(os.Stderr, "tether: clear logs: %v\n", err)
			return 1
		}
		fmt.Printf("removed %d log file(s)\n", n)
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tether: load config: %v\n", err)
		return 1
	}

	logPath, err := logger.DefaultLogPath()
	if err == nil {
		err = logger.Init(logPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "tether: init logging: %v\n", err)
		return 1
	}
	defer logger.Close()
	logger.SetDebug(cfg.GetDebug())
	log := logger.WithComponent("main")

	if err := cli.ValidateRequired(cli.DefaultPrerequisites()); err != nil {
		fmt.Fprintf(os.Stderr, "tether: %v\n", err)
		return 1
	}

	workingDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tether: %v\n", err)
		return 1
	}

	sel, err := buildSelector(*resume, sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tether: %v\n", err)
		return 2
	}

	store, err := transcript.NewStore(workingDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tether: %v\n", err)
		return 1
	}
	resolved, err := resolveOrFallback(store, sel, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tether: resolve session: %v\n", err)
		return 1
	}

	isResume := !resolved.IsNew()
	id := resolved.SessionID
	if !isResume {
		id = uuid.NewString()
	}

	if n, err := process.CleanupOrphanedProcesses(map[string]bool{id: true}); err != nil {
		log.Warn("orphan cleanup failed", "error", err)
	} else if n > 0 {
		log.Info("reaped orphaned backend processes", "count", n)
	}

	arbiter := permission.New(cfg.GetAllowedTools(), cfg.GetAutoEdit())

	runner, err := claude.Start(claude.Options{
		SessionID:     id,
		WorkingDir:    workingDir,
		Resume:        isResume,
		AllowedTools:  cfg.GetAllowedTools(),
		Arbiter:       arbiter,
		ContextWindow: cfg.GetContextWindow(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tether: %v\n", err)
		return 1
	}
	defer runner.Stop()

	m := newModel(cfg, runner, arbiter, resolved, workingDir)
	p := tea.NewProgram(m, tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		log.Error("program error", "error", err)
		fmt.Fprintf(os.Stderr, "tether: %v\n", err)
		return 1
	}
	if fm, ok := final.(model); ok && fm.fatalErr != "" {
		fmt.Fprintf(os.Stderr, "tether: %s\n", fm.fatalErr)
		return 1
	}
	return 0
}

// resolveOrFallback maps a resume target to a replay-ready session. A missing
// target is not fatal: the miss is surfaced on w and a fresh session starts
// instead, matching what the backend CLI itself does when a resume finds
// nothing.
func resolveOrFallback(store *transcript.Store, sel transcript.Selector, w io.Writer) (*transcript.Resolved, error) {
	resolved, err := transcript.NewResolver(store).Resolve(sel)
	if err == nil {
		return resolved, nil
	}
	var nf *transcript.NotFoundError
	if !errors.As(err, &nf) {
		return nil, err
	}
	fmt.Fprintf(w, "tether: %v; starting a new session\n", nf)
	return &transcript.Resolved{}, nil
}

// buildSelector maps the resume flags onto a session selector. An explicit
// id wins over --resume; a malformed id is rejected before the backend ever
// sees it.
func buildSelector(resume bool, sessionID string) (transcript.Selector, error) {
	if sessionID != "" {
		if !transcript.IsValidSessionID(sessionID) {
			return transcript.Selector{}, fmt.Errorf("invalid session id %q", sessionID)
		}
		return transcript.Selector{Kind: transcript.SelectID, SessionID: sessionID}, nil
	}
	if resume {
		return transcript.Selector{Kind: transcript.SelectMostRecent}, nil
	}
	return transcript.Selector{Kind: transcript.SelectNew}, nil
}
