package process

import (
	"runtime"
	"testing"

	texec "github.com/zhubert/tether/exec"
)

func TestExtractSessionID(t *testing.T) {
	tests := []struct {
		name     string
		cmdLine  string
		expected string
	}{
		{
			name:     "session-id flag",
			cmdLine:  "claude --print --session-id abc123 --verbose",
			expected: "abc123",
		},
		{
			name:     "resume flag",
			cmdLine:  "claude --print --resume def456 --verbose",
			expected: "def456",
		},
		{
			name:     "session-id with equals",
			cmdLine:  "claude --session-id=xyz789",
			expected: "xyz789",
		},
		{
			name:     "full command line",
			cmdLine:  "/usr/local/bin/claude --print --output-format stream-json --input-format stream-json --verbose --session-id 550e8400-e29b-41d4-a716-446655440000 --mcp-config /tmp/tether-mcp.json",
			expected: "550e8400-e29b-41d4-a716-446655440000",
		},
		{
			name:     "no session flag",
			cmdLine:  "claude --print --verbose",
			expected: "",
		},
		{
			name:     "flag at end with no value",
			cmdLine:  "claude --session-id",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractSessionID(tt.cmdLine); got != tt.expected {
				t.Errorf("ExtractSessionID(%q) = %q, want %q", tt.cmdLine, got, tt.expected)
			}
		})
	}
}

// withMockExecutor installs a mock as the process executor for one test.
func withMockExecutor(t *testing.T) *texec.MockExecutor {
	t.Helper()
	if runtime.GOOS != "darwin" && runtime.GOOS != "linux" {
		t.Skip("process discovery only runs on darwin/linux")
	}
	orig := texec.GetDefaultExecutor()
	t.Cleanup(func() { texec.SetDefaultExecutor(orig) })
	mock := texec.NewMockExecutor()
	texec.SetDefaultExecutor(mock)
	return mock
}

func TestFindClaudeProcesses(t *testing.T) {
	mock := withMockExecutor(t)
	mock.AddExactMatch("pgrep", []string{"-f", "claude.*--session-id"}, texec.MockResponse{
		Stdout: []byte("100\n101\n"),
	})
	mock.AddExactMatch("ps", []string{"-p", "100", "-o", "args="}, texec.MockResponse{
		Stdout: []byte("claude --session-id 550e8400-e29b-41d4-a716-446655440000\n"),
	})
	mock.AddExactMatch("ps", []string{"-p", "101", "-o", "args="}, texec.MockResponse{
		Stdout: []byte("claude --session-id aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee\n"),
	})

	procs, err := FindClaudeProcesses()
	if err != nil {
		t.Fatalf("FindClaudeProcesses: %v", err)
	}
	if len(procs) != 2 {
		t.Fatalf("processes = %d, want 2", len(procs))
	}
	if procs[0].PID != 100 || procs[1].PID != 101 {
		t.Errorf("pids = %d, %d, want 100, 101", procs[0].PID, procs[1].PID)
	}
}

func TestFindOrphanedSkipsKnownSessions(t *testing.T) {
	mock := withMockExecutor(t)
	mock.AddExactMatch("pgrep", []string{"-f", "claude.*--session-id"}, texec.MockResponse{
		Stdout: []byte("100\n101\n102\n"),
	})
	mock.AddExactMatch("ps", []string{"-p", "100", "-o", "args="}, texec.MockResponse{
		Stdout: []byte("claude --session-id 550e8400-e29b-41d4-a716-446655440000\n"),
	})
	mock.AddExactMatch("ps", []string{"-p", "101", "-o", "args="}, texec.MockResponse{
		Stdout: []byte("claude --session-id aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee\n"),
	})
	mock.AddExactMatch("ps", []string{"-p", "102", "-o", "args="}, texec.MockResponse{
		Stdout: []byte("claude --print\n"),
	})

	known := map[string]bool{"550e8400-e29b-41d4-a716-446655440000": true}
	orphans, err := FindOrphanedClaudeProcesses(known)
	if err != nil {
		t.Fatalf("FindOrphanedClaudeProcesses: %v", err)
	}
	if len(orphans) != 1 {
		t.Fatalf("orphans = %d, want 1", len(orphans))
	}
	if orphans[0].PID != 101 {
		t.Errorf("orphan PID = %d, want 101", orphans[0].PID)
	}
}

func TestCleanupOrphanedProcessesKills(t *testing.T) {
	mock := withMockExecutor(t)
	mock.AddExactMatch("pgrep", []string{"-f", "claude.*--session-id"}, texec.MockResponse{
		Stdout: []byte("101\n"),
	})
	mock.AddExactMatch("ps", []string{"-p", "101", "-o", "args="}, texec.MockResponse{
		Stdout: []byte("claude --session-id aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee\n"),
	})

	killed, err := CleanupOrphanedProcesses(map[string]bool{})
	if err != nil {
		t.Fatalf("CleanupOrphanedProcesses: %v", err)
	}
	if killed != 1 {
		t.Fatalf("killed = %d, want 1", killed)
	}

	var sawKill bool
	for _, call := range mock.GetCalls() {
		if call.Name == "kill" && len(call.Args) == 2 && call.Args[1] == "101" {
			sawKill = true
		}
	}
	if !sawKill {
		t.Error("kill was never invoked for pid 101")
	}
}

func TestFindClaudeProcessesNoneRunning(t *testing.T) {
	mock := withMockExecutor(t)
	// No pgrep rule: the mock returns empty output with no error.
	procs, err := FindClaudeProcesses()
	if err != nil {
		t.Fatalf("FindClaudeProcesses: %v", err)
	}
	if len(procs) != 0 {
		t.Errorf("processes = %d, want 0", len(procs))
	}
	if len(mock.GetCalls()) != 1 {
		t.Errorf("calls = %d, want just pgrep", len(mock.GetCalls()))
	}
}
