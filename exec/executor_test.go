package exec

import (
	"context"
	"errors"
	"testing"
)

func TestRealExecutorRun(t *testing.T) {
	executor := NewRealExecutor()
	stdout, stderr, err := executor.Run(context.Background(), "", "echo", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(stdout) != "hello\n" {
		t.Errorf("stdout = %q, want %q", stdout, "hello\n")
	}
	if len(stderr) != 0 {
		t.Errorf("stderr = %q, want empty", stderr)
	}
}

func TestRealExecutorOutput(t *testing.T) {
	executor := NewRealExecutor()
	output, err := executor.Output(context.Background(), "", "echo", "world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(output) != "world\n" {
		t.Errorf("output = %q, want %q", output, "world\n")
	}
}

func TestMockExecutorExactMatch(t *testing.T) {
	mock := NewMockExecutor()
	mock.AddExactMatch("pgrep", []string{"-f", "claude"}, MockResponse{
		Stdout: []byte("1234\n"),
	})

	output, err := mock.Output(context.Background(), "", "pgrep", "-f", "claude")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(output) != "1234\n" {
		t.Errorf("output = %q, want %q", output, "1234\n")
	}

	// A different arg list falls through to the empty default.
	output, err = mock.Output(context.Background(), "", "pgrep", "-f", "other")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(output) != 0 {
		t.Errorf("unmatched output = %q, want empty", output)
	}
}

func TestMockExecutorPrefixMatch(t *testing.T) {
	mock := NewMockExecutor()
	mock.AddPrefixMatch("ps", []string{"-p"}, MockResponse{
		Stdout: []byte("claude --session-id abc\n"),
	})

	output, err := mock.Output(context.Background(), "", "ps", "-p", "1234", "-o", "args=")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(output) != "claude --session-id abc\n" {
		t.Errorf("output = %q", output)
	}
}

func TestMockExecutorError(t *testing.T) {
	wantErr := errors.New("exit status 2")
	mock := NewMockExecutor()
	mock.AddExactMatch("kill", []string{"-9", "1234"}, MockResponse{Err: wantErr})

	_, _, err := mock.Run(context.Background(), "", "kill", "-9", "1234")
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestMockExecutorRecordsCalls(t *testing.T) {
	mock := NewMockExecutor()
	mock.Output(context.Background(), "/tmp", "pgrep", "-f", "claude")
	mock.Run(context.Background(), "", "kill", "-9", "42")

	calls := mock.GetCalls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[0].Name != "pgrep" || calls[0].Dir != "/tmp" {
		t.Errorf("call 0 = %+v", calls[0])
	}
	if calls[1].Name != "kill" || len(calls[1].Args) != 2 {
		t.Errorf("call 1 = %+v", calls[1])
	}
}

func TestDefaultExecutorSwap(t *testing.T) {
	orig := GetDefaultExecutor()
	defer SetDefaultExecutor(orig)

	mock := NewMockExecutor()
	SetDefaultExecutor(mock)
	if GetDefaultExecutor() != CommandExecutor(mock) {
		t.Error("default executor not swapped")
	}
}
