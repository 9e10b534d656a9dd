package cli

import (
	"errors"
	"strings"
	"testing"

	texec "github.com/zhubert/tether/exec"
)

func TestCheckFindsToolOnPath(t *testing.T) {
	// "go" is guaranteed on PATH when the tests run
	result := Check(Prerequisite{Name: "go", Required: true})
	if !result.Found {
		t.Fatalf("expected go to be found: %v", result.Error)
	}
	if result.Path == "" {
		t.Error("expected a path for a found tool")
	}
}

func TestCheckMissingTool(t *testing.T) {
	result := Check(Prerequisite{Name: "tether-no-such-binary", Required: true})
	if result.Found {
		t.Fatal("expected missing tool to not be found")
	}
	if result.Error == nil {
		t.Error("expected an error for a missing tool")
	}
}

func TestValidateRequiredReportsMissing(t *testing.T) {
	prereqs := []Prerequisite{
		{Name: "tether-no-such-binary", Required: true, Description: "missing tool", InstallURL: "https://example.com"},
		{Name: "also-missing", Required: false},
	}

	err := ValidateRequired(prereqs)
	if err == nil {
		t.Fatal("expected error for missing required tool")
	}
	if !strings.Contains(err.Error(), "tether-no-such-binary") {
		t.Errorf("error should name the missing tool: %v", err)
	}
	if strings.Contains(err.Error(), "also-missing") {
		t.Error("optional tools must not fail validation")
	}
}

func TestValidateRequiredPasses(t *testing.T) {
	if err := ValidateRequired([]Prerequisite{{Name: "go", Required: true}}); err != nil {
		t.Errorf("expected validation to pass: %v", err)
	}
}

func TestGetVersionTriesFlagsInOrder(t *testing.T) {
	orig := texec.GetDefaultExecutor()
	t.Cleanup(func() { texec.SetDefaultExecutor(orig) })
	mock := texec.NewMockExecutor()
	texec.SetDefaultExecutor(mock)

	mock.AddExactMatch("claude", []string{"--version"}, texec.MockResponse{Err: errors.New("unknown flag")})
	mock.AddExactMatch("claude", []string{"-v"}, texec.MockResponse{Stdout: []byte("1.0.80 (Claude Code)\nextra line\n")})

	got := getVersion("claude")
	if got != "1.0.80 (Claude Code)" {
		t.Errorf("getVersion = %q, want first line of -v output", got)
	}
}

func TestGetVersionTruncatesLongOutput(t *testing.T) {
	orig := texec.GetDefaultExecutor()
	t.Cleanup(func() { texec.SetDefaultExecutor(orig) })
	mock := texec.NewMockExecutor()
	texec.SetDefaultExecutor(mock)

	mock.AddExactMatch("claude", []string{"--version"}, texec.MockResponse{
		Stdout: []byte(strings.Repeat("x", 150)),
	})

	got := getVersion("claude")
	if len(got) != 103 || !strings.HasSuffix(got, "...") {
		t.Errorf("getVersion length = %d, want 100 chars plus ellipsis", len(got))
	}
}

func TestCheckAll(t *testing.T) {
	results := CheckAll(DefaultPrerequisites())
	if len(results) != len(DefaultPrerequisites()) {
		t.Fatalf("expected %d results, got %d", len(DefaultPrerequisites()), len(results))
	}
}
