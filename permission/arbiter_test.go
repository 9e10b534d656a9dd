package permission

import (
	"context"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		tool string
		want Kind
	}{
		{"Bash", KindExecute},
		{"Bash(ls:*)", KindExecute},
		{"Edit", KindEdit},
		{"Write", KindEdit},
		{"NotebookEdit", KindEdit},
		{"Read", KindRead},
		{"Glob", KindRead},
		{"WebFetch", KindOther},
	}
	for _, tc := range cases {
		if got := Classify(tc.tool); got != tc.want {
			t.Errorf("Classify(%q) = %v, want %v", tc.tool, got, tc.want)
		}
	}
}

func TestDecide_PromptAndAllow(t *testing.T) {
	a := New(nil, false)
	defer a.Close()

	result := make(chan Decision, 1)
	go func() {
		result <- a.Decide(context.Background(), Request{ID: "1", Tool: "Bash", Input: map[string]any{"command": "ls"}})
	}()

	var pending *PendingRequest
	select {
	case pending = <-a.Requests():
	case <-time.After(2 * time.Second):
		t.Fatal("no request surfaced")
	}
	if pending.Kind != KindExecute {
		t.Errorf("Kind = %v, want execute", pending.Kind)
	}
	if pending.Description != "Run command: ls" {
		t.Errorf("Description = %q", pending.Description)
	}

	pending.Respond(AllowOnce)
	select {
	case d := <-result:
		if d != AllowOnce {
			t.Errorf("decision = %v, want AllowOnce", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Decide did not return")
	}
}

func TestDecide_AllowAlwaysSuppressesFuturePrompts(t *testing.T) {
	a := New(nil, false)
	defer a.Close()

	go func() {
		pending := <-a.Requests()
		pending.Respond(AllowAlways)
	}()

	d := a.Decide(context.Background(), Request{ID: "1", Tool: "Edit", Input: map[string]any{"file_path": "a.go"}})
	if d != AllowAlways {
		t.Fatalf("first decision = %v, want AllowAlways", d)
	}
	if !a.Granted(KindEdit) {
		t.Fatal("standing grant should be recorded")
	}

	// Same kind again: must resolve from policy without consuming a prompt
	done := make(chan Decision, 1)
	go func() {
		done <- a.Decide(context.Background(), Request{ID: "2", Tool: "Write", Input: map[string]any{"file_path": "b.go"}})
	}()
	select {
	case d := <-done:
		if d != AllowOnce {
			t.Errorf("second decision = %v, want AllowOnce from grant", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second Decide should not block on a prompt")
	}
	select {
	case <-a.Requests():
		t.Fatal("no prompt should be surfaced after a standing grant")
	default:
	}
}

func TestDecide_AutoEditApprovesEditNotExecute(t *testing.T) {
	a := New(nil, true)
	defer a.Close()

	// Edit-class: auto-approved, no prompt
	d := a.Decide(context.Background(), Request{ID: "1", Tool: "Write", Input: map[string]any{"file_path": "a.go"}})
	if d != AllowOnce {
		t.Fatalf("auto-edit should approve Write, got %v", d)
	}

	// Execution-class: always prompts even with auto-edit on
	result := make(chan Decision, 1)
	go func() {
		result <- a.Decide(context.Background(), Request{ID: "2", Tool: "Bash", Input: map[string]any{"command": "rm -rf /"}})
	}()
	select {
	case pending := <-a.Requests():
		pending.Respond(Deny)
	case <-time.After(2 * time.Second):
		t.Fatal("Bash should prompt even with auto-edit enabled")
	}
	if d := <-result; d != Deny {
		t.Errorf("decision = %v, want Deny", d)
	}
}

func TestDecide_AllowedToolSkipsPrompt(t *testing.T) {
	a := New([]string{"Read"}, false)
	defer a.Close()

	d := a.Decide(context.Background(), Request{ID: "1", Tool: "Read", Input: map[string]any{"file_path": "a.go"}})
	if d != AllowOnce {
		t.Errorf("pre-allowed tool should approve without prompt, got %v", d)
	}
}

func TestClose_UnblocksPendingDecide(t *testing.T) {
	a := New(nil, false)

	result := make(chan Decision, 1)
	go func() {
		result <- a.Decide(context.Background(), Request{ID: "1", Tool: "Bash", Input: map[string]any{"command": "ls"}})
	}()

	// Wait for the request to surface so Decide is blocked on the response
	select {
	case <-a.Requests():
	case <-time.After(2 * time.Second):
		t.Fatal("no request surfaced")
	}

	a.Close()
	select {
	case d := <-result:
		if d != Deny {
			t.Errorf("close should resolve to Deny, got %v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Decide did not unblock after Close")
	}

	// Double close is a no-op
	a.Close()

	// Decisions after close resolve immediately to Deny
	if d := a.Decide(context.Background(), Request{ID: "2", Tool: "Bash"}); d != Deny {
		t.Errorf("Decide after Close = %v, want Deny", d)
	}
}

func TestDecide_ContextCancel(t *testing.T) {
	a := New(nil, false)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan Decision, 1)
	go func() {
		result <- a.Decide(ctx, Request{ID: "1", Tool: "Bash", Input: map[string]any{"command": "ls"}})
	}()

	select {
	case <-a.Requests():
	case <-time.After(2 * time.Second):
		t.Fatal("no request surfaced")
	}

	cancel()
	select {
	case d := <-result:
		if d != Deny {
			t.Errorf("cancellation should resolve to Deny, got %v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Decide did not unblock after cancel")
	}
}

func TestRespond_Idempotent(t *testing.T) {
	a := New(nil, false)
	defer a.Close()

	result := make(chan Decision, 1)
	go func() {
		result <- a.Decide(context.Background(), Request{ID: "1", Tool: "WebFetch"})
	}()

	pending := <-a.Requests()
	pending.Respond(AllowOnce)
	pending.Respond(Deny) // ignored

	if d := <-result; d != AllowOnce {
		t.Errorf("decision = %v, want AllowOnce from first Respond", d)
	}
}
