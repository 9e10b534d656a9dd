package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

const (
	testSessionA = "11111111-2222-3333-4444-555555555555"
	testSessionB = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
)

func userLine(text string) string {
	return fmt.Sprintf(`{"type":"user","message":{"role":"user","content":%q}}`, text)
}

func assistantTextLine(text string) string {
	return fmt.Sprintf(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":%q}]}}`, text)
}

func writeTranscript(t *testing.T, dir, sessionID string, lines ...string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIsValidSessionID(t *testing.T) {
	if !IsValidSessionID(testSessionA) {
		t.Errorf("%s should be valid", testSessionA)
	}
	if IsValidSessionID("agent-123") {
		t.Error("agent files are not sessions")
	}
	if IsValidSessionID("not-a-uuid") {
		t.Error("non-uuid should be invalid")
	}
}

func TestRead_OrderedRecords(t *testing.T) {
	dir := t.TempDir()
	writeTranscript(t, dir, testSessionA,
		userLine("first"),
		assistantTextLine("reply one"),
		userLine("second"),
	)

	store := NewStoreAt(dir)
	records, err := store.Read(testSessionA)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Type != "user" || records[1].Type != "assistant" {
		t.Errorf("record order not preserved: %s, %s", records[0].Type, records[1].Type)
	}
}

func TestRead_MalformedTrailingLine(t *testing.T) {
	dir := t.TempDir()
	lines := make([]string, 0, 11)
	for i := 0; i < 10; i++ {
		lines = append(lines, userLine(fmt.Sprintf("prompt %d", i)))
	}
	// Truncated trailing record, as left by a crash mid-write
	lines = append(lines, `{"type":"user","message":{"role":"user","cont`)
	writeTranscript(t, dir, testSessionA, lines...)

	store := NewStoreAt(dir)
	records, err := store.Read(testSessionA)
	if err != nil {
		t.Fatalf("Read should tolerate a truncated trailing line: %v", err)
	}
	if len(records) != 10 {
		t.Errorf("expected 10 well-formed records, got %d", len(records))
	}
}

func TestRead_NotFound(t *testing.T) {
	store := NewStoreAt(t.TempDir())
	_, err := store.Read(testSessionA)
	var nf *NotFoundError
	if !asNotFound(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if nf.SessionID != testSessionA {
		t.Errorf("NotFoundError.SessionID = %q, want %q", nf.SessionID, testSessionA)
	}
}

func TestAppend_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStoreAt(dir)

	rec := &Record{
		Type:      "user",
		SessionID: testSessionA,
		Message:   &RecordMessage{Role: "user", Content: mustJSON(t, "hello")},
	}
	if err := store.Append(testSessionA, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(testSessionA, rec); err != nil {
		t.Fatalf("second Append: %v", err)
	}

	records, err := store.Read(testSessionA)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records after appends, got %d", len(records))
	}
	messages := records[0].Extract()
	if len(messages) != 1 || messages[0].Text != "hello" {
		t.Errorf("appended record did not round-trip: %+v", messages)
	}
}

func TestList_NewestFirst(t *testing.T) {
	dir := t.TempDir()
	pathA := writeTranscript(t, dir, testSessionA, userLine("older session"))
	pathB := writeTranscript(t, dir, testSessionB, userLine("newer session"))

	now := time.Now()
	if err := os.Chtimes(pathA, now.Add(-2*time.Hour), now.Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(pathB, now, now); err != nil {
		t.Fatal(err)
	}

	store := NewStoreAt(dir)
	sessions, err := store.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != testSessionB {
		t.Errorf("newest session should be first, got %s", sessions[0].ID)
	}
	if sessions[0].Preview != "newer session" {
		t.Errorf("Preview = %q, want %q", sessions[0].Preview, "newer session")
	}
}

func TestList_SkipsNonSessionFiles(t *testing.T) {
	dir := t.TempDir()
	writeTranscript(t, dir, testSessionA, userLine("real"))
	if err := os.WriteFile(filepath.Join(dir, "agent-xyz.jsonl"), []byte(userLine("agent")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	store := NewStoreAt(dir)
	sessions, err := store.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
}

func TestList_MissingDir(t *testing.T) {
	store := NewStoreAt(filepath.Join(t.TempDir(), "does-not-exist"))
	sessions, err := store.List(0)
	if err != nil {
		t.Fatalf("List on missing dir: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected no sessions, got %d", len(sessions))
	}
}

func TestMostRecent_Empty(t *testing.T) {
	store := NewStoreAt(t.TempDir())
	_, err := store.MostRecent()
	var nf *NotFoundError
	if !asNotFound(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestContextTokens(t *testing.T) {
	dir := t.TempDir()
	writeTranscript(t, dir, testSessionA,
		userLine("hi"),
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"a"}],"usage":{"input_tokens":10,"cache_creation_input_tokens":20,"cache_read_input_tokens":30,"output_tokens":5}}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"b"}],"usage":{"input_tokens":100,"cache_creation_input_tokens":200,"cache_read_input_tokens":300,"output_tokens":7}}}`,
	)

	store := NewStoreAt(dir)
	tokens, err := store.ContextTokens(testSessionA)
	if err != nil {
		t.Fatalf("ContextTokens: %v", err)
	}
	// Last usage block wins: 100 + 200 + 300
	if tokens != 600 {
		t.Errorf("ContextTokens = %d, want 600", tokens)
	}
}

func TestContextTokens_NoUsage(t *testing.T) {
	dir := t.TempDir()
	writeTranscript(t, dir, testSessionA, userLine("just a prompt"))

	store := NewStoreAt(dir)
	tokens, err := store.ContextTokens(testSessionA)
	if err != nil {
		t.Fatalf("ContextTokens: %v", err)
	}
	if tokens != 0 {
		t.Errorf("ContextTokens = %d, want 0", tokens)
	}
}

func TestExtractPreview_TruncatesOnRuneBoundary(t *testing.T) {
	// Three-byte runes put the length cap mid-sequence
	long := strings.Repeat("世", PreviewMaxLen)
	preview := extractPreview([]byte(userLine(long)))

	if !utf8.ValidString(preview) {
		t.Errorf("preview contains invalid UTF-8: %q", preview)
	}
	if !strings.HasSuffix(preview, "…") {
		t.Errorf("truncated preview should end with an ellipsis: %q", preview)
	}
	if len(preview) > PreviewMaxLen+len("…") {
		t.Errorf("preview length = %d, want at most %d", len(preview), PreviewMaxLen+len("…"))
	}
}

func TestExtractPreview_SkipsInternalContent(t *testing.T) {
	chunk := []byte(strings.Join([]string{
		`{"type":"user","isMeta":true,"message":{"role":"user","content":"meta"}}`,
		`{"type":"user","message":{"role":"user","content":"<command-name>/clear</command-name>"}}`,
		userLine("the real prompt"),
	}, "\n"))

	preview := extractPreview(chunk)
	if preview != "the real prompt" {
		t.Errorf("preview = %q, want %q", preview, "the real prompt")
	}
}
