package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zhubert/tether/logger"
	"github.com/zhubert/tether/paths"
)

const (
	// PreviewChunkSize is how much of a transcript head is read for previews.
	PreviewChunkSize = 16384
	// TailChunkSize is how much of a transcript tail is read for usage scans.
	TailChunkSize = 32768
	// PreviewMaxLen caps the preview text shown in session lists.
	PreviewMaxLen = 200
	// MaxLineSize bounds a single transcript line during scans.
	MaxLineSize = 10 * 1024 * 1024
)

// sessionIDRegex matches the UUID filenames the backend uses for real
// sessions, excluding agent-* internal files.
var sessionIDRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsValidSessionID reports whether s looks like a backend session UUID.
func IsValidSessionID(s string) bool {
	return sessionIDRegex.MatchString(s)
}

// SessionInfo describes one transcript file for listing.
type SessionInfo struct {
	ID           string
	Preview      string
	ModTime      time.Time
	MessageCount int
}

// Store provides read and append access to the transcript files of one
// project scope (one working directory).
type Store struct {
	dir string
}

// NewStore returns a Store for the given working directory, resolving the
// backend's per-project transcript directory.
func NewStore(workingDir string) (*Store, error) {
	dir, err := paths.ProjectTranscriptsDir(workingDir)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// NewStoreAt returns a Store over an explicit directory. Used by tests and
// by callers that already resolved the scope.
func NewStoreAt(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the directory this store reads from.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) sessionPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

// Append durably writes one record to the session's transcript. The record
// is serialized to a single line and written with one write call followed by
// a sync, so a reader never observes a partial record.
func (s *Store) Append(sessionID string, record *Record) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode transcript record: %w", err)
	}
	line := append(data, '\n')

	f, err := os.OpenFile(s.sessionPath(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return err
	}
	return f.Sync()
}

// Read parses a session's transcript into ordered records. Unparsable lines
// are skipped rather than failing the read: a crash mid-write on a prior run
// leaves a truncated trailing line, and that must not poison the rest.
func (s *Store) Read(sessionID string) ([]Record, error) {
	f, err := os.Open(s.sessionPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{SessionID: sessionID}
		}
		return nil, err
	}
	defer f.Close()

	log := logger.WithComponent("transcript")

	var records []Record
	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		rec.Raw = append(json.RawMessage(nil), line...)
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan transcript %s: %w", sessionID, err)
	}
	if skipped > 0 {
		log.Debug("skipped unparsable transcript lines", "sessionID", sessionID, "count", skipped)
	}

	return records, nil
}

// List returns the sessions in this scope sorted newest-first by file
// modification time. Previews come from the first non-meta user prompt in
// each file's head chunk; files without one are omitted.
func (s *Store) List(limit int) ([]SessionInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	type candidate struct {
		id      string
		path    string
		modTime time.Time
	}
	var candidates []candidate
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(name, ".jsonl")
		if !IsValidSessionID(id) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		candidates = append(candidates, candidate{
			id:      id,
			path:    filepath.Join(s.dir, name),
			modTime: info.ModTime(),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modTime.After(candidates[j].modTime)
	})

	var sessions []SessionInfo
	for _, c := range candidates {
		content, err := os.ReadFile(c.path)
		if err != nil {
			continue
		}
		head := content
		if len(head) > PreviewChunkSize {
			head = head[:PreviewChunkSize]
		}
		preview := extractPreview(head)
		if preview == "" {
			continue
		}
		sessions = append(sessions, SessionInfo{
			ID:           c.id,
			Preview:      preview,
			ModTime:      c.modTime,
			MessageCount: strings.Count(string(content), "\n"),
		})
		if limit > 0 && len(sessions) >= limit {
			break
		}
	}

	return sessions, nil
}

// MostRecent returns the newest session in this scope, or NotFoundError if
// the scope has no sessions.
func (s *Store) MostRecent() (*SessionInfo, error) {
	sessions, err := s.List(1)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, &NotFoundError{}
	}
	return &sessions[0], nil
}

// ContextTokens scans the tail of a session's transcript for the last usage
// block and returns its total context consumption. Returns 0 if the session
// has no usage data yet.
func (s *Store) ContextTokens(sessionID string) (int, error) {
	path := s.sessionPath(sessionID)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, &NotFoundError{SessionID: sessionID}
		}
		return 0, err
	}
	if info.Size() == 0 {
		return 0, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	chunkSize := int64(TailChunkSize)
	if info.Size() < chunkSize {
		chunkSize = info.Size()
	}
	chunk := make([]byte, chunkSize)
	if _, err := f.ReadAt(chunk, info.Size()-chunkSize); err != nil {
		return 0, err
	}

	// The first line of the chunk may be a partial record; json.Unmarshal
	// rejects it and the reverse scan moves on.
	lines := strings.Split(string(chunk), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Message != nil && rec.Message.Usage != nil {
			return rec.Message.Usage.ContextTokens(), nil
		}
	}

	return 0, nil
}

// extractPreview pulls the first real user prompt out of a transcript head
// chunk. The chunk may end mid-line; unparsable lines are skipped.
func extractPreview(chunk []byte) string {
	for _, line := range strings.Split(string(chunk), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Type != "user" || rec.IsMeta || rec.Message == nil {
			continue
		}
		var text string
		if err := json.Unmarshal(rec.Message.Content, &text); err != nil {
			continue
		}
		if strings.HasPrefix(text, "<") {
			continue
		}
		text = strings.ReplaceAll(text, "\n", " ")
		if len(text) > PreviewMaxLen {
			// Back up to a rune boundary so the cut never leaves a
			// partial multi-byte sequence in the preview
			cut := PreviewMaxLen
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			return text[:cut] + "…"
		}
		return text
	}
	return ""
}
