package transcript

import (
	"fmt"

	"github.com/zhubert/tether/logger"
)

// NotFoundError indicates a resume target has no matching transcript.
type NotFoundError struct {
	SessionID string // empty when the scope simply has no sessions
}

func (e *NotFoundError) Error() string {
	if e.SessionID == "" {
		return "no sessions found for this directory"
	}
	return fmt.Sprintf("no transcript found for session %s", e.SessionID)
}

// SelectorKind says how the user picked a session to start with.
type SelectorKind int

const (
	// SelectNew starts a fresh session.
	SelectNew SelectorKind = iota
	// SelectMostRecent resumes the newest session in the project scope.
	SelectMostRecent
	// SelectID resumes an explicitly named session.
	SelectID
)

// Selector names the session to resolve.
type Selector struct {
	Kind      SelectorKind
	SessionID string // required for SelectID
}

// Resolved is a replay-ready session: its id, the display messages extracted
// from its transcript, and its current context consumption.
type Resolved struct {
	SessionID     string
	Records       []Record
	Messages      []Message
	ContextTokens int
}

// IsNew reports whether the resolution produced a fresh session.
func (r *Resolved) IsNew() bool {
	return r.SessionID == ""
}

// Resolver locates and replays sessions out of a Store.
type Resolver struct {
	store *Store
}

// NewResolver returns a Resolver over the given store.
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve maps a selector to a replay-ready session. SelectNew yields an
// empty Resolved (the caller assigns an id). SelectMostRecent and SelectID
// fail with NotFoundError when no matching transcript exists; internal
// command records are filtered out of the replay messages.
func (r *Resolver) Resolve(sel Selector) (*Resolved, error) {
	log := logger.WithComponent("transcript")

	switch sel.Kind {
	case SelectNew:
		return &Resolved{}, nil

	case SelectMostRecent:
		info, err := r.store.MostRecent()
		if err != nil {
			return nil, err
		}
		log.Info("resuming most recent session", "sessionID", info.ID)
		return r.replay(info.ID)

	case SelectID:
		if !IsValidSessionID(sel.SessionID) {
			return nil, &NotFoundError{SessionID: sel.SessionID}
		}
		log.Info("resuming session", "sessionID", sel.SessionID)
		return r.replay(sel.SessionID)

	default:
		return nil, fmt.Errorf("unknown session selector kind %d", sel.Kind)
	}
}

func (r *Resolver) replay(sessionID string) (*Resolved, error) {
	records, err := r.store.Read(sessionID)
	if err != nil {
		return nil, err
	}

	var messages []Message
	for i := range records {
		messages = append(messages, records[i].Extract()...)
	}

	tokens, err := r.store.ContextTokens(sessionID)
	if err != nil {
		tokens = 0
	}

	return &Resolved{
		SessionID:     sessionID,
		Records:       records,
		Messages:      messages,
		ContextTokens: tokens,
	}, nil
}
