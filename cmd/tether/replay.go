package main

import (
	"github.com/zhubert/tether/session"
	"github.com/zhubert/tether/transcript"
)

// replaySession rebuilds the chat state from a resolved transcript. Replayed
// turns are closed; only live streaming opens one. Tool results whose
// invocation never made it into the transcript are dropped rather than
// failing the replay.
func replaySession(id, workingDir string, msgs []transcript.Message, contextTokens int) *session.Session {
	s := session.New(id, workingDir)
	for _, m := range msgs {
		switch m.Kind {
		case transcript.MessageUser:
			s.CloseTurn(0, 0, 0)
			s.BeginTurn(m.Text)
		case transcript.MessageAssistant:
			replayTurn(s).AppendText(m.Text)
		case transcript.MessageToolUse:
			replayTurn(s).AddToolUse(m.ID, m.Name, m.Input)
		case transcript.MessageToolResult:
			s.AddToolResult(m.ID, m.Text, m.IsError)
		}
	}
	s.CloseTurn(0, 0, 0)
	if contextTokens > s.ContextTokens {
		s.ContextTokens = contextTokens
	}
	return s
}

// replayTurn returns the open turn, opening a promptless one when a
// transcript leads with assistant content.
func replayTurn(s *session.Session) *session.Turn {
	if t := s.OpenTurn(); t != nil {
		return t
	}
	t, _ := s.BeginTurn("")
	return t
}
