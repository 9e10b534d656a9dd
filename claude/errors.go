package claude

import "fmt"

// ConnectionError indicates the backend could not be reached or refused the
// session. It is fatal to the handle: the caller must Start a new Runner
// (possibly resuming the same session id) to continue.
type ConnectionError struct {
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("connection failed: %s", e.Reason)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StateError indicates caller misuse of the Runner contract, such as
// submitting a prompt while a turn is still open. It fails loudly rather
// than silently dropping the call.
type StateError struct {
	Op     string
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// DecodeError indicates a backend frame that looked like stream-json but
// could not be decoded. It closes the handle with a StreamError event.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var errMissingFrameType = fmt.Errorf("frame has no type field")

func errUnknownFrameType(t string) error {
	return fmt.Errorf("unrecognized frame type %q", t)
}

