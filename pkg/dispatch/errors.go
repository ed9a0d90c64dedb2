package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Concrete error types below unwrap to one of these so
// callers can classify failures with errors.Is.
var (
	ErrTimeout        = errors.New("dispatch: timeout")
	ErrHandler        = errors.New("dispatch: handler failed")
	ErrDuplicateSkill = errors.New("dispatch: duplicate skill")
	ErrNoMatch        = errors.New("dispatch: no match")
	ErrTransport      = errors.New("dispatch: transport unavailable")
	ErrPreempted      = errors.New("dispatch: preempted")
	ErrSessionBusy    = errors.New("dispatch: session busy")
	ErrSuperseded     = errors.New("dispatch: superseded")
)

// TimeoutError reports a skill operation that exceeded its deadline.
type TimeoutError struct {
	SkillID string
	Op      string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("dispatch: skill %q %s timed out after %s", e.SkillID, e.Op, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// HandlerError reports a skill operation that returned an error or panicked.
type HandlerError struct {
	SkillID string
	Op      string
	Panic   bool
	Err     error
}

func (e *HandlerError) Error() string {
	if e.Panic {
		return fmt.Sprintf("dispatch: skill %q %s panicked: %v", e.SkillID, e.Op, e.Err)
	}
	return fmt.Sprintf("dispatch: skill %q %s: %v", e.SkillID, e.Op, e.Err)
}

func (e *HandlerError) Unwrap() []error { return []error{ErrHandler, e.Err} }

// TransportError reports that the message transport could not carry a message.
type TransportError struct {
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dispatch: transport %q: %v", e.Topic, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// IsSkillFault reports whether err is attributable to a single skill
// (timeout or handler failure) rather than to infrastructure.
func IsSkillFault(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrHandler)
}

// ErrorKind returns a short stable label for err, used in events and telemetry.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrHandler):
		return "handler"
	case errors.Is(err, ErrPreempted):
		return "preempted"
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	case errors.Is(err, ErrSessionBusy):
		return "session_busy"
	case errors.Is(err, ErrNoMatch):
		return "no_match"
	case errors.Is(err, ErrDuplicateSkill):
		return "duplicate_skill"
	default:
		return "internal"
	}
}
