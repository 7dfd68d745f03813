// Package errs defines the closed set of error kinds Tycho components
// fail with, per spec.md §7. Extends the teacher's single-purpose
// utils.Wrap helper into a small typed taxonomy every layer can switch
// on without string-matching messages.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed. Callers branch on Kind, not
// on error strings.
type Kind int

const (
	// Decode marks a malformed payload or an unknown protocol type.
	// Fatal: terminates the extractor task.
	Decode Kind = iota
	// Storage marks a transient read/write failure against the
	// Persistence Gateway. Bubbled up; terminates the runner.
	Storage
	// Empty marks a payload with no changes. Not an error condition in
	// the usual sense — cursor still advances — but modelled as a Kind
	// so callers can detect it via errors.Is without a special return
	// value threaded through every layer.
	Empty
	// Setup marks a construction-time failure (e.g. cursor read failed
	// for a reason other than NotFound). Refuses to start / restarts.
	Setup
	// Upstream marks a stream that terminated with an error or EOF.
	// Terminates the runner.
	Upstream
	// SubscriberSend marks a single subscriber's channel send failing.
	// Never fatal: the subscriber is unregistered and processing
	// continues.
	SubscriberSend
)

func (k Kind) String() string {
	switch k {
	case Decode:
		return "decode"
	case Storage:
		return "storage"
	case Empty:
		return "empty"
	case Setup:
		return "setup"
	case Upstream:
		return "upstream"
	case SubscriberSend:
		return "subscriber_send"
	default:
		return "unknown"
	}
}

// Error wraps a cause with a Kind so the caller can decide policy
// (fatal vs. not) without parsing messages.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error of the given kind around cause. Returns nil if
// cause is nil, matching the teacher's utils.Wrap contract.
func Wrap(kind Kind, msg string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// NotFound is the sentinel the Persistence Gateway returns when a
// lookup (most importantly get_state on first start) finds nothing;
// distinguishable from every other Storage failure per spec.md §4.2.
var NotFound = errors.New("not found")
