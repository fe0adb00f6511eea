// Package errs classifies failures so each component can apply its degrade
// policy: reconnect on transport errors, drop the connection on protocol
// errors, skip a trigger on geometry errors, fall back to the campus zone on
// resolution errors and report status on rule evaluation errors.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an error
type Kind int

const (
	// Unknown is any error that was never classified
	Unknown Kind = iota
	// Transport covers refused, reset or closed connections
	Transport
	// Protocol covers malformed frames and unexpected handshake responses
	Protocol
	// Geometry covers regions and triggers that cannot be built
	Geometry
	// Resolution covers zone hierarchy query failures
	Resolution
	// RuleEvaluation covers missing subject or zone data during rule evaluation
	RuleEvaluation
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case Geometry:
		return "geometry"
	case Resolution:
		return "resolution"
	case RuleEvaluation:
		return "rule_evaluation"
	default:
		return "unknown"
	}
}

// Error wraps an error with its kind and the operation that failed
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in the chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
