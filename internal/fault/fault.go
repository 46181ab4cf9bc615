// Package fault classifies pipeline failures so callers can decide whether to
// retry, record, or give up.
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind is the failure class of an Error.
type Kind int

const (
	Unknown Kind = iota
	// Transport covers network failures, timeouts and upstream 5xx responses.
	Transport
	// Auth covers token exchange failures and rejected credentials.
	Auth
	// Query means the analytical engine rejected the query itself.
	Query
	// Validation means required input was missing or malformed.
	Validation
	// Exhausted means every retry attempt was used.
	Exhausted
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Auth:
		return "auth"
	case Query:
		return "query"
	case Validation:
		return "validation"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// maxReasonLen bounds the text returned by Reason.
const maxReasonLen = 300

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with the given kind.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost classification of err. Context deadline and
// cancellation errors without an explicit class are treated as Transport.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transport
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err may succeed on a later attempt. Unclassified
// errors are retried; only Query, Validation and Exhausted are final.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Query, Validation, Exhausted:
		return false
	default:
		return err != nil
	}
}

// Reason returns a short, single-line description of err suitable for
// showing to a model or storing alongside a record.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	var fe *Error
	if errors.As(err, &fe) && fe.Err != nil {
		msg = fe.Kind.String() + ": " + fe.Err.Error()
	}
	return Truncate(strings.Join(strings.Fields(msg), " "), maxReasonLen)
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
