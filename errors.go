package persistit

import (
	"fmt"

	"github.com/pkg/errors"
)

// Result is the outcome of an operation that may need to be retried by its
// caller rather than treated as a hard failure. Exchange retry loops and
// recovery replay both dispatch on Result instead of using exceptions for
// control flow.
type Result int

const (
	ResultOk Result = iota
	ResultRollback
	ResultRetry
	ResultTimedOut
	ResultFatal
)

func (r Result) String() string {
	switch r {
	case ResultOk:
		return "ok"
	case ResultRollback:
		return "rollback"
	case ResultRetry:
		return "retry"
	case ResultTimedOut:
		return "timed-out"
	case ResultFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Kind classifies an error per the error-handling design in §7: corruption,
// I/O failure, disk-full, rollback, timeout, interrupted, rebalance-required
// or fatal. Kind lets callers (and the cleanup/checkpoint workers) branch on
// error category without string matching.
type Kind int

const (
	KindCorruption Kind = iota
	KindIOFailure
	KindDiskFull
	KindRollback
	KindTimeout
	KindInterrupted
	KindRebalanceRequired
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindCorruption:
		return "corruption"
	case KindIOFailure:
		return "io-failure"
	case KindDiskFull:
		return "disk-full"
	case KindRollback:
		return "rollback"
	case KindTimeout:
		return "timeout"
	case KindInterrupted:
		return "interrupted"
	case KindRebalanceRequired:
		return "rebalance-required"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with the Kind taxonomy of §7 plus enough
// context (volume/page/tree) for a diagnostic trail. Every error that
// crosses a component boundary is expected to arrive wrapped this way; see
// SPEC_FULL.md §7.
type Error struct {
	Kind    Kind
	Context string
	cause   error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Context)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return t.Kind == e.Kind
	}
	return false
}

// WrapErr converts a lower-level error into a classified, stack-annotated
// Error. Call sites never swallow an error silently: they either wrap it
// with WrapErr or re-raise it untouched.
func WrapErr(kind Kind, context string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Context: context, cause: errors.WithStack(cause)}
}

// NewErr builds a classified Error for conditions detected directly (e.g.
// an invariant check) rather than surfaced from a lower layer; its cause
// is a plain error carrying the context text.
func NewErr(kind Kind, context string) error {
	return &Error{Kind: kind, Context: context, cause: errors.New(context)}
}

// IsKind reports whether err (or any error it wraps) is a *Error of the
// given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ce, ok := err.(*Error); ok {
			e = ce
			break
		}
		err = errors.Unwrap(err)
	}
	return e != nil && e.Kind == kind
}

var (
	// ErrSuspect is returned by any operation on a volume that has been
	// marked suspect after a corruption was detected; it stays suspect
	// until explicitly repaired.
	ErrSuspect = errors.New("volume marked suspect after corruption; repair required")
	// ErrClosed is returned by operations against a closed Exchange,
	// Volume, or engine instance.
	ErrClosed = errors.New("persistit: use after close")
	// ErrNotFound is a general not-found sentinel. No function in this
	// repository returns it; MVV lookups in the buffer package report
	// buffer.ErrVersionNotFound instead.
	ErrNotFound = errors.New("persistit: not found")
)
