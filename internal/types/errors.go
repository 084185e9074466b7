package types

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline errors by how they propagate
type Kind int

const (
	// KindTransientCapture is a single failed source read. Counted, never surfaced.
	KindTransientCapture Kind = iota
	// KindTransientExport is a single dequeue timeout or encode failure. Counted, never surfaced.
	KindTransientExport
	// KindFatalSource means the source could not be opened or a loop exceeded its
	// consecutive-failure threshold. Terminates the pipeline.
	KindFatalSource
	// KindFatalStorage means the write probe failed or eviction could not bring
	// usage under budget. Prevents or halts operation.
	KindFatalStorage
)

// String returns a human-readable name for the kind
func (k Kind) String() string {
	switch k {
	case KindTransientCapture:
		return "transient-capture"
	case KindTransientExport:
		return "transient-export"
	case KindFatalSource:
		return "fatal-source"
	case KindFatalStorage:
		return "fatal-storage"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind stop the pipeline
func (k Kind) Fatal() bool {
	return k == KindFatalSource || k == KindFatalStorage
}

// Error is a classified pipeline error
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and the failing operation
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or false if err is not classified
func KindOf(err error) (Kind, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind, true
	}
	return 0, false
}

// IsFatal reports whether err is a fatal pipeline error
func IsFatal(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind.Fatal()
}
