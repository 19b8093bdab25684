// Package errdefs defines the error kinds shared by the training and
// inference pipeline. Every kind is fatal for the current run; callers decide
// whether to abort or report and continue.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure
type Kind int

const (
	// IO covers missing or unreadable manifest and image files
	IO Kind = iota + 1
	// Decode covers unsupported or corrupt image data
	Decode
	// Shape covers count and dimension mismatches
	Shape
	// Persistence covers unwritable save targets and corrupt model files
	Persistence
	// NotFound marks a missing model path
	NotFound
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "io"
	case Decode:
		return "decode"
	case Shape:
		return "shape"
	case Persistence:
		return "persistence"
	case NotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is checks
var (
	ErrIO          = &Error{Kind: IO}
	ErrDecode      = &Error{Kind: Decode}
	ErrShape       = &Error{Kind: Shape}
	ErrPersistence = &Error{Kind: Persistence}
	ErrNotFound    = &Error{Kind: NotFound}
)

// Error is a classified pipeline error
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrShape) works
// for every shape error regardless of its operation or path.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a classified error
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error with a formatted message
func Newf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithPath creates a classified error bound to a file path
func WithPath(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf returns the outermost kind in err's chain, or 0 when err carries none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
