// Package errs defines the error taxonomy shared by the risk and settlement engines.
//
// Every rejected operation surfaces an *Error carrying a Kind so callers (keepers,
// the query API) can branch on errors.Is(err, errs.NotFound) without parsing strings,
// while the wrapped cause keeps the package-level sentinel for finer matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation was rejected.
type Kind uint8

const (
	Unknown Kind = iota
	InvalidInput
	NotFound
	StateConflict
	InsufficientFunds
	Unauthorized
	StaleData
	ParameterOutOfBounds
	Overflow
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "InvalidInput"
	case NotFound:
		return "NotFound"
	case StateConflict:
		return "StateConflict"
	case InsufficientFunds:
		return "InsufficientFunds"
	case Unauthorized:
		return "Unauthorized"
	case StaleData:
		return "StaleData"
	case ParameterOutOfBounds:
		return "ParameterOutOfBounds"
	case Overflow:
		return "Overflow"
	default:
		return "Unknown"
	}
}

// Error lets a Kind be used directly as an errors.Is target.
func (k Kind) Error() string {
	return k.String()
}

// Error is a classified failure of a named operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a bare Kind target against the error's kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// E builds a classified error from a format string.
func E(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return Unknown
}
