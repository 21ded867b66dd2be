package protocol

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// ErrorKind is the closed set of failure classes a client can receive.
type ErrorKind int

const (
	KindParsing ErrorKind = iota + 1
	KindOperationFailed
	KindInvalidHandle
	KindStaleCursor
	KindStaleView
	KindNotFound
	KindConfiguration
	KindAggregate
	KindNotSupported
)

var kindNames = map[ErrorKind]string{
	KindParsing:         "ParsingError",
	KindOperationFailed: "OperationFailed",
	KindInvalidHandle:   "InvalidHandle",
	KindStaleCursor:     "StaleCursor",
	KindStaleView:       "StaleView",
	KindNotFound:        "NotFound",
	KindConfiguration:   "Configuration",
	KindAggregate:       "Aggregate",
	KindNotSupported:    "NotSupported",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ParseErrorKind is the inverse of ErrorKind.String. Unknown names map to
// KindOperationFailed.
func ParseErrorKind(name string) ErrorKind {
	for kind, n := range kindNames {
		if n == name {
			return kind
		}
	}

	return KindOperationFailed
}

// Error is the payload of an error response. It is built where the failure
// happens and is not modified afterwards.
type Error struct {
	Kind   ErrorKind
	Detail string

	// Errors holds the individual failures behind an Aggregate error
	Errors []error

	// Node is the address of the node that can serve the request, set when
	// the request reached a node that does not own the data
	Node string
}

func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Aggregate combines several failures into one error. The first failure
// provides the detail message, all of them are kept.
func Aggregate(errs ...error) *Error {
	combined := multierr.Combine(errs...)
	inner := multierr.Errors(combined)

	detail := "aggregate failure"
	if len(inner) > 0 {
		detail = inner[0].Error()
	}

	return &Error{
		Kind:   KindAggregate,
		Detail: detail,
		Errors: inner,
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() []error {
	return e.Errors
}

// Is matches another *Error of the same kind, so errors.Is(err,
// &Error{Kind: KindStaleCursor}) works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind && (t.Detail == "" || t.Detail == e.Detail)
}

// KindOf returns the kind carried by err. Errors that were never given a kind
// come from the cache engine and are reported as OperationFailed.
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}

	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return KindParsing
	}

	return KindOperationFailed
}

// AsError converts any error into a protocol error, keeping the kind when one
// was assigned.
func AsError(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	return &Error{Kind: KindOf(err), Detail: err.Error()}
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
