package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures so the HTTP layer can map them to status codes
// without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthorized
	KindBadRequest
	KindValidation
	KindConflict
	KindNotFound
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindBadRequest:
		return "bad_request"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside the wrapped cause.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a kinded error.
func E(kind Kind, detail string) error {
	return &Error{Kind: kind, Detail: detail}
}

// Ef builds a kinded error with a formatted detail.
func Ef(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, detail string, err error) error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the kind from an error chain; unclassified errors are
// treated as transient.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindTransient
}

// DetailOf returns the human-readable detail, falling back to Error().
func DetailOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Detail
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
