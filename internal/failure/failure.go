// Package failure defines the error taxonomy shared by the receipt pipeline,
// the identity layer and the HTTP surface.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies an error at the boundary where it was produced
type Kind string

const (
	UploadFailed      Kind = "upload_failed"
	ProcessingFailed  Kind = "processing_failed"
	MalformedResponse Kind = "malformed_response"
	InvalidAmount     Kind = "invalid_amount"
	InvalidDate       Kind = "invalid_date"
	SaveFailed        Kind = "save_failed"
	AuthError         Kind = "auth_error"
	NotFound          Kind = "not_found"
	Conflict          Kind = "conflict"
	InvalidRequest    Kind = "invalid_request"
	Unexpected        Kind = "unexpected_error"
)

// Error is a tagged error. RawText carries the offending input for kinds
// where it matters for diagnosis (MalformedResponse).
type Error struct {
	Kind    Kind
	Op      string
	Message string
	RawText string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and the operation that failed
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an error with a formatted message and no cause
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first tagged error in the chain, or
// Unexpected when the chain carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unexpected
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RawText returns the raw text attached to the first tagged error in the chain
func RawText(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.RawText
	}
	return ""
}
