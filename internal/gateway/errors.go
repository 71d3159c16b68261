package gateway

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed model call.
type ErrorKind string

const (
	// KindTransport covers network faults, non-2xx replies and per-call
	// timeouts. Only this kind is retried.
	KindTransport ErrorKind = "transport"
	// KindMalformed means no JSON object could be extracted from the reply.
	KindMalformed ErrorKind = "malformed_output"
	// KindSchema means the JSON did not match the rubric.
	KindSchema ErrorKind = "schema_mismatch"
)

// ErrEmptyCompletion is returned by a Completer whose reply carried no text.
var ErrEmptyCompletion = errors.New("gateway: model returned no content")

// ModelCallError is the single error type returned by Gateway.Grade. It
// keeps the raw reply so failed calls can still be audited.
type ModelCallError struct {
	Kind        ErrorKind
	RawResponse string
	Err         error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ModelCallError) Unwrap() error {
	return e.Err
}

// KindOf returns the ErrorKind carried by err, or "" if none.
func KindOf(err error) ErrorKind {
	var mce *ModelCallError
	if errors.As(err, &mce) {
		return mce.Kind
	}
	return ""
}

// RawResponse returns the raw model reply carried by err, if any.
func RawResponse(err error) string {
	var mce *ModelCallError
	if errors.As(err, &mce) {
		return mce.RawResponse
	}
	return ""
}

func isTransport(err error) bool {
	return KindOf(err) == KindTransport
}
