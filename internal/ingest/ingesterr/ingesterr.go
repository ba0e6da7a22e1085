// Package ingesterr defines the shared error taxonomy used across the
// registry ingestion pipeline (fetch, extract, decode, parse, upsert).
package ingesterr

import (
	"errors"
	"fmt"
)

// Kind tags an Error with the taxonomy category from the ingestion design.
type Kind string

const (
	KindNetwork   Kind = "network"
	KindTimeout   Kind = "timeout"
	KindBadStatus Kind = "badStatus"
	KindTruncated Kind = "truncated"
	KindBadMagic  Kind = "badMagic"
	KindArchive   Kind = "archive"
	KindConfig    Kind = "config"
	KindDatabase  Kind = "database"
	KindValidate  Kind = "validate"
)

// Error is a typed, wrapped error carrying a Kind for retry/propagation
// decisions upstream.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err (or a wrapped *Error within it) belongs
// to a transient-acquisition category that the Fetcher's backoff loop
// should retry rather than fail fast on.
func IsRetryable(err error) bool {
	var ie *Error
	if !errors.As(err, &ie) {
		return false
	}
	switch ie.Kind {
	case KindNetwork, KindTimeout, KindBadStatus, KindTruncated, KindBadMagic:
		return true
	default:
		return false
	}
}

// KindOf extracts the Kind of err if it wraps an *Error, or "" otherwise.
func KindOf(err error) Kind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return ""
}
