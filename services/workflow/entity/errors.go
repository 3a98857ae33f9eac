package entity

import (
	"errors"
	"fmt"
)

// ErrPermanent marks failures that retrying cannot fix. Wrap or join it into
// an error to stop the bus from redelivering the event.
var ErrPermanent = errors.New("permanent failure")

var (
	ErrNotFound        = errors.New("not found")
	ErrMeetingNotFound = fmt.Errorf("meeting %w: %w", ErrNotFound, ErrPermanent)
	ErrEmptySummary    = errors.New("summarizer returned no text")
	ErrUnknownEvent    = fmt.Errorf("unknown event: %w", ErrPermanent)
	ErrInvalidPayload  = fmt.Errorf("invalid event payload: %w", ErrPermanent)
)

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Permanent wraps err so IsPermanent reports true for it.
func Permanent(err error) error {
	if err == nil || IsPermanent(err) {
		return err
	}
	return fmt.Errorf("%w: %w", err, ErrPermanent)
}

// FetchError is a failed transcript download. Always retryable.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ParseError is a malformed transcript record. The transcript is static so
// the error is permanent.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse transcript line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() []error {
	return []error{e.Err, ErrPermanent}
}
