// Package fault classifies the failure modes seen by the ingestion
// pipeline. Every error crossing a package boundary is wrapped with one
// of these sentinels so callers can match on kind with errors.Is instead
// of string inspection.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks a network timeout that was retried and may
	// succeed on a later run.
	ErrTransient = errors.New("transient network failure")

	// ErrEmptyResponse marks an upstream reply with no usable data.
	ErrEmptyResponse = errors.New("empty upstream response")

	// ErrStorage marks a failed store operation. The affected row is
	// treated as not written and is picked up again on the next run.
	ErrStorage = errors.New("storage unavailable")

	// ErrBadData marks a payload that cannot be derived from, e.g. a
	// kill with zero or multiple final-blow attackers.
	ErrBadData = errors.New("invalid upstream data")
)

// Transient wraps err as a transient network failure.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Empty reports an empty or unusable response from the named endpoint.
func Empty(endpoint string) error {
	return fmt.Errorf("%w: %s", ErrEmptyResponse, endpoint)
}

// Storage wraps err from the persistence layer.
func Storage(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// BadData reports a payload that fails validation.
func BadData(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadData, fmt.Sprintf(format, args...))
}

// Kind returns the sentinel matching err, or nil if err carries no
// classification.
func Kind(err error) error {
	switch {
	case errors.Is(err, ErrTransient):
		return ErrTransient
	case errors.Is(err, ErrEmptyResponse):
		return ErrEmptyResponse
	case errors.Is(err, ErrStorage):
		return ErrStorage
	case errors.Is(err, ErrBadData):
		return ErrBadData
	}
	return nil
}
