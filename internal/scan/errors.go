package scan

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoRelevantRange is returned by Outcome.Err for EXHAUSTED scans: the
	// region was scanned and no start boundary was found.
	ErrNoRelevantRange = errors.New("no relevant page range found")
	// ErrScanFailed is the generic failure sentinel; *ScanFailure matches it.
	ErrScanFailed = errors.New("scan failed")
	// ErrCancelled is reported when the cancel hook fires between batches.
	ErrCancelled = errors.New("scan cancelled")
)

// TransientError marks a classifier failure that may succeed on retry:
// timeouts, malformed or empty responses, rate limits, 5xx.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient: " + e.Reason
	}
	return fmt.Sprintf("transient: %s: %v", e.Reason, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(reason string, err error) error {
	return &TransientError{Reason: reason, Err: err}
}

// Malformed is a transient error for a response that could not be used.
func Malformed(format string, args ...any) error {
	return &TransientError{Reason: "malformed response", Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err should be retried with the same batch.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ScanFailure is the terminal error of a FAILED scan. State is the last known
// state, Pages the batch that could not be classified.
type ScanFailure struct {
	State    State
	Pages    []int
	Attempts int
	Err      error
}

func (e *ScanFailure) Error() string {
	return fmt.Sprintf("scan failed in %s at cursor %d (pages %v, %d attempts): %v",
		e.State.Phase, e.State.Cursor, e.Pages, e.Attempts, e.Err)
}

func (e *ScanFailure) Unwrap() error { return e.Err }

func (e *ScanFailure) Is(target error) bool { return target == ErrScanFailed }
