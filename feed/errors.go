package feed

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionLimit is returned by Register when the configured maximum
	// number of concurrent sessions is reached. Existing sessions are never
	// evicted to make room.
	ErrSessionLimit = errors.New("session limit exceeded")

	// ErrLedgerClosed is returned by ledger operations after Close.
	ErrLedgerClosed = errors.New("ledger is closed")
)

// RetentionExpiredError is returned when a resume rowid is older than the
// oldest retrievable rowid. The caller must perform a full resync; the
// server never silently falls back to the live tail.
type RetentionExpiredError struct {
	Requested uint64
	Oldest    uint64
}

func (e *RetentionExpiredError) Error() string {
	return fmt.Sprintf("resume rowid %d is outside the retention window (oldest retrievable: %d)", e.Requested, e.Oldest)
}

// IsRetentionExpired reports whether err is a RetentionExpiredError.
func IsRetentionExpired(err error) bool {
	var re *RetentionExpiredError
	return errors.As(err, &re)
}

// SourceUnavailableError wraps a transient source read failure. The poll
// cursor is left unchanged so the next cycle retries the same range.
type SourceUnavailableError struct {
	Source string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }
