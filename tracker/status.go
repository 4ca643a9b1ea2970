package tracker

import "errors"

// Status is derived from the catalog on every poll; it is never stored.
type Status int

const (
	StatusRunning Status = iota
	StatusCompleted
	StatusFailed
	StatusUnknown
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusUnknown:
		return "UNKNOWN"
	case StatusTimedOut:
		return "TIMED_OUT"
	}
	return "INVALID"
}

// Terminal reports whether polling stops at s.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// DetailNotFound is the detail reported when no statement id was resolved.
const DetailNotFound = "NOT_FOUND"

var (
	// ErrSubmission wraps every failure to execute the bulk statement.
	// It surfaces through Handle.Err and a FAILED result, never as a panic
	// or error on the caller's goroutine.
	ErrSubmission = errors.New("submission failed")

	// ErrTooManyTransientErrors is returned by PollUntilTerminal when the
	// catalog could not be queried for too many consecutive ticks.
	ErrTooManyTransientErrors = errors.New("too many consecutive catalog errors")
)

// Result is the outcome of PollUntilTerminal.
type Result struct {
	Status      Status
	Detail      string // last raw catalog token, or the submission error
	StatementID int64
	Polls       int
}
