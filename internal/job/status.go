package job

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Status is the lifecycle state of a persisted job record.
type Status int

const (
	StatusQueued Status = iota
	StatusStarted
	StatusCanceling
	StatusCanceled
	StatusSucceeded
	StatusFailed
	StatusTimedOut
	StatusInterrupted
	StatusFailedToLoadType
)

var statusNames = [...]string{
	StatusQueued:           "Queued",
	StatusStarted:          "Started",
	StatusCanceling:        "Canceling",
	StatusCanceled:         "Canceled",
	StatusSucceeded:        "Succeeded",
	StatusFailed:           "Failed",
	StatusTimedOut:         "TimedOut",
	StatusInterrupted:      "Interrupted",
	StatusFailedToLoadType: "FailedToLoadType",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "Unknown"
	}
	return statusNames[s]
}

// IsTerminal reports whether a record in this status will never run again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCanceled, StatusSucceeded, StatusFailed, StatusTimedOut, StatusInterrupted, StatusFailedToLoadType:
		return true
	}
	return false
}

// ParseStatus converts a status name to a Status, ignoring case.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if strings.EqualFold(n, name) {
			return Status(i), nil
		}
	}
	return 0, errors.Newf("unknown job status %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
