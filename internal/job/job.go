// Package job defines the unit of work executed by the runner, its persisted
// record, and the registry used to rebuild jobs from records.
package job

import (
	"context"
	"fmt"
	"time"
)

// DefaultTimeout is the timeout of a job that does not declare one.
const DefaultTimeout = 60 * time.Second

// Job is a unit of executable, serializable work.
//
// Execute must return when ctx is canceled. The runner cancels ctx when the
// job is canceled or exceeds its timeout.
type Job interface {
	Name() string
	Retries() int
	// Timeout is the maximum run time. Zero or less disables the timeout.
	Timeout() time.Duration
	TryNumber() int
	SetTryNumber(n int)
	Execute(ctx context.Context) error
}

// Base provides the default retry, timeout and try-number behavior. Concrete
// jobs embed it and override what they need.
type Base struct {
	tryNumber int
}

// Retries returns 0.
func (b *Base) Retries() int { return 0 }

// Timeout returns DefaultTimeout.
func (b *Base) Timeout() time.Duration { return DefaultTimeout }

// TryNumber returns the 1-based attempt number.
func (b *Base) TryNumber() int {
	if b.tryNumber < 1 {
		return 1
	}
	return b.tryNumber
}

// SetTryNumber sets the attempt number.
func (b *Base) SetTryNumber(n int) { b.tryNumber = n }

// FormatError renders an error for the record's exception field, including
// any stack trace carried by the error.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%+v", err)
}
