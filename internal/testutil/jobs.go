package testutil

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/livinlefevreloca/foreman/internal/job"
)

// Fixture job type ids.
const (
	QuickJobType      = "test.quick"
	SlowJobType       = "test.slow"
	TimeoutJobType    = "test.timeout"
	FailRetryJobType  = "test.fail-retry"
	IDJobType         = "test.id"
	FailingJobType    = "test.failing"
	CheckpointJobType = "test.checkpoint"
)

// QuickJob returns immediately.
type QuickJob struct{ job.Base }

func (j *QuickJob) Name() string                  { return "Quick" }
func (j *QuickJob) Execute(context.Context) error { return nil }

// SlowJob sleeps for Duration or until canceled.
type SlowJob struct {
	job.Base
	Duration time.Duration `json:"duration"`
}

func (j *SlowJob) Name() string { return "Slow" }

func (j *SlowJob) Execute(ctx context.Context) error {
	select {
	case <-time.After(j.Duration):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TimeoutJob blocks until canceled and declares a short timeout.
type TimeoutJob struct {
	job.Base
	TimeoutMillis int `json:"timeout_millis"`
}

func (j *TimeoutJob) Name() string { return "Timeout" }

func (j *TimeoutJob) Timeout() time.Duration {
	return time.Duration(j.TimeoutMillis) * time.Millisecond
}

func (j *TimeoutJob) Execute(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// FailRetryJob fails on its first try and succeeds on later ones.
type FailRetryJob struct{ job.Base }

func (j *FailRetryJob) Name() string { return "Fail Retry" }
func (j *FailRetryJob) Retries() int { return 1 }

func (j *FailRetryJob) Execute(context.Context) error {
	if j.TryNumber() == 1 {
		return errors.New("failing on the first try")
	}
	return nil
}

// FailingJob always fails and retries Attempts-1 times.
type FailingJob struct {
	job.Base
	Attempts int `json:"attempts"`
}

func (j *FailingJob) Name() string { return "Failing" }

func (j *FailingJob) Retries() int {
	if j.Attempts < 1 {
		return 0
	}
	return j.Attempts - 1
}

func (j *FailingJob) Execute(context.Context) error {
	return errors.Newf("attempt %d failed", j.TryNumber())
}

// CheckpointJob records one step of progress per attempt and fails until
// Completed reaches Target.
type CheckpointJob struct {
	job.Base
	Completed int `json:"completed"`
	Target    int `json:"target"`
}

func (j *CheckpointJob) Name() string { return "Checkpoint" }
func (j *CheckpointJob) Retries() int { return j.Target }

func (j *CheckpointJob) Execute(context.Context) error {
	j.Completed++
	if j.Completed < j.Target {
		return errors.Newf("completed %d of %d steps", j.Completed, j.Target)
	}
	return nil
}

// IDJob carries a unique id so round trips can be checked.
type IDJob struct {
	job.Base
	ID string `json:"id"`
}

func NewIDJob() *IDJob {
	return &IDJob{ID: uuid.NewString()}
}

func (j *IDJob) Name() string                  { return "ID " + j.ID }
func (j *IDJob) Execute(context.Context) error { return nil }

// NewRegistry returns a registry holding every fixture job.
func NewRegistry() *job.Registry {
	r := job.NewRegistry()
	r.MustRegister(QuickJobType, func() job.Job { return &QuickJob{} })
	r.MustRegister(SlowJobType, func() job.Job { return &SlowJob{} })
	r.MustRegister(TimeoutJobType, func() job.Job { return &TimeoutJob{} })
	r.MustRegister(FailRetryJobType, func() job.Job { return &FailRetryJob{} })
	r.MustRegister(IDJobType, func() job.Job { return &IDJob{} })
	r.MustRegister(FailingJobType, func() job.Job { return &FailingJob{} })
	r.MustRegister(CheckpointJobType, func() job.Job { return &CheckpointJob{} })
	return r
}
