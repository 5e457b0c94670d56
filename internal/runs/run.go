// Package runs tracks executing jobs: Run wraps one job execution and
// Ledger keeps the set of runs the runner has not yet reconciled, mirrored
// to a recovery file.
package runs

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/livinlefevreloca/foreman/internal/job"
)

// Run executes one job on its own goroutine and records the outcome.
type Run struct {
	id           string
	jobID        int64
	jobType      string
	scheduleName string
	job          job.Job
	// payload and tryNumber are the job as it was when the run was tracked,
	// or the raw data of a recovered run whose job could not be rebuilt.
	payload   string
	tryNumber int

	mu         sync.Mutex
	running    bool
	aborted    bool
	recovered  bool
	startDate  *time.Time
	finishDate *time.Time
	err        error
	cancel     context.CancelFunc
	onFinish   func(*Run)
	done       chan struct{}
	// returned is closed once the job's Execute has returned, which may be
	// after an abort.
	returned chan struct{}
}

// NewRun creates a run for the job stored under jobID.
func NewRun(jobID int64, jobType, scheduleName string, j job.Job) *Run {
	return &Run{
		id:           uuid.NewString(),
		jobID:        jobID,
		jobType:      jobType,
		scheduleName: scheduleName,
		job:          j,
		done:         make(chan struct{}),
		returned:     make(chan struct{}),
	}
}

func (r *Run) ID() string           { return r.id }
func (r *Run) JobID() int64         { return r.jobID }
func (r *Run) JobType() string      { return r.jobType }
func (r *Run) ScheduleName() string { return r.scheduleName }
func (r *Run) Job() job.Job         { return r.job }

// OnFinish registers fn to be called once, from the run's goroutine, when
// the job returns on its own. It is not called for aborted runs.
func (r *Run) OnFinish(fn func(*Run)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFinish = fn
}

// Start begins executing the job. It does nothing when there is no job or
// the run is already running or finished.
func (r *Run) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.job == nil || r.running || r.finishDate != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	r.running = true
	r.startDate = &now
	r.cancel = cancel

	go r.execute(ctx)
}

func (r *Run) execute(ctx context.Context) {
	err := r.invoke(ctx)
	close(r.returned)

	r.mu.Lock()
	r.cancel()
	if !r.running {
		// Aborted while executing; the abort already settled the outcome.
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	r.running = false
	r.finishDate = &now
	r.err = err
	fn := r.onFinish
	close(r.done)
	r.mu.Unlock()

	if fn != nil {
		fn(r)
	}
}

func (r *Run) invoke(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("job panicked: %v", p)
		}
	}()
	return r.job.Execute(ctx)
}

// Abort cancels a running job and marks the run finished. It returns false
// if the run was not running, for example because it already completed.
// The job's goroutine may outlive the abort if it ignores cancellation.
func (r *Run) Abort() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return false
	}

	now := time.Now().UTC()
	r.cancel()
	r.running = false
	r.aborted = true
	r.finishDate = &now
	close(r.done)
	return true
}

// Done is closed once the run stops running, naturally or by abort.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

func (r *Run) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Returned reports whether the job's Execute has returned. An aborted run
// is finished before its job necessarily returns.
func (r *Run) Returned() bool {
	select {
	case <-r.returned:
		return true
	default:
		return false
	}
}

// WasAborted reports whether the run was stopped by Abort.
func (r *Run) WasAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// WasRecovered reports whether the run was rebuilt from the recovery file.
func (r *Run) WasRecovered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recovered
}

func (r *Run) StartDate() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyTime(r.startDate)
}

func (r *Run) FinishDate() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyTime(r.finishDate)
}

// Err returns the error the job returned, if any.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Elapsed returns how long the run has been executing, or ran for.
func (r *Run) Elapsed(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startDate == nil {
		return 0
	}
	if r.finishDate != nil {
		return r.finishDate.Sub(*r.startDate)
	}
	return now.Sub(*r.startDate)
}

// markRecovered turns the run into a finished, recovered entry.
func (r *Run) markRecovered(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recovered = true
	r.running = false
	if r.finishDate == nil {
		at = at.UTC()
		r.finishDate = &at
	}
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// setPayload records the serialized job written to the recovery file.
func (r *Run) setPayload(data string, tryNumber int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payload = data
	r.tryNumber = tryNumber
}

func (r *Run) storedPayload() (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payload, r.tryNumber
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
