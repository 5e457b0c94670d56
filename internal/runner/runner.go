// Package runner drives stored jobs through their lifecycle. A single loop
// goroutine wakes every heartbeat, settles canceled, timed out and finished
// runs, fires due schedules and dequeues queued jobs up to the concurrency
// limit.
package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/foreman/internal/inbox"
	"github.com/livinlefevreloca/foreman/internal/job"
	"github.com/livinlefevreloca/foreman/internal/runs"
	"github.com/livinlefevreloca/foreman/internal/schedule"
	"github.com/livinlefevreloca/foreman/internal/store"
)

var (
	// ErrShuttingDown is returned by Start while a safe stop is draining.
	ErrShuttingDown = errors.New("runner is shutting down")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("runner is closed")
)

// Runner executes jobs from a store.
type Runner struct {
	store           store.Store
	registry        *job.Registry
	ledger          *runs.Ledger
	events          *inbox.Inbox[Event]
	logger          *slog.Logger
	deleteOnSuccess bool

	// stateMu guards the settings and lifecycle fields below.
	stateMu        sync.Mutex
	heartbeat      time.Duration
	maxConcurrency int
	retryTimeout   time.Duration
	schedules      []schedule.Schedule
	running        bool
	shuttingDown   bool
	closed         bool
	stop           chan struct{}
	stopOnce       *sync.Once
	loopDone       chan struct{}

	// wake cuts the current heartbeat wait short.
	wake chan struct{}

	// runMu serializes loop phases and run completion callbacks. Lock order
	// is runMu then stateMu.
	runMu             sync.Mutex
	lastScheduleCheck time.Time
}

// New creates a runner. Runs left in the recovery file by a previous
// process are loaded now and settled when the loop first starts.
func New(cfg Config, st store.Store, reg *job.Registry, schedules []schedule.Schedule, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.New("runner requires a store")
	}
	if reg == nil {
		return nil, errors.New("runner requires a job registry")
	}
	for _, s := range schedules {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.WithDefaults()

	ledger, err := runs.OpenLedger(cfg.PersistencePath, reg, logger)
	if err != nil {
		return nil, errors.Wrap(err, "open recovery file")
	}

	return &Runner{
		store:           st,
		registry:        reg,
		ledger:          ledger,
		events:          inbox.New[Event](cfg.EventBufferSize, logger),
		logger:          logger,
		deleteOnSuccess: cfg.DeleteRecordsOnSuccess,
		heartbeat:       cfg.Heartbeat,
		maxConcurrency:  cfg.MaximumConcurrency,
		retryTimeout:    cfg.RetryTimeout,
		schedules:       copySchedules(schedules),
		wake:            make(chan struct{}, 1),
	}, nil
}

// Start begins or resumes executing jobs. It is a no-op when already
// running.
func (r *Runner) Start() error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.shuttingDown {
		return ErrShuttingDown
	}
	r.running = true
	if r.loopDone == nil {
		r.stop = make(chan struct{})
		r.stopOnce = &sync.Once{}
		r.loopDone = make(chan struct{})
		go r.loop(r.stop, r.loopDone)
	}
	return nil
}

// Pause stops taking new work. Executing jobs keep being monitored and
// settled.
func (r *Runner) Pause() {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.running = false
}

// Stop ends execution. A safe stop lets executing jobs finish, publishes
// EventAllFinished and exits the loop; it returns immediately. An unsafe
// stop waits for the loop to exit, then aborts executing jobs and records
// them in the recovery file as interrupted.
func (r *Runner) Stop(safely bool) {
	r.stateMu.Lock()
	r.running = false
	if r.loopDone == nil {
		r.stateMu.Unlock()
		if !safely {
			r.abortAll()
		}
		return
	}
	r.shuttingDown = true
	stop, once, done := r.stop, r.stopOnce, r.loopDone
	r.stateMu.Unlock()

	if safely {
		r.logger.Info("stopping runner once executing jobs finish", "executing", r.ledger.Count())
		r.nudge()
		return
	}

	once.Do(func() { close(stop) })
	<-done
	r.abortAll()
}

// Wait blocks until the loop goroutine exits. It returns immediately when
// the loop is not running.
func (r *Runner) Wait() {
	r.stateMu.Lock()
	done := r.loopDone
	r.stateMu.Unlock()
	if done != nil {
		<-done
	}
}

// Close stops the runner without waiting for jobs and closes the event
// channel.
func (r *Runner) Close() error {
	r.Stop(false)

	r.stateMu.Lock()
	r.closed = true
	r.stateMu.Unlock()

	r.events.Close()
	return nil
}

// Events returns the channel events are published on. Events are dropped
// when nobody drains it and the buffer is full.
func (r *Runner) Events() <-chan Event {
	return r.events.C()
}

// EventStats reports event channel counters, including dropped events.
func (r *Runner) EventStats() inbox.Stats {
	return r.events.GetStats()
}

// ExecutingJobCount returns the number of runs not yet settled.
func (r *Runner) ExecutingJobCount() int {
	return r.ledger.Count()
}

// IsRunning reports whether the runner is taking new work.
func (r *Runner) IsRunning() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.running
}

// IsShuttingDown reports whether a stop is in progress.
func (r *Runner) IsShuttingDown() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.shuttingDown
}

// Schedules returns a copy of the current schedules.
func (r *Runner) Schedules() []schedule.Schedule {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return copySchedules(r.schedules)
}

// SetSchedules replaces the schedules evaluated by the loop.
func (r *Runner) SetSchedules(schedules []schedule.Schedule) error {
	for _, s := range schedules {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	r.stateMu.Lock()
	r.schedules = copySchedules(schedules)
	r.stateMu.Unlock()
	r.logger.Info("schedules updated", "count", len(schedules))
	return nil
}

// Heartbeat returns the loop interval.
func (r *Runner) Heartbeat() time.Duration {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.heartbeat
}

// SetHeartbeat changes the loop interval. Non-positive values restore the
// default.
func (r *Runner) SetHeartbeat(d time.Duration) {
	if d <= 0 {
		d = DefaultHeartbeat
	}
	r.stateMu.Lock()
	r.heartbeat = d
	r.stateMu.Unlock()
	r.nudge()
}

// MaximumConcurrency returns the limit on executing jobs.
func (r *Runner) MaximumConcurrency() int {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.maxConcurrency
}

// SetMaximumConcurrency changes the limit on executing jobs. Non-positive
// values restore the default. Lowering it does not abort executing jobs.
func (r *Runner) SetMaximumConcurrency(n int) {
	if n <= 0 {
		n = DefaultMaximumConcurrency
	}
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.maxConcurrency = n
}

// RetryTimeout returns the delay applied to retries.
func (r *Runner) RetryTimeout() time.Duration {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.retryTimeout
}

// SetRetryTimeout changes the delay applied to retries. Negative values
// restore the default.
func (r *Runner) SetRetryTimeout(d time.Duration) {
	if d < 0 {
		d = DefaultRetryTimeout
	}
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.retryTimeout = d
}

func (r *Runner) nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// loop is the main runner loop
func (r *Runner) loop(stop <-chan struct{}, done chan struct{}) {
	defer r.loopExited(done)

	ctx := context.Background()
	r.logger.Info("runner started", "heartbeat", r.Heartbeat(), "maximum_concurrency", r.MaximumConcurrency())

	r.recoverRuns(ctx)

	for {
		r.iteration(ctx)

		if r.drained() {
			r.logger.Info("all jobs finished")
			r.publish(Event{Kind: EventAllFinished, At: time.Now().UTC()})
			return
		}

		timer := time.NewTimer(r.Heartbeat())
		select {
		case <-stop:
			timer.Stop()
			return
		case <-r.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (r *Runner) loopExited(done chan struct{}) {
	r.stateMu.Lock()
	r.running = false
	r.shuttingDown = false
	r.stop = nil
	r.stopOnce = nil
	r.loopDone = nil
	r.stateMu.Unlock()

	r.logger.Info("runner stopped")
	close(done)
}

func (r *Runner) drained() bool {
	r.stateMu.Lock()
	shuttingDown := r.shuttingDown
	r.stateMu.Unlock()
	return shuttingDown && r.ledger.Count() == 0
}

// iteration performs a single pass over every phase
func (r *Runner) iteration(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	// Step 1: Abort runs whose records were marked for cancellation
	r.cancelPhase(ctx)

	// Step 2: Abort runs that exceeded their timeout
	r.timeoutPhase(ctx)

	// Step 3: Settle runs that are no longer executing
	r.finishPhase(ctx)

	if !r.IsRunning() {
		return
	}

	// Step 4: Fire due schedules
	r.schedulePhase(ctx)

	// Step 5: Start queued jobs
	r.dequeuePhase(ctx)
}

// abortAll aborts every executing run and leaves it in the recovery file
// as interrupted.
func (r *Runner) abortAll() {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	n := r.ledger.AbortAll()
	r.ledger.MarkRecovered()
	if err := r.ledger.Flush(); err != nil {
		r.reportError(errors.Wrap(err, "flush recovery file"))
	}
	if n > 0 {
		r.logger.Warn("aborted executing jobs", "count", n)
	}
}

// runFinished settles a run as soon as its job returns.
func (r *Runner) runFinished(run *runs.Run) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if current, ok := r.ledger.Get(run.JobID()); !ok || current != run {
		return
	}

	ctx := context.Background()
	r.phase(ctx, "finish", func(tx store.Tx, p *pending) error {
		rec, err := tx.GetJob(ctx, run.JobID())
		if store.IsNotFound(err) {
			p.remove(run.JobID())
			return nil
		}
		if err != nil {
			return err
		}
		return r.settle(ctx, tx, run, rec, p)
	})
}

// phase runs fn in a transaction and applies what it collected once the
// transaction commits. It reports whether the commit succeeded.
func (r *Runner) phase(ctx context.Context, name string, fn func(tx store.Tx, p *pending) error) bool {
	p := &pending{}
	err := store.WithTx(ctx, r.store, func(tx store.Tx) error {
		return fn(tx, p)
	})
	if err != nil {
		r.reportError(errors.Wrapf(err, "%s phase", name))
		return false
	}

	for _, id := range p.removed {
		r.ledger.Remove(id)
	}
	for _, run := range p.started {
		run.OnFinish(r.runFinished)
		r.ledger.Add(run)
	}
	if p.changesLedger() {
		if err := r.ledger.Flush(); err != nil {
			r.reportError(errors.Wrap(err, "flush recovery file"))
		}
	}
	for _, run := range p.started {
		run.Start()
	}
	for _, ev := range p.events {
		r.publish(ev)
	}
	return true
}

func (r *Runner) publish(ev Event) {
	attrs := []any{"event", ev.Kind.String()}
	if ev.Record != nil {
		attrs = append(attrs, "job_id", ev.Record.ID, "job_type", ev.Record.JobType, "status", ev.Record.Status.String())
	}
	if ev.Err != nil {
		attrs = append(attrs, "error", ev.Err)
	}
	r.logger.Debug("runner event", attrs...)

	if !r.events.TrySend(ev) {
		r.logger.Debug("event dropped", "event", ev.Kind.String())
	}
}

func (r *Runner) reportError(err error) {
	r.logger.Error("runner error", "error", err)
	r.publish(Event{Kind: EventError, Err: err, At: time.Now().UTC()})
}

func copySchedules(schedules []schedule.Schedule) []schedule.Schedule {
	out := make([]schedule.Schedule, len(schedules))
	for i, s := range schedules {
		s.Jobs = append([]schedule.Definition(nil), s.Jobs...)
		out[i] = s
	}
	return out
}
