package runner

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/foreman/internal/job"
	"github.com/livinlefevreloca/foreman/internal/runs"
	"github.com/livinlefevreloca/foreman/internal/schedule"
	"github.com/livinlefevreloca/foreman/internal/store"
)

// recoverRuns marks records of runs left over by a previous process or an
// unsafe stop as Interrupted.
func (r *Runner) recoverRuns(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	var recovered []*runs.Run
	for _, run := range r.ledger.GetAll() {
		if run.WasRecovered() {
			recovered = append(recovered, run)
		}
	}
	if len(recovered) == 0 {
		return
	}
	r.logger.Info("recovering interrupted jobs", "count", len(recovered))

	r.phase(ctx, "recover", func(tx store.Tx, p *pending) error {
		records, err := recordsByID(ctx, tx, recovered)
		if err != nil {
			return err
		}
		for _, run := range recovered {
			rec, ok := records[run.JobID()]
			if ok && (rec.Status == job.StatusStarted || rec.Status == job.StatusCanceling) {
				rec.MarkFinished(job.StatusInterrupted, finishTime(run), run.Err())
				if err := tx.SaveJob(ctx, rec); err != nil {
					return errors.Wrapf(err, "save interrupted job %d", rec.ID)
				}
				p.event(EventFinishJob, rec, nil)
			}
			p.remove(run.JobID())
		}
		return nil
	})
}

// cancelPhase aborts executing runs whose records were set to Canceling.
func (r *Runner) cancelPhase(ctx context.Context) {
	running := r.ledger.GetRunning()
	if len(running) == 0 {
		return
	}

	r.phase(ctx, "cancel", func(tx store.Tx, p *pending) error {
		records, err := recordsByID(ctx, tx, running)
		if err != nil {
			return err
		}
		for _, run := range running {
			rec, ok := records[run.JobID()]
			if !ok || rec.Status != job.StatusCanceling {
				continue
			}
			run.Abort()
			rec.MarkFinished(job.StatusCanceled, finishTime(run), nil)
			if err := tx.SaveJob(ctx, rec); err != nil {
				return errors.Wrapf(err, "save canceled job %d", rec.ID)
			}
			p.remove(run.JobID())
			p.event(EventCancelJob, rec, nil)
		}
		return nil
	})
}

// timeoutPhase aborts executing runs that outlived their job's timeout.
func (r *Runner) timeoutPhase(ctx context.Context) {
	now := time.Now()
	var expired []*runs.Run
	for _, run := range r.ledger.GetRunning() {
		j := run.Job()
		if j == nil || j.Timeout() <= 0 {
			continue
		}
		if run.Elapsed(now) >= j.Timeout() {
			expired = append(expired, run)
		}
	}
	if len(expired) == 0 {
		return
	}

	r.phase(ctx, "timeout", func(tx store.Tx, p *pending) error {
		records, err := recordsByID(ctx, tx, expired)
		if err != nil {
			return err
		}
		for _, run := range expired {
			rec, ok := records[run.JobID()]
			if !ok || rec.Status != job.StatusStarted {
				continue
			}
			if !run.Abort() {
				// Returned on its own in the meantime; the finish phase
				// settles it.
				continue
			}
			if err := r.timedOut(ctx, tx, run, rec, p); err != nil {
				return err
			}
			p.remove(run.JobID())
		}
		return nil
	})
}

// finishPhase settles runs that are no longer executing.
func (r *Runner) finishPhase(ctx context.Context) {
	finished := r.ledger.GetNotRunning()
	if len(finished) == 0 {
		return
	}

	r.phase(ctx, "finish", func(tx store.Tx, p *pending) error {
		records, err := recordsByID(ctx, tx, finished)
		if err != nil {
			return err
		}
		for _, run := range finished {
			rec, ok := records[run.JobID()]
			if !ok {
				p.remove(run.JobID())
				continue
			}
			if err := r.settle(ctx, tx, run, rec, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// settle records the outcome of a run that is no longer executing and
// drops it from the ledger.
func (r *Runner) settle(ctx context.Context, tx store.Tx, run *runs.Run, rec *job.Record, p *pending) error {
	id := run.JobID()

	switch rec.Status {
	case job.StatusCanceling:
		rec.MarkFinished(job.StatusCanceled, finishTime(run), nil)
		if err := tx.SaveJob(ctx, rec); err != nil {
			return errors.Wrapf(err, "save canceled job %d", id)
		}
		p.remove(id)
		p.event(EventCancelJob, rec, nil)
		return nil
	case job.StatusStarted:
	default:
		// Already settled elsewhere, for example by an administrator.
		p.remove(id)
		return nil
	}

	switch {
	case run.WasAborted() && !run.WasRecovered():
		if err := r.timedOut(ctx, tx, run, rec, p); err != nil {
			return err
		}
		p.remove(id)
		return nil

	case run.Err() != nil:
		rec.MarkFinished(job.StatusFailed, finishTime(run), run.Err())
		if err := tx.SaveJob(ctx, rec); err != nil {
			return errors.Wrapf(err, "save failed job %d", id)
		}
		p.event(EventError, rec, run.Err())
		if err := r.enqueueRetry(ctx, tx, run, rec, p); err != nil {
			return err
		}

	case run.WasRecovered():
		rec.MarkFinished(job.StatusInterrupted, finishTime(run), nil)
		if err := tx.SaveJob(ctx, rec); err != nil {
			return errors.Wrapf(err, "save interrupted job %d", id)
		}

	default:
		rec.MarkFinished(job.StatusSucceeded, finishTime(run), nil)
		if r.deleteOnSuccess {
			if err := tx.DeleteJob(ctx, id); err != nil && !store.IsNotFound(err) {
				return errors.Wrapf(err, "delete succeeded job %d", id)
			}
		} else if err := tx.SaveJob(ctx, rec); err != nil {
			return errors.Wrapf(err, "save succeeded job %d", id)
		}
	}

	p.remove(id)
	p.event(EventFinishJob, rec, run.Err())
	return nil
}

// timedOut marks rec TimedOut and enqueues a retry when one is left.
func (r *Runner) timedOut(ctx context.Context, tx store.Tx, run *runs.Run, rec *job.Record, p *pending) error {
	var cause error
	if j := run.Job(); j != nil {
		cause = errors.Newf("job exceeded its timeout of %v", j.Timeout())
	}
	rec.MarkFinished(job.StatusTimedOut, finishTime(run), cause)
	if err := tx.SaveJob(ctx, rec); err != nil {
		return errors.Wrapf(err, "save timed out job %d", rec.ID)
	}
	if err := r.enqueueRetry(ctx, tx, run, rec, p); err != nil {
		return err
	}
	p.event(EventTimeoutJob, rec, nil)
	return nil
}

// enqueueRetry saves the next attempt of a failed or timed out job when
// its try number has not used up its retries. The job is serialized again
// so state it kept during the attempt carries over; a job still executing
// after an abort is not touched and its stored data is reused.
func (r *Runner) enqueueRetry(ctx context.Context, tx store.Tx, run *runs.Run, failed *job.Record, p *pending) error {
	j := run.Job()
	if j == nil || j.TryNumber() > j.Retries() {
		return nil
	}

	name, data := failed.Name, failed.Data
	if run.Returned() {
		_, serialized, err := r.registry.Serialize(j)
		if err != nil {
			return errors.Wrapf(err, "serialize retry of job %d", failed.ID)
		}
		name, data = j.Name(), serialized
	}

	next := &job.Record{
		Name:      name,
		JobType:   failed.JobType,
		Data:      data,
		Status:    job.StatusQueued,
		TryNumber: j.TryNumber() + 1,
		QueueDate: time.Now().UTC().Add(r.RetryTimeout()),
	}
	if err := tx.SaveJob(ctx, next); err != nil {
		return errors.Wrapf(err, "save retry of job %d", failed.ID)
	}
	p.event(EventRetryEnqueued, next, nil)
	return nil
}

// schedulePhase creates and starts runs for due schedule entries.
func (r *Runner) schedulePhase(ctx context.Context) {
	capacity := r.MaximumConcurrency() - r.ledger.Count()
	schedules := r.Schedules()
	if capacity <= 0 || len(schedules) == 0 {
		return
	}

	now := time.Now().UTC()
	window := r.Heartbeat()
	if !r.lastScheduleCheck.IsZero() {
		if since := now.Sub(r.lastScheduleCheck); since > window {
			window = since
		}
	}
	active := r.ledger.GetRunning()

	ok := r.phase(ctx, "schedule", func(tx store.Tx, p *pending) error {
		latest, err := tx.GetLatestScheduledJobs(ctx, schedule.Names(schedules))
		if err != nil {
			return errors.Wrap(err, "load latest scheduled jobs")
		}

		fired := 0
		for _, t := range schedule.ExecutableTuples(schedules, latest, now, window, math.MaxInt) {
			if fired >= capacity {
				break
			}
			if isActive(active, t) {
				continue
			}
			if err := r.executeScheduled(ctx, tx, t, now, p); err != nil {
				return err
			}
			fired++
		}
		return nil
	})
	if ok {
		r.lastScheduleCheck = now
	}
}

// executeScheduled stores a Started record for a due schedule entry and
// prepares its run.
func (r *Runner) executeScheduled(ctx context.Context, tx store.Tx, t schedule.Tuple, now time.Time, p *pending) error {
	rec := &job.Record{
		Name:         t.Job.JobType,
		JobType:      t.Job.JobType,
		Data:         t.Job.Data,
		ScheduleName: t.Schedule.Name,
		TryNumber:    1,
		QueueDate:    now,
	}
	rec.MarkStarted(now)

	j, err := r.registry.Deserialize(t.Job.JobType, t.Job.Data)
	if err != nil {
		rec.MarkFinished(job.StatusFailedToLoadType, now, err)
		if err := tx.SaveJob(ctx, rec); err != nil {
			return errors.Wrapf(err, "save scheduled job for %q", t.Schedule.Name)
		}
		p.event(EventError, rec, err)
		return nil
	}
	j.SetTryNumber(1)
	rec.Name = j.Name()
	if rec.Data == "" {
		if _, data, err := r.registry.Serialize(j); err == nil {
			rec.Data = data
		}
	}

	if err := tx.SaveJob(ctx, rec); err != nil {
		return errors.Wrapf(err, "save scheduled job for %q", t.Schedule.Name)
	}
	p.started = append(p.started, runs.NewRun(rec.ID, rec.JobType, rec.ScheduleName, j))
	p.event(EventExecuteScheduledJob, rec, nil)
	return nil
}

// dequeuePhase starts queued jobs whose queue date has passed.
func (r *Runner) dequeuePhase(ctx context.Context) {
	capacity := r.MaximumConcurrency() - r.ledger.Count()
	if capacity <= 0 {
		return
	}

	r.phase(ctx, "dequeue", func(tx store.Tx, p *pending) error {
		now := time.Now().UTC()
		records, err := tx.GetQueuedJobs(ctx, job.StatusQueued, capacity, now)
		if err != nil {
			return errors.Wrap(err, "load queued jobs")
		}

		for i := range records {
			rec := &records[i]
			rec.MarkStarted(now)

			j, loadErr := r.registry.Load(rec)
			if loadErr != nil {
				rec.MarkFinished(job.StatusFailedToLoadType, now, loadErr)
				if err := tx.SaveJob(ctx, rec); err != nil {
					return errors.Wrapf(err, "save job %d", rec.ID)
				}
				p.event(EventError, rec, loadErr)
				continue
			}

			if err := tx.SaveJob(ctx, rec); err != nil {
				return errors.Wrapf(err, "save job %d", rec.ID)
			}
			p.started = append(p.started, runs.NewRun(rec.ID, rec.JobType, rec.ScheduleName, j))
			p.event(EventDequeueJob, rec, nil)
		}
		return nil
	})
}

func recordsByID(ctx context.Context, tx store.Tx, list []*runs.Run) (map[int64]*job.Record, error) {
	ids := make([]int64, len(list))
	for i, run := range list {
		ids[i] = run.JobID()
	}
	records, err := tx.GetJobsByID(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "load job records")
	}
	byID := make(map[int64]*job.Record, len(records))
	for i := range records {
		byID[records[i].ID] = &records[i]
	}
	return byID, nil
}

func isActive(active []*runs.Run, t schedule.Tuple) bool {
	for _, run := range active {
		if run.JobType() == t.Job.JobType && strings.EqualFold(run.ScheduleName(), t.Schedule.Name) {
			return true
		}
	}
	return false
}

func finishTime(run *runs.Run) time.Time {
	if at := run.FinishDate(); at != nil {
		return *at
	}
	return time.Now().UTC()
}
