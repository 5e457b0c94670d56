package runner

import (
	"time"

	"github.com/livinlefevreloca/foreman/internal/job"
	"github.com/livinlefevreloca/foreman/internal/runs"
)

// EventKind identifies what happened in the runner.
type EventKind int

const (
	EventAllFinished EventKind = iota
	EventCancelJob
	EventDequeueJob
	EventError
	EventExecuteScheduledJob
	EventFinishJob
	EventRetryEnqueued
	EventTimeoutJob
)

var eventKindNames = [...]string{
	EventAllFinished:         "all_finished",
	EventCancelJob:           "cancel_job",
	EventDequeueJob:          "dequeue_job",
	EventError:               "error",
	EventExecuteScheduledJob: "execute_scheduled_job",
	EventFinishJob:           "finish_job",
	EventRetryEnqueued:       "retry_enqueued",
	EventTimeoutJob:          "timeout_job",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return "unknown"
	}
	return eventKindNames[k]
}

// Event is published by the runner. Record is a copy of the record the
// event concerns, nil for AllFinished and phase errors.
type Event struct {
	Kind   EventKind
	Record *job.Record
	Err    error
	At     time.Time
}

// pending collects what a phase decided while its transaction was open.
// Nothing in it takes effect until the transaction commits.
type pending struct {
	started []*runs.Run
	removed []int64
	events  []Event
}

func (p *pending) event(kind EventKind, rec *job.Record, err error) {
	ev := Event{Kind: kind, Err: err, At: time.Now().UTC()}
	if rec != nil {
		ev.Record = rec.Clone()
	}
	p.events = append(p.events, ev)
}

func (p *pending) remove(jobID int64) {
	p.removed = append(p.removed, jobID)
}

func (p *pending) changesLedger() bool {
	return len(p.started) > 0 || len(p.removed) > 0
}
