package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/foreman/internal/job"
	"github.com/livinlefevreloca/foreman/internal/runner"
	"github.com/livinlefevreloca/foreman/internal/testutil"
)

// =============================================================================
// Test Helpers
// =============================================================================

// mockReporter records every reported period
type mockReporter struct {
	mu      sync.Mutex
	periods []Period
	err     error
}

func (m *mockReporter) Report(p Period) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.periods = append(m.periods, p)
	return m.err
}

func (m *mockReporter) reported() []Period {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Period(nil), m.periods...)
}

func finishedEvent(kind runner.EventKind, status job.Status, runtime time.Duration) runner.Event {
	start := time.Now().Add(-runtime)
	rec := &job.Record{ID: 1, Status: status}
	rec.MarkStarted(start)
	rec.MarkFinished(status, start.Add(runtime), nil)
	return runner.Event{Kind: kind, Record: rec}
}

// =============================================================================
// Tests
// =============================================================================

func TestCollector_Record(t *testing.T) {
	c := NewCollector(Config{}, nil, nil)

	c.Record(runner.Event{Kind: runner.EventDequeueJob, Record: &job.Record{ID: 1}})
	c.Record(runner.Event{Kind: runner.EventDequeueJob, Record: &job.Record{ID: 2}})
	c.Record(runner.Event{Kind: runner.EventExecuteScheduledJob, Record: &job.Record{ID: 3}})
	c.Record(runner.Event{Kind: runner.EventRetryEnqueued, Record: &job.Record{ID: 4}})
	c.Record(runner.Event{Kind: runner.EventError, Err: errors.New("phase failed")})
	c.Record(runner.Event{Kind: runner.EventError, Record: &job.Record{ID: 5, Status: job.StatusFailedToLoadType}})
	c.Record(finishedEvent(runner.EventFinishJob, job.StatusSucceeded, 10*time.Millisecond))
	c.Record(finishedEvent(runner.EventFinishJob, job.StatusFailed, 30*time.Millisecond))
	c.Record(finishedEvent(runner.EventTimeoutJob, job.StatusTimedOut, 20*time.Millisecond))
	c.Record(finishedEvent(runner.EventCancelJob, job.StatusCanceled, 20*time.Millisecond))
	c.Record(runner.Event{Kind: runner.EventFinishJob})
	c.Record(runner.Event{Kind: runner.EventAllFinished})

	p := c.Snapshot()
	if p.Dequeued != 2 {
		t.Errorf("expected 2 dequeued, got %d", p.Dequeued)
	}
	if p.Scheduled != 1 {
		t.Errorf("expected 1 scheduled, got %d", p.Scheduled)
	}
	if p.Retries != 1 {
		t.Errorf("expected 1 retry, got %d", p.Retries)
	}
	if p.Errors != 2 {
		t.Errorf("expected 2 errors, got %d", p.Errors)
	}

	want := map[job.Status]int{
		job.StatusSucceeded:        1,
		job.StatusFailed:           1,
		job.StatusTimedOut:         1,
		job.StatusCanceled:         1,
		job.StatusFailedToLoadType: 1,
	}
	for status, n := range want {
		if p.Finished[status] != n {
			t.Errorf("expected %d %s, got %d", n, status, p.Finished[status])
		}
	}

	if p.MinRuntime != 10*time.Millisecond {
		t.Errorf("expected min runtime 10ms, got %v", p.MinRuntime)
	}
	if p.MaxRuntime != 30*time.Millisecond {
		t.Errorf("expected max runtime 30ms, got %v", p.MaxRuntime)
	}
	if p.AvgRuntime != 20*time.Millisecond {
		t.Errorf("expected avg runtime 20ms, got %v", p.AvgRuntime)
	}
}

func TestCollector_SnapshotIsACopy(t *testing.T) {
	c := NewCollector(Config{}, nil, nil)
	c.Record(finishedEvent(runner.EventFinishJob, job.StatusSucceeded, time.Millisecond))

	p := c.Snapshot()
	p.Finished[job.StatusSucceeded] = 100

	if got := c.Snapshot().Finished[job.StatusSucceeded]; got != 1 {
		t.Errorf("snapshot modification leaked into collector: %d", got)
	}
}

func TestCollector_FlushResetsPeriod(t *testing.T) {
	reporter := &mockReporter{}
	c := NewCollector(Config{}, reporter, nil)

	// Empty periods are not reported
	if err := c.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if n := len(reporter.reported()); n != 0 {
		t.Fatalf("expected no reports, got %d", n)
	}

	c.Record(runner.Event{Kind: runner.EventDequeueJob})
	if err := c.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	reports := reporter.reported()
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	if reports[0].Dequeued != 1 {
		t.Errorf("expected 1 dequeued, got %d", reports[0].Dequeued)
	}
	if !reports[0].End.After(reports[0].Start) && !reports[0].End.Equal(reports[0].Start) {
		t.Errorf("period ends before it starts: %v - %v", reports[0].Start, reports[0].End)
	}
	if !c.Snapshot().Empty() {
		t.Error("expected a fresh period after flush")
	}
}

func TestCollector_FlushReturnsReporterError(t *testing.T) {
	reporter := &mockReporter{err: errors.New("sink unavailable")}
	c := NewCollector(Config{}, reporter, nil)
	c.Record(runner.Event{Kind: runner.EventDequeueJob})

	if err := c.Flush(); err == nil {
		t.Error("expected reporter error")
	}
}

func TestCollector_PeriodicFlush(t *testing.T) {
	reporter := &mockReporter{}
	c := NewCollector(Config{FlushInterval: 20 * time.Millisecond}, reporter, nil)
	c.Start()
	defer c.Stop()

	c.Record(runner.Event{Kind: runner.EventDequeueJob})
	testutil.WaitFor(t, func() bool { return len(reporter.reported()) == 1 }, 2*time.Second,
		"periodic flush did not report")
}

func TestCollector_StopFlushes(t *testing.T) {
	reporter := &mockReporter{}
	c := NewCollector(Config{FlushInterval: time.Hour}, reporter, nil)
	c.Start()

	c.Record(runner.Event{Kind: runner.EventExecuteScheduledJob})
	if err := c.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}

	reports := reporter.reported()
	if len(reports) != 1 || reports[0].Scheduled != 1 {
		t.Errorf("expected final report with 1 scheduled job, got %+v", reports)
	}
}

func TestLogReporter(t *testing.T) {
	logger := testutil.NewTestLogger()
	reporter := NewLogReporter(logger.Logger())

	p := newPeriod(time.Now())
	p.Dequeued = 3
	p.Finished[job.StatusSucceeded] = 3
	p.MinRuntime, p.MaxRuntime, p.AvgRuntime = time.Millisecond, 3*time.Millisecond, 2*time.Millisecond

	if err := reporter.Report(p); err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if !logger.HasMessage("runner stats") {
		t.Error("expected a runner stats log line")
	}
}

func TestCalculateMinMaxAvgDuration(t *testing.T) {
	min, max, avg := calculateMinMaxAvgDuration(nil)
	if min != 0 || max != 0 || avg != 0 {
		t.Errorf("expected zeros for no samples, got %v %v %v", min, max, avg)
	}

	min, max, avg = calculateMinMaxAvgDuration([]time.Duration{3 * time.Second, time.Second, 2 * time.Second})
	if min != time.Second || max != 3*time.Second || avg != 2*time.Second {
		t.Errorf("unexpected min/max/avg: %v %v %v", min, max, avg)
	}
}
