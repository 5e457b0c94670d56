// Package stats aggregates runner events into periodic activity reports.
package stats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/foreman/internal/job"
	"github.com/livinlefevreloca/foreman/internal/runner"
)

// Period is the activity observed between two reports.
type Period struct {
	Start time.Time
	End   time.Time

	Dequeued  int
	Scheduled int
	Retries   int
	Errors    int

	// Settled jobs by final status
	Finished map[job.Status]int

	// Runtimes of settled jobs that started
	MinRuntime time.Duration
	MaxRuntime time.Duration
	AvgRuntime time.Duration
}

// Empty reports whether nothing happened during the period.
func (p Period) Empty() bool {
	return p.Dequeued == 0 && p.Scheduled == 0 && p.Retries == 0 && p.Errors == 0 && len(p.Finished) == 0
}

// Reporter receives completed periods.
type Reporter interface {
	Report(p Period) error
}

// LogReporter writes each period as one structured log line.
type LogReporter struct {
	logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Report(p Period) error {
	attrs := []any{
		"period_start", p.Start,
		"period_end", p.End,
		"dequeued", p.Dequeued,
		"scheduled", p.Scheduled,
		"retries", p.Retries,
		"errors", p.Errors,
	}
	for status, n := range p.Finished {
		attrs = append(attrs, status.String(), n)
	}
	if p.MaxRuntime > 0 {
		attrs = append(attrs, "min_runtime", p.MinRuntime, "max_runtime", p.MaxRuntime, "avg_runtime", p.AvgRuntime)
	}
	r.logger.Info("runner stats", attrs...)
	return nil
}

// Collector accumulates runner events and hands a Period to its reporter
// every flush interval and on Stop.
type Collector struct {
	config   Config
	reporter Reporter
	logger   *slog.Logger

	// Mutex protects all mutable fields below
	mu       sync.Mutex
	current  Period
	runtimes []time.Duration

	// Shutdown coordination
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a new stats collector
func NewCollector(config Config, reporter Reporter, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		config:   config,
		reporter: reporter,
		logger:   logger,
		done:     make(chan struct{}),
	}
	c.current = newPeriod(time.Now())
	return c
}

func newPeriod(start time.Time) Period {
	return Period{Start: start.UTC(), Finished: make(map[job.Status]int)}
}

// Start begins periodic reporting
func (c *Collector) Start() {
	if c.config.FlushInterval <= 0 {
		return
	}
	c.wg.Add(1)
	go c.run()
}

// Stop ends periodic reporting and reports what is left
func (c *Collector) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		err = c.Flush()
	})
	return err
}

func (c *Collector) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Flush(); err != nil {
				c.logger.Error("stats flush failed", "error", err)
			}
		}
	}
}

// Record adds one runner event to the current period.
func (c *Collector) Record(ev runner.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case runner.EventDequeueJob:
		c.current.Dequeued++
	case runner.EventExecuteScheduledJob:
		c.current.Scheduled++
	case runner.EventRetryEnqueued:
		c.current.Retries++
	case runner.EventError:
		c.current.Errors++
		// Records that could not be loaded never produce a finish event.
		if ev.Record != nil && ev.Record.Status == job.StatusFailedToLoadType {
			c.current.Finished[job.StatusFailedToLoadType]++
		}
	case runner.EventFinishJob, runner.EventTimeoutJob, runner.EventCancelJob:
		if ev.Record == nil {
			return
		}
		c.current.Finished[ev.Record.Status]++
		if rec := ev.Record; rec.StartDate != nil && rec.FinishDate != nil {
			c.runtimes = append(c.runtimes, rec.FinishDate.Sub(*rec.StartDate))
		}
	}
}

// Snapshot returns the current period without resetting it.
func (c *Collector) Snapshot() Period {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(time.Now())
}

func (c *Collector) snapshot(end time.Time) Period {
	p := c.current
	p.End = end.UTC()
	p.Finished = make(map[job.Status]int, len(c.current.Finished))
	for k, v := range c.current.Finished {
		p.Finished[k] = v
	}
	p.MinRuntime, p.MaxRuntime, p.AvgRuntime = calculateMinMaxAvgDuration(c.runtimes)
	return p
}

// Flush reports the current period and starts a new one. Empty periods are
// not reported.
func (c *Collector) Flush() error {
	c.mu.Lock()
	now := time.Now()
	p := c.snapshot(now)
	c.current = newPeriod(now)
	c.runtimes = nil
	c.mu.Unlock()

	if p.Empty() || c.reporter == nil {
		return nil
	}
	return c.reporter.Report(p)
}

func calculateMinMaxAvgDuration(values []time.Duration) (min, max, avg time.Duration) {
	if len(values) == 0 {
		return 0, 0, 0
	}

	min = values[0]
	max = values[0]
	var sum time.Duration

	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}

	avg = sum / time.Duration(len(values))
	return min, max, avg
}
