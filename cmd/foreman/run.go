package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/foreman/internal/config"
	"github.com/livinlefevreloca/foreman/internal/runner"
	"github.com/livinlefevreloca/foreman/internal/stats"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run jobs until interrupted",
		Long: "Run queued and scheduled jobs until interrupted. The first interrupt waits for\n" +
			"executing jobs to finish, a second one aborts them.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context())
		},
	}
}

func (a *app) run(ctx context.Context) error {
	logger := a.logger

	database, err := a.openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	reg, err := newRegistry()
	if err != nil {
		return err
	}

	r, err := runner.New(a.cfg.Runner, database, reg, a.cfg.Schedules, logger)
	if err != nil {
		return err
	}

	collector := stats.NewCollector(a.cfg.Stats, stats.NewLogReporter(logger), logger)
	collector.Start()
	eventsDone := startEventLog(r.Events(), logger, collector)

	// The last stats report must include every event, so the event stream
	// is closed and drained before the collector stops.
	defer func() {
		r.Close()
		<-eventsDone
		if err := collector.Stop(); err != nil {
			logger.Warn("final stats report failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.configPath != "" {
		go func() {
			if err := config.Watch(ctx, a.configPath, logger, func(cfg *config.Config) {
				applyConfig(r, cfg, logger)
			}); err != nil {
				logger.Warn("config watching disabled", "error", err)
			}
		}()
	}

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	if err := r.Start(); err != nil {
		return err
	}
	logger.Info("foreman is running",
		"heartbeat", r.Heartbeat(),
		"maximum_concurrency", r.MaximumConcurrency(),
		"schedules", len(a.cfg.Schedules))

	select {
	case <-signals:
	case <-ctx.Done():
		r.Stop(false)
		return nil
	}

	logger.Info("stopping once executing jobs finish, interrupt again to abort them",
		"executing", r.ExecutingJobCount())
	r.Stop(true)

	stopped := make(chan struct{})
	go func() {
		r.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-signals:
		logger.Warn("aborting executing jobs", "executing", r.ExecutingJobCount())
		r.Stop(false)
	}
	return nil
}

// applyConfig pushes the settings that can change at runtime into r. Zero
// values mean the defaults, as they do at startup.
func applyConfig(r *runner.Runner, cfg *config.Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := r.SetSchedules(cfg.Schedules); err != nil {
		logger.Warn("schedules not updated", "error", err)
	}
	settings := cfg.Runner.WithDefaults()
	r.SetHeartbeat(settings.Heartbeat)
	r.SetMaximumConcurrency(settings.MaximumConcurrency)
	r.SetRetryTimeout(settings.RetryTimeout)
}

// startEventLog runs logEvents on its own goroutine. The returned channel is
// closed once events is closed and drained.
func startEventLog(events <-chan runner.Event, logger *slog.Logger, collector *stats.Collector) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		logEvents(events, logger, collector)
	}()
	return done
}

// logEvents logs every runner event and feeds it to collector until the
// runner closes its event stream.
func logEvents(events <-chan runner.Event, logger *slog.Logger, collector *stats.Collector) {
	for ev := range events {
		collector.Record(ev)
		attrs := []any{"event", ev.Kind.String()}
		if rec := ev.Record; rec != nil {
			attrs = append(attrs,
				"job_id", rec.ID,
				"job", rec.Name,
				"status", rec.Status.String(),
				"try", rec.TryNumber)
			if rec.ScheduleName != "" {
				attrs = append(attrs, "schedule", rec.ScheduleName)
			}
		}
		if ev.Err != nil {
			logger.Error("job event", append(attrs, "error", ev.Err)...)
			continue
		}
		logger.Info("job event", attrs...)
	}
}
