package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/foreman/internal/config"
	"github.com/livinlefevreloca/foreman/internal/db"
	"github.com/livinlefevreloca/foreman/internal/job"
	"github.com/livinlefevreloca/foreman/internal/runner"
	"github.com/livinlefevreloca/foreman/internal/stats"
	"github.com/livinlefevreloca/foreman/internal/testutil"
)

type testEnv struct {
	configPath string
	dsn        string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	dsn := "file:" + filepath.Join(dir, "foreman.db") + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	configPath := filepath.Join(dir, "foreman.toml")

	content := fmt.Sprintf(`
[database]
dsn = %q

[runner]
heartbeat = "100ms"
persistence_path = %q

[logging]
level = "error"
`, dsn, filepath.Join(dir, "runs.json"))
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	return testEnv{configPath: configPath, dsn: dsn}
}

func (e testEnv) execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func (e testEnv) mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.execute(t, context.Background(), args...)
	require.NoError(t, err, "foreman %s", strings.Join(args, " "))
	return out
}

func (e testEnv) openDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open("sqlite3", e.dsn)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestMigrate(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, "Schema version: 1\n", env.mustExecute(t, "migrate"))
	assert.Equal(t, "Schema version: 1\n", env.mustExecute(t, "migrate"), "migrations are idempotent")
}

func TestEnqueueListCancelPurge(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, "Job enqueued: 1\n", env.mustExecute(t, "enqueue", "sleep", `{"seconds": 60}`))
	assert.Equal(t, "Job enqueued: 2\n", env.mustExecute(t, "enqueue", "command", `{"command": "echo hi"}`, "--delay", "1h"))

	out := env.mustExecute(t, "list")
	assert.Contains(t, out, "sleep 1m0s")
	assert.Contains(t, out, "echo hi")
	assert.Contains(t, out, "2 of 2 jobs")

	out = env.mustExecute(t, "list", "--name", "echo")
	assert.Contains(t, out, "1 of 1 jobs")

	assert.Equal(t, "Job 1: Canceled\n", env.mustExecute(t, "cancel", "1"))
	assert.Equal(t, "Job 1: Canceled\n", env.mustExecute(t, "cancel", "1"), "canceling twice is harmless")

	out = env.mustExecute(t, "list", "--status", "canceled")
	assert.Contains(t, out, "1 of 1 jobs")
	out = env.mustExecute(t, "list", "--status", "queued", "--order-by", "name", "--desc", "--page", "1", "--page-size", "10")
	assert.Contains(t, out, "1 of 1 jobs")

	assert.Equal(t, "Deleted 0 jobs\n", env.mustExecute(t, "purge", "--older-than", "1h"))
	assert.Equal(t, "Deleted all jobs\n", env.mustExecute(t, "purge", "--all"))
	assert.Equal(t, "No jobs found.\n", env.mustExecute(t, "list"))
}

func TestCommandErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{"unknown job type", []string{"enqueue", "nope"}},
		{"invalid job data", []string{"enqueue", "sleep", "{not json"}},
		{"invalid job id", []string{"cancel", "abc"}},
		{"missing job", []string{"cancel", "42"}},
		{"invalid status", []string{"list", "--status", "sleeping"}},
		{"invalid order", []string{"list", "--order-by", "color"}},
		{"non-positive purge age", []string{"purge", "--older-than", "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.execute(t, context.Background(), tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlevel = \"loud\"\n"), 0644))

	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", path, "list"})
	assert.Error(t, cmd.Execute())
}

func TestRun_ExecutesQueuedJob(t *testing.T) {
	env := newTestEnv(t)
	env.mustExecute(t, "enqueue", "sleep", `{"seconds": 0}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := env.execute(t, ctx, "run")
		done <- err
	}()

	database := env.openDB(t)
	testutil.WaitFor(t, func() bool {
		rec, err := database.GetJob(context.Background(), 1)
		return err == nil && rec.Status == job.StatusSucceeded
	}, 10*time.Second, "job did not run")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestCancelJob(t *testing.T) {
	database, err := db.OpenMemory()
	require.NoError(t, err)
	defer database.Close()
	ctx := context.Background()

	started := &job.Record{Name: "busy", JobType: "sleep", Status: job.StatusQueued, QueueDate: time.Now()}
	started.MarkStarted(time.Now())
	require.NoError(t, database.SaveJob(ctx, started))

	done := &job.Record{Name: "done", JobType: "sleep", Status: job.StatusQueued, QueueDate: time.Now()}
	done.MarkFinished(job.StatusSucceeded, time.Now(), nil)
	require.NoError(t, database.SaveJob(ctx, done))

	status, err := cancelJob(ctx, database, started.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCanceling, status)
	rec, err := database.GetJob(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCanceling, rec.Status)
	assert.Nil(t, rec.FinishDate, "the runner finishes the cancellation")

	status, err = cancelJob(ctx, database, done.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, status, "finished jobs are left alone")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"key":"value"`)

	buf.Reset()
	logger = newLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)
	logger.Debug("details", "n", 1)
	assert.Contains(t, buf.String(), "msg=details n=1")
}

func TestLogEvents(t *testing.T) {
	logger := testutil.NewTestLogger()
	collector := stats.NewCollector(stats.Config{}, nil, nil)

	events := make(chan runner.Event, 3)
	events <- runner.Event{Kind: runner.EventDequeueJob, Record: &job.Record{ID: 7, Name: "echo hi", ScheduleName: "nightly"}}
	events <- runner.Event{Kind: runner.EventError, Err: assert.AnError}
	events <- runner.Event{Kind: runner.EventAllFinished}
	close(events)

	logEvents(events, logger.Logger(), collector)

	assert.Len(t, logger.Entries(), 3)
	assert.True(t, logger.HasError())
	p := collector.Snapshot()
	assert.Equal(t, 1, p.Dequeued)
	assert.Equal(t, 1, p.Errors)
}

func TestApplyConfig_ZeroValuesMeanDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.toml")
	require.NoError(t, os.WriteFile(path, []byte("[runner]\nretry_timeout = \"0s\"\nheartbeat = \"0s\"\n"), 0644))

	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)
	cfg.Runner.PersistencePath = filepath.Join(t.TempDir(), "runs.json")

	database, err := db.OpenMemory()
	require.NoError(t, err)
	defer database.Close()

	reg, err := newRegistry()
	require.NoError(t, err)
	r, err := runner.New(cfg.Runner, database, reg, nil, nil)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, runner.DefaultRetryTimeout, r.RetryTimeout())

	// Reloading the same file keeps the settings it started with.
	applyConfig(r, cfg, nil)
	assert.Equal(t, runner.DefaultRetryTimeout, r.RetryTimeout())
	assert.Equal(t, runner.DefaultHeartbeat, r.Heartbeat())
	assert.Equal(t, runner.DefaultMaximumConcurrency, r.MaximumConcurrency())
}

func TestStartEventLog_DrainsBeforeDone(t *testing.T) {
	collector := stats.NewCollector(stats.Config{}, nil, nil)

	events := make(chan runner.Event, 100)
	for i := 0; i < 100; i++ {
		events <- runner.Event{Kind: runner.EventDequeueJob}
	}
	close(events)

	done := startEventLog(events, testutil.NewTestLogger().Logger(), collector)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event log did not finish")
	}
	assert.Equal(t, 100, collector.Snapshot().Dequeued)
}
