package runs

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/foreman/internal/job"
)

// entry is the recovery file form of a run.
type entry struct {
	RunID        string     `json:"run_id"`
	JobID        int64      `json:"job_id"`
	JobType      string     `json:"job_type"`
	Data         string     `json:"data"`
	ScheduleName string     `json:"schedule_name,omitempty"`
	TryNumber    int        `json:"try_number"`
	StartDate    *time.Time `json:"start_date,omitempty"`
	FinishDate   *time.Time `json:"finish_date,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Ledger is the set of runs that have been started but not yet reconciled
// with the store. It is owned by a single runner and mirrored to one
// recovery file.
type Ledger struct {
	path     string
	registry *job.Registry
	logger   *slog.Logger

	mu   sync.Mutex
	runs []*Run
}

// OpenLedger creates a ledger backed by path and loads any runs left in it
// by a previous process. Loaded runs are marked recovered and finished.
// An empty path keeps the ledger in memory only.
func OpenLedger(path string, registry *job.Registry, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		path:     path,
		registry: registry,
		logger:   logger.With("component", "ledger"),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the recovery file path.
func (l *Ledger) Path() string {
	return l.path
}

func (l *Ledger) load() error {
	if l.path == "" {
		return nil
	}

	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "read recovery file %s", l.path)
	}
	if len(data) == 0 {
		return nil
	}

	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		l.logger.Warn("ignoring corrupt recovery file", "path", l.path, "error", err)
		return nil
	}

	now := time.Now().UTC()
	for _, e := range entries {
		r := l.restore(e)
		r.markRecovered(now)
		l.runs = append(l.runs, r)
	}

	if len(l.runs) > 0 {
		l.logger.Info("recovered runs from previous process", "count", len(l.runs), "path", l.path)
	}
	return nil
}

func (l *Ledger) restore(e entry) *Run {
	j, loadErr := l.registry.Deserialize(e.JobType, e.Data)
	if loadErr == nil {
		j.SetTryNumber(e.TryNumber)
	}

	r := NewRun(e.JobID, e.JobType, e.ScheduleName, j)
	if e.RunID != "" {
		r.id = e.RunID
	}
	r.payload = e.Data
	r.tryNumber = e.TryNumber
	r.startDate = copyTime(e.StartDate)
	r.finishDate = copyTime(e.FinishDate)

	switch {
	case e.Error != "":
		r.err = errors.New(e.Error)
	case loadErr != nil:
		r.err = loadErr
	}
	return r
}

// Add tracks r, replacing any run for the same job. The job is serialized
// now, so add runs before starting them; later flushes write this copy and
// never touch a job while it executes.
func (l *Ledger) Add(r *Run) {
	l.capture(r)

	l.mu.Lock()
	defer l.mu.Unlock()
	for i, existing := range l.runs {
		if existing.JobID() == r.JobID() {
			l.runs[i] = r
			return
		}
	}
	l.runs = append(l.runs, r)
}

// Remove stops tracking the run for jobID and reports whether one existed.
func (l *Ledger) Remove(jobID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, r := range l.runs {
		if r.JobID() == jobID {
			l.runs = append(l.runs[:i], l.runs[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the run for jobID.
func (l *Ledger) Get(jobID int64) (*Run, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.runs {
		if r.JobID() == jobID {
			return r, true
		}
	}
	return nil, false
}

// GetAll returns every tracked run.
func (l *Ledger) GetAll() []*Run {
	return l.filter(func(*Run) bool { return true })
}

// GetRunning returns the runs still executing.
func (l *Ledger) GetRunning() []*Run {
	return l.filter(func(r *Run) bool { return r.IsRunning() })
}

// GetNotRunning returns the runs that finished but are not yet reconciled.
func (l *Ledger) GetNotRunning() []*Run {
	return l.filter(func(r *Run) bool { return !r.IsRunning() })
}

func (l *Ledger) filter(keep func(*Run) bool) []*Run {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Run, 0, len(l.runs))
	for _, r := range l.runs {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// Count returns the number of tracked runs.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.runs)
}

// AbortAll aborts every running run and returns how many were aborted.
func (l *Ledger) AbortAll() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.runs {
		if r.Abort() {
			n++
		}
	}
	return n
}

// MarkRecovered flags every run as recovered, as if it had been loaded from
// the recovery file by a new process.
func (l *Ledger) MarkRecovered() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()
	for _, r := range l.runs {
		r.markRecovered(now)
	}
}

// Clear stops tracking every run.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = nil
}

// Flush atomically rewrites the recovery file with the current runs.
func (l *Ledger) Flush() error {
	if l.path == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]entry, 0, len(l.runs))
	for _, r := range l.runs {
		entries = append(entries, snapshot(r))
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode recovery file")
	}
	return writeFileAtomic(l.path, data)
}

// capture stores the serialized job of r for later flushes.
func (l *Ledger) capture(r *Run) {
	j := r.Job()
	if j == nil {
		return
	}
	_, data, err := l.registry.Serialize(j)
	if err != nil {
		l.logger.Warn("job payload not recorded for recovery", "job_id", r.JobID(), "error", err)
		return
	}
	r.setPayload(data, j.TryNumber())
}

func snapshot(r *Run) entry {
	data, tryNumber := r.storedPayload()
	if tryNumber < 1 {
		tryNumber = 1
	}
	e := entry{
		RunID:        r.ID(),
		JobID:        r.JobID(),
		JobType:      r.JobType(),
		Data:         data,
		ScheduleName: r.ScheduleName(),
		TryNumber:    tryNumber,
		StartDate:    r.StartDate(),
		FinishDate:   r.FinishDate(),
	}
	if err := r.Err(); err != nil {
		e.Error = err.Error()
	}
	return e
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "create temp recovery file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp recovery file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync temp recovery file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp recovery file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "replace recovery file %s", path)
	}
	return nil
}
