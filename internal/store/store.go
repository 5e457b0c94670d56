// Package store defines the transactional persistence contract for job
// records. The runner depends only on these interfaces; internal/db provides
// the SQLite implementation.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/foreman/internal/job"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// OrderBy selects the sort column of a filtered query.
type OrderBy string

const (
	OrderByFinishDate   OrderBy = "FinishDate"
	OrderByJobType      OrderBy = "JobType"
	OrderByName         OrderBy = "Name"
	OrderByQueueDate    OrderBy = "QueueDate"
	OrderByScheduleName OrderBy = "ScheduleName"
	OrderByStartDate    OrderBy = "StartDate"
	OrderByStatus       OrderBy = "Status"
)

// ParseOrderBy converts a column name to an OrderBy, ignoring case.
// An empty name yields OrderByQueueDate.
func ParseOrderBy(name string) (OrderBy, error) {
	if name == "" {
		return OrderByQueueDate, nil
	}
	for _, o := range []OrderBy{
		OrderByFinishDate, OrderByJobType, OrderByName, OrderByQueueDate,
		OrderByScheduleName, OrderByStartDate, OrderByStatus,
	} {
		if strings.EqualFold(string(o), name) {
			return o, nil
		}
	}
	return "", errors.Newf("unknown order by column %q", name)
}

// Filter narrows GetJobs and GetJobCount. Zero-valued fields do not filter.
type Filter struct {
	// LikeName matches records whose name contains the value.
	LikeName     string
	Status       *job.Status
	ScheduleName string

	OrderBy    OrderBy
	Descending bool
	// Page is 1-based. Page or PageSize of zero returns every match.
	Page     int
	PageSize int
}

// Queries is the set of record operations available both on a store and
// inside a transaction.
type Queries interface {
	// SaveJob inserts rec when it has no ID, assigning one, and otherwise
	// updates every mutable field by ID.
	SaveJob(ctx context.Context, rec *job.Record) error
	GetJob(ctx context.Context, id int64) (*job.Record, error)
	GetJobsByID(ctx context.Context, ids []int64) ([]job.Record, error)
	// GetQueuedJobs returns up to maxCount records in status whose queue date
	// is at or before before, oldest first.
	GetQueuedJobs(ctx context.Context, status job.Status, maxCount int, before time.Time) ([]job.Record, error)
	GetJobs(ctx context.Context, f Filter) ([]job.Record, error)
	GetJobCount(ctx context.Context, f Filter) (int, error)
	// GetLatestScheduledJobs returns the most recent record for every
	// (schedule name, job type) pair among the given schedules.
	GetLatestScheduledJobs(ctx context.Context, scheduleNames []string) ([]job.Record, error)
	DeleteJob(ctx context.Context, id int64) error
	DeleteAllJobs(ctx context.Context) error
	// DeleteJobs removes records queued before olderThan.
	DeleteJobs(ctx context.Context, olderThan time.Time) (int64, error)
}

// Tx is a store transaction.
type Tx interface {
	Queries
	Commit() error
	Rollback() error
	// Close commits the transaction if it was neither committed nor rolled
	// back, and is a no-op otherwise.
	Close() error
}

// Store is a durable job record store.
type Store interface {
	Queries
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// WithTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back when it returns an error or panics.
func WithTx(ctx context.Context, s Store, fn func(Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.WithSecondaryError(err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}
