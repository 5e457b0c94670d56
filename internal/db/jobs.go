package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/foreman/internal/job"
	"github.com/livinlefevreloca/foreman/internal/store"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordColumns = `id, name, job_type, data, status, schedule_name, try_number, queue_date, start_date, finish_date, exception`

var orderColumns = map[store.OrderBy]string{
	store.OrderByFinishDate:   "finish_date",
	store.OrderByJobType:      "job_type",
	store.OrderByName:         "name",
	store.OrderByQueueDate:    "queue_date",
	store.OrderByScheduleName: "schedule_name",
	store.OrderByStartDate:    "start_date",
	store.OrderByStatus:       "status",
}

// =============================================================================
// DB operations
// =============================================================================

// SaveJob inserts or updates a job record
func (db *DB) SaveJob(ctx context.Context, rec *job.Record) error {
	return saveJob(ctx, db.DB, rec)
}

// GetJob retrieves a job record by ID
func (db *DB) GetJob(ctx context.Context, id int64) (*job.Record, error) {
	return getJob(ctx, db.DB, id)
}

// GetJobsByID retrieves the job records with the given IDs
func (db *DB) GetJobsByID(ctx context.Context, ids []int64) ([]job.Record, error) {
	return getJobsByID(ctx, db.DB, ids)
}

// GetQueuedJobs retrieves records in status queued at or before before
func (db *DB) GetQueuedJobs(ctx context.Context, status job.Status, maxCount int, before time.Time) ([]job.Record, error) {
	return getQueuedJobs(ctx, db.DB, status, maxCount, before)
}

// GetJobs retrieves a filtered page of job records
func (db *DB) GetJobs(ctx context.Context, f store.Filter) ([]job.Record, error) {
	return getJobs(ctx, db.DB, f)
}

// GetJobCount counts the job records matching a filter
func (db *DB) GetJobCount(ctx context.Context, f store.Filter) (int, error) {
	return getJobCount(ctx, db.DB, f)
}

// GetLatestScheduledJobs retrieves the newest record per schedule and job type
func (db *DB) GetLatestScheduledJobs(ctx context.Context, scheduleNames []string) ([]job.Record, error) {
	return getLatestScheduledJobs(ctx, db.DB, scheduleNames)
}

// DeleteJob deletes a job record
func (db *DB) DeleteJob(ctx context.Context, id int64) error {
	return deleteJob(ctx, db.DB, id)
}

// DeleteAllJobs deletes every job record
func (db *DB) DeleteAllJobs(ctx context.Context) error {
	return deleteAllJobs(ctx, db.DB)
}

// DeleteJobs deletes job records queued before olderThan
func (db *DB) DeleteJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	return deleteJobs(ctx, db.DB, olderThan)
}

// =============================================================================
// Tx operations
// =============================================================================

// SaveJob inserts or updates a job record within a transaction
func (tx *Tx) SaveJob(ctx context.Context, rec *job.Record) error {
	return saveJob(ctx, tx.Tx, rec)
}

// GetJob retrieves a job record by ID within a transaction
func (tx *Tx) GetJob(ctx context.Context, id int64) (*job.Record, error) {
	return getJob(ctx, tx.Tx, id)
}

// GetJobsByID retrieves the job records with the given IDs within a transaction
func (tx *Tx) GetJobsByID(ctx context.Context, ids []int64) ([]job.Record, error) {
	return getJobsByID(ctx, tx.Tx, ids)
}

// GetQueuedJobs retrieves records in status queued at or before before within a transaction
func (tx *Tx) GetQueuedJobs(ctx context.Context, status job.Status, maxCount int, before time.Time) ([]job.Record, error) {
	return getQueuedJobs(ctx, tx.Tx, status, maxCount, before)
}

// GetJobs retrieves a filtered page of job records within a transaction
func (tx *Tx) GetJobs(ctx context.Context, f store.Filter) ([]job.Record, error) {
	return getJobs(ctx, tx.Tx, f)
}

// GetJobCount counts the job records matching a filter within a transaction
func (tx *Tx) GetJobCount(ctx context.Context, f store.Filter) (int, error) {
	return getJobCount(ctx, tx.Tx, f)
}

// GetLatestScheduledJobs retrieves the newest record per schedule and job type within a transaction
func (tx *Tx) GetLatestScheduledJobs(ctx context.Context, scheduleNames []string) ([]job.Record, error) {
	return getLatestScheduledJobs(ctx, tx.Tx, scheduleNames)
}

// DeleteJob deletes a job record within a transaction
func (tx *Tx) DeleteJob(ctx context.Context, id int64) error {
	return deleteJob(ctx, tx.Tx, id)
}

// DeleteAllJobs deletes every job record within a transaction
func (tx *Tx) DeleteAllJobs(ctx context.Context) error {
	return deleteAllJobs(ctx, tx.Tx)
}

// DeleteJobs deletes job records queued before olderThan within a transaction
func (tx *Tx) DeleteJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	return deleteJobs(ctx, tx.Tx, olderThan)
}

// =============================================================================
// Queries
// =============================================================================

func saveJob(ctx context.Context, q querier, rec *job.Record) error {
	if rec.QueueDate.IsZero() {
		rec.QueueDate = time.Now().UTC()
	}
	if rec.TryNumber < 1 {
		rec.TryNumber = 1
	}

	args := []any{
		rec.Name,
		rec.JobType,
		rec.Data,
		rec.Status.String(),
		nullString(rec.ScheduleName),
		rec.TryNumber,
		rec.QueueDate.UTC(),
		nullTime(rec.StartDate),
		nullTime(rec.FinishDate),
		nullString(rec.Exception),
	}

	if !rec.Persisted() {
		query := `
			INSERT INTO jobs (name, job_type, data, status, schedule_name, try_number, queue_date, start_date, finish_date, exception)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		result, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return errors.Wrap(err, "insert job")
		}
		id, err := result.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "read inserted job id")
		}
		rec.ID = id
		return nil
	}

	query := `
		UPDATE jobs
		SET name = ?, job_type = ?, data = ?, status = ?, schedule_name = ?, try_number = ?,
		    queue_date = ?, start_date = ?, finish_date = ?, exception = ?
		WHERE id = ?
	`
	result, err := q.ExecContext(ctx, query, append(args, rec.ID)...)
	if err != nil {
		return errors.Wrapf(err, "update job %d", rec.ID)
	}
	return expectAffected(result, rec.ID)
}

func getJob(ctx context.Context, q querier, id int64) (*job.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM jobs WHERE id = ?`

	rec, err := scanRecord(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "job %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %d", id)
	}
	return rec, nil
}

func getJobsByID(ctx context.Context, q querier, ids []int64) ([]job.Record, error) {
	if len(ids) == 0 {
		return []job.Record{}, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + recordColumns + ` FROM jobs WHERE id IN (` + placeholders(len(ids)) + `) ORDER BY id`

	return queryRecords(ctx, q, query, args...)
}

func getQueuedJobs(ctx context.Context, q querier, status job.Status, maxCount int, before time.Time) ([]job.Record, error) {
	if maxCount < 1 {
		return []job.Record{}, nil
	}

	query := `
		SELECT ` + recordColumns + `
		FROM jobs
		WHERE status = ? AND queue_date <= ?
		ORDER BY queue_date ASC, id ASC
		LIMIT ?
	`
	return queryRecords(ctx, q, query, status.String(), before.UTC(), maxCount)
}

func getJobs(ctx context.Context, q querier, f store.Filter) ([]job.Record, error) {
	where, args := filterClause(f)

	column, ok := orderColumns[f.OrderBy]
	if !ok {
		if f.OrderBy != "" {
			return nil, errors.Newf("unknown order by column %q", f.OrderBy)
		}
		column = orderColumns[store.OrderByQueueDate]
	}
	direction := "ASC"
	if f.Descending {
		direction = "DESC"
	}

	query := `SELECT ` + recordColumns + ` FROM jobs` + where +
		` ORDER BY ` + column + ` ` + direction + `, id ` + direction

	if f.Page > 0 && f.PageSize > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.PageSize, (f.Page-1)*f.PageSize)
	}

	return queryRecords(ctx, q, query, args...)
}

func getJobCount(ctx context.Context, q querier, f store.Filter) (int, error) {
	where, args := filterClause(f)

	var count int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "count jobs")
	}
	return count, nil
}

func getLatestScheduledJobs(ctx context.Context, q querier, scheduleNames []string) ([]job.Record, error) {
	if len(scheduleNames) == 0 {
		return []job.Record{}, nil
	}

	args := make([]any, len(scheduleNames))
	for i, name := range scheduleNames {
		args[i] = name
	}

	query := `
		SELECT ` + recordColumns + `
		FROM jobs j
		WHERE j.schedule_name IN (` + placeholders(len(scheduleNames)) + `)
		AND NOT EXISTS (
			SELECT 1 FROM jobs k
			WHERE k.schedule_name = j.schedule_name
			AND k.job_type = j.job_type
			AND (k.queue_date > j.queue_date OR (k.queue_date = j.queue_date AND k.id > j.id))
		)
		ORDER BY j.schedule_name, j.job_type
	`
	return queryRecords(ctx, q, query, args...)
}

func deleteJob(ctx context.Context, q querier, id int64) error {
	result, err := q.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "delete job %d", id)
	}
	return expectAffected(result, id)
}

func deleteAllJobs(ctx context.Context, q querier) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return errors.Wrap(err, "delete all jobs")
	}
	return nil
}

func deleteJobs(ctx context.Context, q querier, olderThan time.Time) (int64, error) {
	result, err := q.ExecContext(ctx, `DELETE FROM jobs WHERE queue_date < ?`, olderThan.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "delete old jobs")
	}
	return result.RowsAffected()
}

// =============================================================================
// Helpers
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*job.Record, error) {
	var (
		rec          job.Record
		status       string
		scheduleName sql.NullString
		exception    sql.NullString
	)

	err := row.Scan(
		&rec.ID,
		&rec.Name,
		&rec.JobType,
		&rec.Data,
		&status,
		&scheduleName,
		&rec.TryNumber,
		&rec.QueueDate,
		&rec.StartDate,
		&rec.FinishDate,
		&exception,
	)
	if err != nil {
		return nil, err
	}

	rec.Status, err = job.ParseStatus(status)
	if err != nil {
		return nil, errors.Wrapf(err, "job %d", rec.ID)
	}
	rec.ScheduleName = scheduleName.String
	rec.Exception = exception.String
	rec.QueueDate = rec.QueueDate.UTC()
	rec.StartDate = utcPtr(rec.StartDate)
	rec.FinishDate = utcPtr(rec.FinishDate)

	return &rec, nil
}

func queryRecords(ctx context.Context, q querier, query string, args ...any) ([]job.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs")
	}
	defer rows.Close()

	records := []job.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		records = append(records, *rec)
	}

	return records, rows.Err()
}

func filterClause(f store.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)

	if f.LikeName != "" {
		conds = append(conds, "name LIKE ?")
		args = append(args, "%"+f.LikeName+"%")
	}
	if f.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, f.Status.String())
	}
	if f.ScheduleName != "" {
		conds = append(conds, "schedule_name = ?")
		args = append(args, f.ScheduleName)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func expectAffected(result sql.Result, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "job %d", id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
