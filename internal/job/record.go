package job

import "time"

// Record is the persisted representation of one job attempt.
type Record struct {
	// ID is assigned by the store on first save. Zero means not yet persisted.
	ID           int64
	Name         string
	JobType      string
	Data         string
	Status       Status
	ScheduleName string
	TryNumber    int
	QueueDate    time.Time
	StartDate    *time.Time
	FinishDate   *time.Time
	Exception    string
}

// Persisted reports whether the record has been assigned an ID.
func (r *Record) Persisted() bool {
	return r.ID != 0
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.StartDate != nil {
		t := *r.StartDate
		c.StartDate = &t
	}
	if r.FinishDate != nil {
		t := *r.FinishDate
		c.FinishDate = &t
	}
	return &c
}

// MarkStarted moves the record to Started at the given time.
func (r *Record) MarkStarted(at time.Time) {
	at = at.UTC()
	r.Status = StatusStarted
	r.StartDate = &at
}

// MarkFinished moves the record to a terminal status at the given time.
// A non-nil err is recorded as the exception detail.
func (r *Record) MarkFinished(status Status, at time.Time, err error) {
	at = at.UTC()
	r.Status = status
	r.FinishDate = &at
	if err != nil {
		r.Exception = FormatError(err)
	}
}
