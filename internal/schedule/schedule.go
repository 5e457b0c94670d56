// Package schedule decides when recurring job definitions are due.
package schedule

import (
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/foreman/internal/job"
	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Definition is a job a schedule creates each time it fires.
type Definition struct {
	JobType string `toml:"type"`
	// Data is the job payload; empty means the job type's zero value.
	Data string `toml:"data"`
}

// Schedule fires its jobs at StartOn + k*Repeat, or at the times of a cron
// expression on or after StartOn.
type Schedule struct {
	Name    string        `toml:"name"`
	StartOn time.Time     `toml:"start_on"`
	Repeat  time.Duration `toml:"repeat"`
	Cron    string        `toml:"cron"`
	Jobs    []Definition  `toml:"jobs"`
}

// Validate checks that the schedule can be evaluated.
func (s Schedule) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("schedule name must not be empty")
	}
	switch {
	case s.Cron != "" && s.Repeat != 0:
		return errors.Newf("schedule %q: repeat and cron are mutually exclusive", s.Name)
	case s.Cron != "":
		if _, err := cronParser.Parse(s.Cron); err != nil {
			return errors.Wrapf(err, "schedule %q: invalid cron expression", s.Name)
		}
	case s.Repeat <= 0:
		return errors.Newf("schedule %q: repeat must be positive, got %v", s.Name, s.Repeat)
	}
	if len(s.Jobs) == 0 {
		return errors.Newf("schedule %q: at least one job is required", s.Name)
	}
	for i, d := range s.Jobs {
		if d.JobType == "" {
			return errors.Newf("schedule %q: job %d has no type", s.Name, i)
		}
	}
	return nil
}

// ShouldExecute reports whether s is due at now, and the boundary it is due
// for. A schedule is due when now falls in [boundary, boundary+heartbeat)
// for a fire time boundary at or after StartOn.
func ShouldExecute(s Schedule, heartbeat time.Duration, now time.Time) (bool, time.Time) {
	if heartbeat <= 0 || now.Before(s.StartOn) {
		return false, time.Time{}
	}

	if s.Cron != "" {
		sched, err := cronParser.Parse(s.Cron)
		if err != nil {
			return false, time.Time{}
		}
		from := now.Add(-heartbeat)
		if from.Before(s.StartOn) {
			from = s.StartOn.Add(-time.Nanosecond)
		}
		next := sched.Next(from.UTC())
		if next.IsZero() || next.After(now) || next.Before(s.StartOn) {
			return false, time.Time{}
		}
		return true, next
	}

	boundary := s.StartOn
	if s.Repeat > 0 {
		boundary = s.StartOn.Add(now.Sub(s.StartOn) / s.Repeat * s.Repeat)
	}
	if now.Sub(boundary) >= heartbeat {
		return false, time.Time{}
	}
	return true, boundary
}

// Tuple is one due (schedule, job definition) pair.
type Tuple struct {
	Schedule     Schedule
	Job          Definition
	LastExecuted *time.Time
	DueAt        time.Time
}

// ExecutableTuples returns up to maxCount due pairs. latest holds the most
// recent record per schedule and job type. A pair is skipped when its latest
// record is within one heartbeat of now or already covers the current
// boundary. Pairs that never ran come first, then the least recently run.
func ExecutableTuples(schedules []Schedule, latest []job.Record, now time.Time, heartbeat time.Duration, maxCount int) []Tuple {
	if maxCount <= 0 {
		return []Tuple{}
	}

	var tuples []Tuple
	for _, s := range schedules {
		due, dueAt := ShouldExecute(s, heartbeat, now)
		if !due {
			continue
		}
		for _, d := range s.Jobs {
			last := lastExecuted(latest, s.Name, d.JobType)
			if last != nil && (now.Sub(*last) <= heartbeat || !last.Before(dueAt)) {
				continue
			}
			tuples = append(tuples, Tuple{Schedule: s, Job: d, LastExecuted: last, DueAt: dueAt})
		}
	}

	sort.SliceStable(tuples, func(i, j int) bool {
		a, b := tuples[i].LastExecuted, tuples[j].LastExecuted
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})

	if len(tuples) > maxCount {
		tuples = tuples[:maxCount]
	}
	if tuples == nil {
		return []Tuple{}
	}
	return tuples
}

func lastExecuted(latest []job.Record, scheduleName, jobType string) *time.Time {
	var last *time.Time
	for i := range latest {
		r := &latest[i]
		if r.JobType != jobType || !strings.EqualFold(r.ScheduleName, scheduleName) {
			continue
		}
		if last == nil || r.QueueDate.After(*last) {
			t := r.QueueDate
			last = &t
		}
	}
	return last
}

// Names returns the schedule names.
func Names(schedules []Schedule) []string {
	names := make([]string, len(schedules))
	for i, s := range schedules {
		names[i] = s.Name
	}
	return names
}
