package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

var (
	// ErrValidation is wrapped by every ValidationError
	ErrValidation = errors.New("scheduler: invalid job")
	// ErrJobNotFound is returned when a job id is not in the live table
	ErrJobNotFound = errors.New("scheduler: job not found")
	// ErrJobRunning is returned by RunNow while the job is still executing
	ErrJobRunning = errors.New("scheduler: job is already running")
)

// ValidationError describes a rejected job definition
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Action is what a job does to every desk
type Action string

// Supported actions
const (
	ActionRaise Action = "raise"
	ActionLower Action = "lower"
)

// ParseAction normalizes s and checks it against the supported actions
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionRaise, ActionLower:
		return a, nil
	default:
		return "", &ValidationError{Field: "action", Reason: fmt.Sprintf("%q is not one of raise, lower", s)}
	}
}

// JobSpec is the caller supplied definition of a job
type JobSpec struct {
	ID         string
	Name       string
	Action     string
	PositionMM int
	Hour       int
	Minute     int
	DayOfWeek  string
}

// Job is a validated schedule entry
type Job struct {
	ID         string
	Name       string
	Action     Action
	PositionMM int
	Hour       int
	Minute     int
	DayOfWeek  string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CronExpr renders the job as a five field cron expression. DayOfWeek
// counts from Monday = 0; the rendered field uses cron numbering.
func (j Job) CronExpr() string {
	dow, err := cronDayOfWeek(j.DayOfWeek)
	if err != nil {
		dow = j.DayOfWeek
	}
	return fmt.Sprintf("%d %d * * %s", j.Minute, j.Hour, dow)
}

// Spec returns the definition the job was built from
func (j Job) Spec() JobSpec {
	return JobSpec{
		ID:         j.ID,
		Name:       j.Name,
		Action:     string(j.Action),
		PositionMM: j.PositionMM,
		Hour:       j.Hour,
		Minute:     j.Minute,
		DayOfWeek:  j.DayOfWeek,
	}
}

// JobInfo is the read-only view of a scheduled job
type JobInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Action     string `json:"action"`
	PositionMM int    `json:"position_mm"`
	NextRun    string `json:"next_run"`
	Trigger    string `json:"trigger"`
}

// Validate normalizes the spec into a job. No state changes happen here.
func (s JobSpec) Validate() (Job, error) {
	id := strings.TrimSpace(s.ID)
	if id == "" {
		return Job{}, &ValidationError{Field: "job_id", Reason: "must not be empty"}
	}

	action, err := ParseAction(s.Action)
	if err != nil {
		return Job{}, err
	}

	if s.PositionMM <= 0 {
		return Job{}, &ValidationError{Field: "position_mm", Reason: fmt.Sprintf("%d is not a positive integer", s.PositionMM)}
	}
	if s.Hour < 0 || s.Hour > 23 {
		return Job{}, &ValidationError{Field: "hour", Reason: fmt.Sprintf("%d is outside 0-23", s.Hour)}
	}
	if s.Minute < 0 || s.Minute > 59 {
		return Job{}, &ValidationError{Field: "minute", Reason: fmt.Sprintf("%d is outside 0-59", s.Minute)}
	}

	dow := strings.ToUpper(strings.ReplaceAll(s.DayOfWeek, " ", ""))
	if dow == "" {
		dow = "*"
	}

	name := strings.TrimSpace(s.Name)
	if name == "" {
		name = id
	}

	job := Job{
		ID:         id,
		Name:       name,
		Action:     action,
		PositionMM: s.PositionMM,
		Hour:       s.Hour,
		Minute:     s.Minute,
		DayOfWeek:  dow,
		Active:     true,
	}

	if _, err := cronDayOfWeek(dow); err != nil {
		return Job{}, &ValidationError{Field: "day_of_week", Reason: err.Error()}
	}
	if !gronx.New().IsValid(job.CronExpr()) {
		return Job{}, &ValidationError{Field: "day_of_week", Reason: fmt.Sprintf("%q is not a valid day of week expression", s.DayOfWeek)}
	}

	return job, nil
}

// nextRun returns the first firing strictly after ref. Firings fall on
// minute boundaries so the search starts at the next whole minute.
func (j Job) nextRun(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(j.CronExpr(), ref.Truncate(time.Minute).Add(time.Minute), true)
}
