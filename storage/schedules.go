package storage

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/glimte/deskflow/scheduler"
)

const scheduleColumns = `job_id, name, action, position_mm, hour, minute, day_of_week, is_active, created_at, updated_at`

// ScheduleRepository persists scheduler jobs keyed by job id. It
// satisfies scheduler.Store.
type ScheduleRepository struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

var _ scheduler.Store = (*ScheduleRepository)(nil)

// Save inserts the job or updates the row with the same job id. The
// created_at of an existing row is kept.
func (r *ScheduleRepository) Save(ctx context.Context, job scheduler.Job) error {
	now := r.now()
	created, updated := job.CreatedAt, job.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}

	query := `INSERT INTO schedules (id, ` + scheduleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			name = excluded.name,
			action = excluded.action,
			position_mm = excluded.position_mm,
			hour = excluded.hour,
			minute = excluded.minute,
			day_of_week = excluded.day_of_week,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		uuid.New().String(),
		job.ID,
		job.Name,
		string(job.Action),
		job.PositionMM,
		job.Hour,
		job.Minute,
		job.DayOfWeek,
		boolToInt(job.Active),
		formatTime(created),
		formatTime(updated),
	)
	if err != nil {
		return errors.Wrapf(err, "storage: save schedule %s", job.ID)
	}
	return nil
}

// Delete removes the row for id. A missing row is not an error.
func (r *ScheduleRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE job_id = ?`, id); err != nil {
		return errors.Wrapf(err, "storage: delete schedule %s", id)
	}
	return nil
}

// ListActive returns every active row ordered by job id. Rows that cannot
// be read are logged and skipped.
func (r *ScheduleRepository) ListActive(ctx context.Context) ([]scheduler.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE is_active = 1 ORDER BY job_id`)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list schedules")
	}
	defer rows.Close()

	var jobs []scheduler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			r.logger.Error("skipping unreadable schedule row", "jobId", job.ID, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "storage: list schedules")
	}
	return jobs, nil
}

// Get returns the row for id, active or not
func (r *ScheduleRepository) Get(ctx context.Context, id string) (scheduler.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE job_id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return scheduler.Job{}, errors.Wrapf(ErrScheduleNotFound, "job %s", id)
	}
	return job, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (scheduler.Job, error) {
	var (
		job              scheduler.Job
		action           string
		active           int
		created, updated string
	)
	err := s.Scan(&job.ID, &job.Name, &action, &job.PositionMM, &job.Hour, &job.Minute,
		&job.DayOfWeek, &active, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job, err
		}
		return job, errors.Wrap(err, "storage: scan schedule")
	}

	job.Action = scheduler.Action(action)
	job.Active = active != 0
	if job.CreatedAt, err = parseTime(created); err != nil {
		return job, err
	}
	if job.UpdatedAt, err = parseTime(updated); err != nil {
		return job, err
	}
	return job, nil
}
