package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/deskflow/contracts"
	"github.com/glimte/deskflow/scheduler"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testJob(id string, hour int) scheduler.Job {
	return scheduler.Job{
		ID:         id,
		Name:       "Job " + id,
		Action:     scheduler.ActionRaise,
		PositionMM: 1100,
		Hour:       hour,
		Minute:     15,
		DayOfWeek:  "MON-FRI",
		Active:     true,
		CreatedAt:  time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		UpdatedAt:  time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestScheduleRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t).Schedules()

	job := testJob("morning_standup", 9)
	require.NoError(t, repo.Save(ctx, job))

	got, err := repo.Get(ctx, "morning_standup")
	require.NoError(t, err)
	assert.Equal(t, job, got)
}

func TestScheduleRepositorySaveKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t).Schedules()

	first := testJob("cleaning", 20)
	require.NoError(t, repo.Save(ctx, first))

	second := testJob("cleaning", 21)
	second.Action = scheduler.ActionLower
	second.CreatedAt = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	second.UpdatedAt = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Save(ctx, second))

	got, err := repo.Get(ctx, "cleaning")
	require.NoError(t, err)
	assert.Equal(t, 21, got.Hour)
	assert.Equal(t, scheduler.ActionLower, got.Action)
	assert.Equal(t, first.CreatedAt, got.CreatedAt)
	assert.Equal(t, second.UpdatedAt, got.UpdatedAt)

	jobs, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestScheduleRepositoryListActive(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t).Schedules()

	inactive := testJob("b_paused", 10)
	inactive.Active = false

	for _, job := range []scheduler.Job{testJob("c_late", 18), inactive, testJob("a_early", 7)} {
		require.NoError(t, repo.Save(ctx, job))
	}

	jobs, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a_early", jobs[0].ID)
	assert.Equal(t, "c_late", jobs[1].ID)
}

func TestScheduleRepositoryDelete(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t).Schedules()

	require.NoError(t, repo.Save(ctx, testJob("gone", 8)))
	require.NoError(t, repo.Delete(ctx, "gone"))
	require.NoError(t, repo.Delete(ctx, "never_existed"))

	_, err := repo.Get(ctx, "gone")
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestScheduleRepositoryDefaultsTimestamps(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	fixed := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return fixed }
	repo := db.Schedules()

	job := testJob("fresh", 8)
	job.CreatedAt, job.UpdatedAt = time.Time{}, time.Time{}
	require.NoError(t, repo.Save(ctx, job))

	got, err := repo.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, fixed, got.CreatedAt)
	assert.Equal(t, fixed, got.UpdatedAt)
}

func TestScheduleRepositoryBackedScheduler(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t).Schedules()

	clock := scheduler.WithClock(func() time.Time { return time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC) })
	s := scheduler.New(nopMover{}, scheduler.WithStore(repo), scheduler.WithLocation(time.UTC), clock)
	require.NoError(t, s.Bootstrap(ctx))
	assert.Equal(t, 3, s.JobCount())

	// A fresh scheduler reloads the persisted defaults instead of recreating them
	reloaded := scheduler.New(nopMover{}, scheduler.WithStore(repo), scheduler.WithLocation(time.UTC), clock)
	n, err := reloaded.LoadFromStore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, s.Jobs(), reloaded.Jobs())
}

func TestScheduleRepositoryFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("save", func(t *testing.T) {
		sqlDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer sqlDB.Close()

		mock.ExpectExec(`INSERT INTO schedules`).WillReturnError(errors.New("database is locked"))

		err = New(sqlDB).Schedules().Save(ctx, testJob("x", 8))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "save schedule x")
		assert.Contains(t, err.Error(), "database is locked")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("delete", func(t *testing.T) {
		sqlDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer sqlDB.Close()

		mock.ExpectExec(`DELETE FROM schedules WHERE job_id = \?`).
			WithArgs("x").
			WillReturnError(sql.ErrConnDone)

		err = New(sqlDB).Schedules().Delete(ctx, "x")
		assert.ErrorIs(t, err, sql.ErrConnDone)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("list query", func(t *testing.T) {
		sqlDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer sqlDB.Close()

		mock.ExpectQuery(`SELECT .* FROM schedules WHERE is_active = 1`).
			WillReturnError(errors.New("no such table: schedules"))

		_, err = New(sqlDB).Schedules().ListActive(ctx)
		assert.ErrorContains(t, err, "no such table")
	})

	t.Run("corrupt timestamp skips the row", func(t *testing.T) {
		sqlDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer sqlDB.Close()

		rows := sqlmock.NewRows([]string{"job_id", "name", "action", "position_mm", "hour", "minute", "day_of_week", "is_active", "created_at", "updated_at"}).
			AddRow("a", "A", "raise", 1000, 8, 0, "*", 1, "2026-05-01T08:00:00Z", "2026-05-01T08:00:00Z").
			AddRow("x", "X", "raise", 1000, 8, 0, "*", 1, "yesterday", "2026-05-01T08:00:00Z").
			AddRow("z", "Z", "lower", 700, 18, 0, "*", 1, "2026-05-01T08:00:00Z", "2026-05-01T08:00:00Z")
		mock.ExpectQuery(`SELECT .* FROM schedules`).WillReturnRows(rows)

		jobs, err := New(sqlDB).Schedules().ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, "a", jobs[0].ID)
		assert.Equal(t, "z", jobs[1].ID)
	})

	t.Run("row iteration", func(t *testing.T) {
		sqlDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer sqlDB.Close()

		rows := sqlmock.NewRows([]string{"job_id", "name", "action", "position_mm", "hour", "minute", "day_of_week", "is_active", "created_at", "updated_at"}).
			AddRow("x", "X", "raise", 1000, 8, 0, "*", 1, "2026-05-01T08:00:00Z", "2026-05-01T08:00:00Z").
			RowError(0, errors.New("disk I/O error"))
		mock.ExpectQuery(`SELECT .* FROM schedules`).WillReturnRows(rows)

		_, err = New(sqlDB).Schedules().ListActive(ctx)
		assert.ErrorContains(t, err, "disk I/O error")
	})
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open(context.Background(), "sqlite://")
	assert.Error(t, err)
}

type nopMover struct{}

func (nopMover) MoveAll(context.Context, string, int, map[string]string) []contracts.DeskResult {
	return nil
}

func TestScheduleRepositoryReadsNaiveTimestamps(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := db.Schedules()

	_, err := db.db.ExecContext(ctx, `INSERT INTO schedules (id, `+scheduleColumns+`)
		VALUES ('1', 'legacy', 'Legacy', 'raise', 1000, 9, 30, 'mon-fri', 1, '2025-01-01 12:00:00', '2025-01-02 08:15:00.123456')`)
	require.NoError(t, err)

	got, err := repo.Get(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC), got.CreatedAt)
	assert.Equal(t, time.Date(2025, 1, 2, 8, 15, 0, 123456000, time.UTC), got.UpdatedAt)
}

func TestLoadFromStoreSkipsUnreadableRows(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := db.Schedules()
	clock := scheduler.WithClock(func() time.Time { return time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC) })

	s := scheduler.New(nopMover{}, scheduler.WithStore(repo), scheduler.WithLocation(time.UTC), clock)
	_, err := s.AddSchedule(ctx, scheduler.JobSpec{ID: "standup", Action: "raise", PositionMM: 1100, Hour: 9})
	require.NoError(t, err)

	_, err = db.db.ExecContext(ctx, `INSERT INTO schedules (id, `+scheduleColumns+`)
		VALUES ('2', 'broken', 'Broken', 'lower', 700, 18, 0, '*', 1, 'not a time', 'not a time')`)
	require.NoError(t, err)

	reloaded := scheduler.New(nopMover{}, scheduler.WithStore(repo), scheduler.WithLocation(time.UTC), clock)
	require.NoError(t, reloaded.Bootstrap(ctx))

	jobs := reloaded.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "standup", jobs[0].ID)
}
