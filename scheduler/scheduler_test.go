package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/deskflow/contracts"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Save(ctx context.Context, job Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *mockStore) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockStore) ListActive(ctx context.Context) ([]Job, error) {
	args := m.Called(ctx)
	jobs, _ := args.Get(0).([]Job)
	return jobs, args.Error(1)
}

type moveCall struct {
	action     string
	positionMM int
	meta       map[string]string
}

// fakeMover records calls and optionally blocks until released
type fakeMover struct {
	mu      sync.Mutex
	calls   []moveCall
	block   chan struct{}
	entered chan struct{}
}

func (m *fakeMover) MoveAll(_ context.Context, action string, positionMM int, meta map[string]string) []contracts.DeskResult {
	m.mu.Lock()
	m.calls = append(m.calls, moveCall{action: action, positionMM: positionMM, meta: meta})
	m.mu.Unlock()

	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.block != nil {
		<-m.block
	}
	return []contracts.DeskResult{{DeskID: "desk-1", Success: true, PositionMM: positionMM}}
}

func (m *fakeMover) snapshot() []moveCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]moveCall(nil), m.calls...)
}

var testNow = time.Date(2026, 5, 4, 7, 30, 0, 0, time.UTC) // a Monday

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(mover Mover, options ...Option) *Scheduler {
	options = append([]Option{
		WithLogger(testLogger()),
		WithClock(func() time.Time { return testNow }),
		WithLocation(time.UTC),
	}, options...)
	return New(mover, options...)
}

func raiseSpec(id string, hour int) JobSpec {
	return JobSpec{ID: id, Name: "Morning", Action: "raise", PositionMM: 1000, Hour: hour, Minute: 0}
}

func TestAddScheduleValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("valid job is retrievable with next run", func(t *testing.T) {
		s := newTestScheduler(&fakeMover{})

		info, err := s.AddSchedule(ctx, raiseSpec("morning", 8))
		require.NoError(t, err)
		assert.Equal(t, "morning", info.ID)
		assert.Equal(t, "2026-05-04T08:00:00Z", info.NextRun)

		got, err := s.Job("morning")
		require.NoError(t, err)
		assert.Equal(t, info, got)

		_, err = time.Parse(time.RFC3339, got.NextRun)
		assert.NoError(t, err)
	})

	tests := []struct {
		name  string
		spec  JobSpec
		field string
	}{
		{"unknown action", JobSpec{ID: "j", Action: "sideways", PositionMM: 1000, Hour: 8}, "action"},
		{"negative position", JobSpec{ID: "j", Action: "raise", PositionMM: -5, Hour: 8}, "position_mm"},
		{"zero position", JobSpec{ID: "j", Action: "raise", PositionMM: 0, Hour: 8}, "position_mm"},
		{"hour out of range", JobSpec{ID: "j", Action: "raise", PositionMM: 1000, Hour: 24}, "hour"},
		{"minute out of range", JobSpec{ID: "j", Action: "lower", PositionMM: 1000, Hour: 8, Minute: 60}, "minute"},
		{"missing id", JobSpec{Action: "raise", PositionMM: 1000, Hour: 8}, "job_id"},
		{"bad day of week", JobSpec{ID: "j", Action: "raise", PositionMM: 1000, Hour: 8, DayOfWeek: "someday"}, "day_of_week"},
		{"day number out of range", JobSpec{ID: "j", Action: "raise", PositionMM: 1000, Hour: 8, DayOfWeek: "7"}, "day_of_week"},
		{"reversed day range", JobSpec{ID: "j", Action: "raise", PositionMM: 1000, Hour: 8, DayOfWeek: "fri-mon"}, "day_of_week"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{}
			store.On("Save", mock.Anything, mock.Anything).Return(nil)
			s := newTestScheduler(&fakeMover{}, WithStore(store))
			_, err := s.AddSchedule(ctx, raiseSpec("existing", 9))
			require.NoError(t, err)
			before := s.Jobs()

			_, err = s.AddSchedule(ctx, tt.spec)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, before, s.Jobs())
			store.AssertNumberOfCalls(t, "Save", 1)
		})
	}
}

func TestJobSpecNormalization(t *testing.T) {
	job, err := JobSpec{ID: " standup ", Action: " RAISE ", PositionMM: 1100, Hour: 9, DayOfWeek: "mon-fri"}.Validate()
	require.NoError(t, err)

	assert.Equal(t, "standup", job.ID)
	assert.Equal(t, "standup", job.Name)
	assert.Equal(t, ActionRaise, job.Action)
	assert.Equal(t, "MON-FRI", job.DayOfWeek)
	assert.Equal(t, "0 9 * * MON-FRI", job.CronExpr())
	assert.True(t, job.Active)

	job, err = JobSpec{ID: "daily", Action: "lower", PositionMM: 680, Hour: 21}.Validate()
	require.NoError(t, err)
	assert.Equal(t, "*", job.DayOfWeek)
}

func TestDayOfWeekCountsFromMonday(t *testing.T) {
	saturday := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		dow  string
		cron string
		days []time.Weekday
	}{
		{"0-4", "0 8 * * 1-5", []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}},
		{"6", "0 8 * * 0", []time.Weekday{time.Sunday}},
		{"sat-sun", "0 8 * * 6,0", []time.Weekday{time.Sunday, time.Saturday}},
		{"5-6", "0 8 * * 6,0", []time.Weekday{time.Sunday, time.Saturday}},
		{"0,2,4", "0 8 * * 1,3,5", []time.Weekday{time.Monday, time.Wednesday, time.Friday}},
		{"*/2", "0 8 * * 1,3,5,0", []time.Weekday{time.Sunday, time.Monday, time.Wednesday, time.Friday}},
		{"mon-fri", "0 8 * * MON-FRI", []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}},
		{"tue", "0 8 * * TUE", []time.Weekday{time.Tuesday}},
	}

	for _, tt := range tests {
		t.Run(tt.dow, func(t *testing.T) {
			job, err := JobSpec{ID: "j", Action: "raise", PositionMM: 1000, Hour: 8, DayOfWeek: tt.dow}.Validate()
			require.NoError(t, err)
			assert.Equal(t, tt.cron, job.CronExpr())

			var days []time.Weekday
			ref := saturday
			for {
				next, err := job.nextRun(ref)
				require.NoError(t, err)
				if !next.Before(saturday.AddDate(0, 0, 7)) {
					break
				}
				days = append(days, next.Weekday())
				ref = next
			}
			assert.Equal(t, tt.days, days)
		})
	}
}

func TestAddScheduleReplacesInPlace(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	store.On("Save", mock.Anything, mock.Anything).Return(nil)
	s := newTestScheduler(&fakeMover{}, WithStore(store))

	_, err := s.AddSchedule(ctx, raiseSpec("morning", 8))
	require.NoError(t, err)
	info, err := s.AddSchedule(ctx, raiseSpec("morning", 10))
	require.NoError(t, err)

	assert.Equal(t, 1, s.JobCount())
	assert.Equal(t, "2026-05-04T10:00:00Z", info.NextRun)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "0 10 * * *", jobs[0].Trigger)

	store.AssertNumberOfCalls(t, "Save", 2)
	saved := store.Calls[1].Arguments.Get(1).(Job)
	assert.Equal(t, 10, saved.Hour)
}

func TestAddScheduleRollsBackWhenPersistFails(t *testing.T) {
	ctx := context.Background()

	t.Run("new job is removed", func(t *testing.T) {
		store := &mockStore{}
		store.On("Save", mock.Anything, mock.Anything).Return(errors.New("database is locked")).Once()
		s := newTestScheduler(&fakeMover{}, WithStore(store))

		_, err := s.AddSchedule(ctx, raiseSpec("morning", 8))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database is locked")
		assert.Equal(t, 0, s.JobCount())
	})

	t.Run("replaced job is restored", func(t *testing.T) {
		store := &mockStore{}
		store.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
		store.On("Save", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()
		s := newTestScheduler(&fakeMover{}, WithStore(store))
		s.Start()
		defer s.Shutdown()

		_, err := s.AddSchedule(ctx, raiseSpec("morning", 8))
		require.NoError(t, err)
		_, err = s.AddSchedule(ctx, raiseSpec("morning", 10))
		require.Error(t, err)

		info, err := s.Job("morning")
		require.NoError(t, err)
		assert.Equal(t, "0 8 * * *", info.Trigger)
	})
}

func TestRemoveSchedule(t *testing.T) {
	ctx := context.Background()

	t.Run("removes live job and stored row", func(t *testing.T) {
		store := &mockStore{}
		store.On("Save", mock.Anything, mock.Anything).Return(nil)
		store.On("Delete", mock.Anything, "morning").Return(nil)
		s := newTestScheduler(&fakeMover{}, WithStore(store))

		_, err := s.AddSchedule(ctx, raiseSpec("morning", 8))
		require.NoError(t, err)
		require.NoError(t, s.RemoveSchedule(ctx, "morning"))

		assert.Equal(t, 0, s.JobCount())
		_, err = s.Job("morning")
		assert.ErrorIs(t, err, ErrJobNotFound)
		store.AssertExpectations(t)
	})

	t.Run("unknown job still deletes stored row", func(t *testing.T) {
		store := &mockStore{}
		store.On("Delete", mock.Anything, "ghost").Return(nil)
		s := newTestScheduler(&fakeMover{}, WithStore(store))

		err := s.RemoveSchedule(ctx, "ghost")
		assert.ErrorIs(t, err, ErrJobNotFound)
		store.AssertCalled(t, "Delete", mock.Anything, "ghost")
	})

	t.Run("store failure is reported", func(t *testing.T) {
		store := &mockStore{}
		store.On("Save", mock.Anything, mock.Anything).Return(nil)
		store.On("Delete", mock.Anything, "morning").Return(errors.New("connection reset"))
		s := newTestScheduler(&fakeMover{}, WithStore(store))

		_, err := s.AddSchedule(ctx, raiseSpec("morning", 8))
		require.NoError(t, err)

		err = s.RemoveSchedule(ctx, "morning")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrJobNotFound)
		assert.Equal(t, 0, s.JobCount())
	})
}

func TestLoadFromStore(t *testing.T) {
	ctx := context.Background()
	created := testNow.Add(-48 * time.Hour)

	store := &mockStore{}
	store.On("ListActive", mock.Anything).Return([]Job{
		{ID: "a", Name: "A", Action: ActionRaise, PositionMM: 1000, Hour: 7, DayOfWeek: "*", Active: true, CreatedAt: created},
		{ID: "broken", Name: "Broken", Action: "spin", PositionMM: 1000, Hour: 7, DayOfWeek: "*", Active: true},
		{ID: "b", Name: "B", Action: ActionLower, PositionMM: 700, Hour: 18, Minute: 30, DayOfWeek: "MON-FRI", Active: true},
	}, nil)
	s := newTestScheduler(&fakeMover{}, WithStore(store))

	loaded, err := s.LoadFromStore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, "b", jobs[1].ID)
	store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)

	t.Run("store failure", func(t *testing.T) {
		failing := &mockStore{}
		failing.On("ListActive", mock.Anything).Return(nil, errors.New("no such table"))
		_, err := newTestScheduler(&fakeMover{}, WithStore(failing)).LoadFromStore(ctx)
		assert.Error(t, err)
	})
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()

	t.Run("registers defaults when store is empty", func(t *testing.T) {
		store := &mockStore{}
		store.On("ListActive", mock.Anything).Return([]Job{}, nil)
		store.On("Save", mock.Anything, mock.Anything).Return(nil)
		s := newTestScheduler(&fakeMover{}, WithStore(store))

		require.NoError(t, s.Bootstrap(ctx))

		var ids []string
		for _, j := range s.Jobs() {
			ids = append(ids, j.ID)
		}
		assert.Equal(t, []string{"cleaning_end", "cleaning_start", "morning_standup"}, ids)

		standup, err := s.Job("morning_standup")
		require.NoError(t, err)
		assert.Equal(t, "0 9 * * MON-FRI", standup.Trigger)
		assert.Equal(t, 1100, standup.PositionMM)
		store.AssertNumberOfCalls(t, "Save", 3)
	})

	t.Run("keeps stored jobs", func(t *testing.T) {
		store := &mockStore{}
		store.On("ListActive", mock.Anything).Return([]Job{
			{ID: "custom", Name: "Custom", Action: ActionLower, PositionMM: 650, Hour: 17, DayOfWeek: "*", Active: true},
		}, nil)
		s := newTestScheduler(&fakeMover{}, WithStore(store))

		require.NoError(t, s.Bootstrap(ctx))
		assert.Equal(t, 1, s.JobCount())
		store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})
}

func TestSetupDefaultsIsIdempotent(t *testing.T) {
	s := newTestScheduler(&fakeMover{})
	assert.Equal(t, 3, s.SetupDefaults(context.Background()))
	assert.Equal(t, 3, s.SetupDefaults(context.Background()))
	assert.Equal(t, 3, s.JobCount())
}

func TestRunNow(t *testing.T) {
	ctx := context.Background()
	mover := &fakeMover{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := newTestScheduler(mover)

	_, err := s.AddSchedule(ctx, JobSpec{ID: "cleaning_end", Name: "End Cleaning Mode", Action: "lower", PositionMM: 680, Hour: 21})
	require.NoError(t, err)

	require.NoError(t, s.RunNow("cleaning_end"))
	<-mover.entered

	// Max one instance per job
	assert.ErrorIs(t, s.RunNow("cleaning_end"), ErrJobRunning)

	close(mover.block)
	s.Wait()

	calls := mover.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "lower", calls[0].action)
	assert.Equal(t, 680, calls[0].positionMM)
	assert.Equal(t, map[string]string{
		"trigger":  TriggerManual,
		"job_id":   "cleaning_end",
		"job_name": "End Cleaning Mode",
	}, calls[0].meta)

	// The job can run again once the previous run finished
	require.NoError(t, s.RunNow("cleaning_end"))
	<-mover.entered
	s.Wait()

	assert.ErrorIs(t, s.RunNow("missing"), ErrJobNotFound)
}

func TestReplaceKeepsSingleInstance(t *testing.T) {
	ctx := context.Background()
	mover := &fakeMover{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := newTestScheduler(mover)

	_, err := s.AddSchedule(ctx, raiseSpec("morning", 8))
	require.NoError(t, err)
	require.NoError(t, s.RunNow("morning"))
	<-mover.entered

	_, err = s.AddSchedule(ctx, raiseSpec("morning", 9))
	require.NoError(t, err)
	assert.ErrorIs(t, s.RunNow("morning"), ErrJobRunning)

	close(mover.block)
	s.Wait()
}

func TestStartAndShutdownAreIdempotent(t *testing.T) {
	s := newTestScheduler(&fakeMover{})
	_, err := s.AddSchedule(context.Background(), raiseSpec("morning", 8))
	require.NoError(t, err)

	assert.False(t, s.IsRunning())
	s.Start()
	s.Start()
	assert.True(t, s.IsRunning())

	s.Shutdown()
	s.Shutdown()
	assert.False(t, s.IsRunning())

	s.Start()
	assert.True(t, s.IsRunning())
	s.Shutdown()
}

func TestScheduledFiring(t *testing.T) {
	start := time.Now()
	base := time.Date(2026, 5, 4, 20, 59, 59, 900_000_000, time.UTC)
	clock := func() time.Time { return base.Add(time.Since(start)) }

	mover := &fakeMover{entered: make(chan struct{}, 1)}
	s := New(mover, WithLogger(testLogger()), WithClock(clock), WithLocation(time.UTC))

	_, err := s.AddSchedule(context.Background(), JobSpec{ID: "cleaning_end", Action: "lower", PositionMM: 680, Hour: 21})
	require.NoError(t, err)

	s.Start()
	defer s.Shutdown()

	select {
	case <-mover.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
	s.Wait()

	calls := mover.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, TriggerSchedule, calls[0].meta["trigger"])
	assert.Equal(t, "cleaning_end", calls[0].meta["job_id"])
}
