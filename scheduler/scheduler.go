package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Trigger sources recorded in the sweep context
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStore persists job definitions. Without a store jobs live only in memory.
func WithStore(store Store) Option {
	return func(s *Scheduler) {
		s.store = store
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation sets the time zone cron fields are evaluated in
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// entry is one job in the live table. Entries are immutable apart from
// stop; replacing a job installs a new entry sharing the busy flag.
type entry struct {
	job  Job
	busy *atomic.Bool
	stop chan struct{}
}

// Scheduler fires desk actions on cron schedules.
//
// Each job has its own timer goroutine while the scheduler is running.
// After a firing the next run is computed from the current time, so missed
// firings collapse into one, and a job whose previous run is still
// executing is skipped.
type Scheduler struct {
	mover  Mover
	store  Store
	logger *slog.Logger
	now    func() time.Time
	loc    *time.Location

	// mutate serializes AddSchedule and RemoveSchedule including the store write
	mutate sync.Mutex

	mu      sync.RWMutex
	jobs    map[string]*entry
	running bool

	timers sync.WaitGroup
	runs   sync.WaitGroup
}

// New creates a stopped scheduler
func New(mover Mover, options ...Option) *Scheduler {
	s := &Scheduler{
		mover:  mover,
		logger: slog.Default(),
		now:    time.Now,
		loc:    time.Local,
		jobs:   make(map[string]*entry),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Start arms every job. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	for _, e := range s.jobs {
		s.armLocked(e)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Shutdown stops every timer and waits for the timer goroutines to exit.
// Runs already in progress are not interrupted. Idempotent.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for _, e := range s.jobs {
		s.disarmLocked(e)
	}
	s.mu.Unlock()

	s.timers.Wait()
	s.logger.Info("scheduler stopped")
}

// Wait blocks until every in-flight run has finished
func (s *Scheduler) Wait() {
	s.runs.Wait()
}

// IsRunning reports whether the scheduler was started
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// AddSchedule validates spec, installs or replaces the job in the live
// table and persists it. When persisting fails the live table is restored
// to its previous state and the error is returned.
func (s *Scheduler) AddSchedule(ctx context.Context, spec JobSpec) (JobInfo, error) {
	job, err := spec.Validate()
	if err != nil {
		return JobInfo{}, err
	}

	s.mutate.Lock()
	defer s.mutate.Unlock()

	now := s.now()
	job.CreatedAt, job.UpdatedAt = now, now

	s.mu.Lock()
	prev, existed := s.jobs[job.ID]
	if existed {
		job.CreatedAt = prev.job.CreatedAt
	}
	e := s.installLocked(job, prev)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Save(ctx, job); err != nil {
			s.mu.Lock()
			s.disarmLocked(e)
			if existed {
				s.jobs[job.ID] = prev
				if s.running {
					s.armLocked(prev)
				}
			} else {
				delete(s.jobs, job.ID)
			}
			s.mu.Unlock()

			s.logger.Error("failed to persist schedule, live table restored", "jobId", job.ID, "error", err)
			return JobInfo{}, fmt.Errorf("scheduler: persist job %s: %w", job.ID, err)
		}
	}

	info := s.info(e)
	s.logger.Info("added schedule",
		"jobId", job.ID,
		"name", job.Name,
		"action", job.Action,
		"positionMm", job.PositionMM,
		"cron", job.CronExpr(),
		"nextRun", info.NextRun,
		"replaced", existed,
	)
	return info, nil
}

// installLocked puts job in the live table, replacing prev if given
func (s *Scheduler) installLocked(job Job, prev *entry) *entry {
	e := &entry{job: job, busy: new(atomic.Bool)}
	if prev != nil {
		s.disarmLocked(prev)
		e.busy = prev.busy
	}
	s.jobs[job.ID] = e
	if s.running {
		s.armLocked(e)
	}
	return e
}

// RemoveSchedule drops the job from the live table and from the store.
// The store delete is attempted even when the job is not live.
func (s *Scheduler) RemoveSchedule(ctx context.Context, id string) error {
	s.mutate.Lock()
	defer s.mutate.Unlock()

	var errs []error

	s.mu.Lock()
	e, ok := s.jobs[id]
	if ok {
		s.disarmLocked(e)
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	if !ok {
		errs = append(errs, fmt.Errorf("%w: %s", ErrJobNotFound, id))
	}

	if s.store != nil {
		if err := s.store.Delete(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: delete job %s: %w", id, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("remove schedule incomplete", "jobId", id, "error", err)
		return err
	}
	s.logger.Info("removed schedule", "jobId", id)
	return nil
}

// LoadFromStore re-registers every active stored job. Rows that fail
// validation are logged and skipped. Returns the number of jobs loaded.
func (s *Scheduler) LoadFromStore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}

	jobs, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: load jobs: %w", err)
	}

	s.mutate.Lock()
	defer s.mutate.Unlock()

	loaded := 0
	for _, stored := range jobs {
		job, err := stored.Spec().Validate()
		if err != nil {
			s.logger.Error("skipping invalid stored schedule", "jobId", stored.ID, "error", err)
			continue
		}
		job.CreatedAt, job.UpdatedAt = stored.CreatedAt, stored.UpdatedAt

		s.mu.Lock()
		s.installLocked(job, s.jobs[job.ID])
		s.mu.Unlock()
		loaded++
	}

	s.logger.Info("loaded schedules from store", "loaded", loaded, "rows", len(jobs))
	return loaded, nil
}

// Bootstrap loads stored jobs and registers the defaults when none exist
func (s *Scheduler) Bootstrap(ctx context.Context) error {
	_, err := s.LoadFromStore(ctx)
	if err != nil {
		s.logger.Error("failed to load schedules", "error", err)
	}
	if s.JobCount() == 0 {
		s.SetupDefaults(ctx)
	}
	return err
}

// Jobs returns every live job ordered by id
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].job.ID < entries[j].job.ID })

	infos := make([]JobInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, s.info(e))
	}
	return infos
}

// Job returns one live job
func (s *Scheduler) Job(id string) (JobInfo, error) {
	s.mu.RLock()
	e, ok := s.jobs[id]
	s.mu.RUnlock()

	if !ok {
		return JobInfo{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return s.info(e), nil
}

// JobCount returns the number of live jobs
func (s *Scheduler) JobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// RunNow fires a job immediately in the background. It fails with
// ErrJobRunning while the previous run of the job has not finished.
func (s *Scheduler) RunNow(id string) error {
	s.mu.RLock()
	e, ok := s.jobs[id]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !s.fire(e, TriggerManual) {
		return fmt.Errorf("%w: %s", ErrJobRunning, id)
	}
	return nil
}

func (s *Scheduler) info(e *entry) JobInfo {
	info := JobInfo{
		ID:         e.job.ID,
		Name:       e.job.Name,
		Action:     string(e.job.Action),
		PositionMM: e.job.PositionMM,
		Trigger:    e.job.CronExpr(),
	}
	if next, err := e.job.nextRun(s.now().In(s.loc)); err == nil {
		info.NextRun = next.Format(time.RFC3339)
	}
	return info
}

func (s *Scheduler) armLocked(e *entry) {
	if e.stop != nil {
		return
	}
	e.stop = make(chan struct{})
	s.timers.Add(1)
	go s.loop(e, e.stop)
}

func (s *Scheduler) disarmLocked(e *entry) {
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
}

func (s *Scheduler) loop(e *entry, stop <-chan struct{}) {
	defer s.timers.Done()

	for {
		now := s.now().In(s.loc)
		next, err := e.job.nextRun(now)
		if err != nil {
			s.logger.Error("cannot compute next run, job disarmed", "jobId", e.job.ID, "error", err)
			return
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			s.fire(e, TriggerSchedule)
		}
	}
}

// fire starts one run of the job unless a previous run is still executing
func (s *Scheduler) fire(e *entry, trigger string) bool {
	job := e.job
	if !e.busy.CompareAndSwap(false, true) {
		s.logger.Warn("skipping run, previous run still executing", "jobId", job.ID, "trigger", trigger)
		return false
	}

	meta := map[string]string{
		"trigger":  trigger,
		"job_id":   job.ID,
		"job_name": job.Name,
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer e.busy.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("scheduled run panicked", "jobId", job.ID, "panic", r)
			}
		}()

		s.logger.Info("running schedule", "jobId", job.ID, "action", job.Action, "positionMm", job.PositionMM, "trigger", trigger)
		results := s.mover.MoveAll(context.Background(), string(job.Action), job.PositionMM, meta)
		s.logger.Info("schedule run finished", "jobId", job.ID, "desks", len(results))
	}()
	return true
}
