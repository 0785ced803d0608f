package scheduler

import "context"

// DefaultJobs is the baseline registered when no job exists after loading
func DefaultJobs() []JobSpec {
	return []JobSpec{
		{
			ID:         "cleaning_start",
			Name:       "Start Cleaning Mode",
			Action:     string(ActionRaise),
			PositionMM: 1200,
			Hour:       20,
			Minute:     0,
			DayOfWeek:  "*",
		},
		{
			ID:         "cleaning_end",
			Name:       "End Cleaning Mode",
			Action:     string(ActionLower),
			PositionMM: 680,
			Hour:       21,
			Minute:     0,
			DayOfWeek:  "*",
		},
		{
			ID:         "morning_standup",
			Name:       "Morning Standup",
			Action:     string(ActionRaise),
			PositionMM: 1100,
			Hour:       9,
			Minute:     0,
			DayOfWeek:  "mon-fri",
		},
	}
}

// SetupDefaults (re)registers the default jobs. Failures are logged per
// job; the number of jobs registered is returned.
func (s *Scheduler) SetupDefaults(ctx context.Context) int {
	added := 0
	for _, spec := range DefaultJobs() {
		if _, err := s.AddSchedule(ctx, spec); err != nil {
			s.logger.Error("failed to add default schedule", "jobId", spec.ID, "error", err)
			continue
		}
		added++
	}
	s.logger.Info("default schedules configured", "count", added)
	return added
}
