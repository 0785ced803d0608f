// Package scheduler runs desk actions on cron schedules.
//
// Jobs are validated before any state changes, replaced in place when
// re-added with the same id and persisted through a Store. A job never
// overlaps with itself and missed firings collapse into a single run.
// Cron expressions are evaluated with github.com/adhocore/gronx; numeric
// day-of-week values follow cron numbering (0 is Sunday).
package scheduler
