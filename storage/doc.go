// Package storage keeps schedules and occupancy readings in SQLite.
//
// Timestamps are stored as RFC 3339 text in UTC.
package storage
