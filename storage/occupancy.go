package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/glimte/deskflow/contracts"
)

// OccupancyRecord is one stored sensor reading
type OccupancyRecord struct {
	ID        string    `json:"id"`
	DeskID    string    `json:"desk_id"`
	Occupied  bool      `json:"occupied"`
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
}

// OccupancyRepository appends occupancy readings
type OccupancyRepository struct {
	db  *sql.DB
	now func() time.Time
}

// Record appends a reading and returns the stored record
func (r *OccupancyRepository) Record(ctx context.Context, reading contracts.OccupancyUpdated) (OccupancyRecord, error) {
	rec := OccupancyRecord{
		ID:        uuid.New().String(),
		DeskID:    reading.DeskID,
		Occupied:  reading.Occupied,
		Timestamp: reading.Timestamp.UTC(),
		CreatedAt: r.now().UTC(),
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO occupancy_records (id, desk_id, occupied, timestamp, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.DeskID, boolToInt(rec.Occupied), formatTime(rec.Timestamp), formatTime(rec.CreatedAt),
	)
	if err != nil {
		return OccupancyRecord{}, errors.Wrapf(err, "storage: record occupancy for %s", reading.DeskID)
	}
	return rec, nil
}

// Latest returns the most recent reading for a desk
func (r *OccupancyRepository) Latest(ctx context.Context, deskID string) (OccupancyRecord, error) {
	var (
		rec           OccupancyRecord
		occupied      int
		ts, createdAt string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, desk_id, occupied, timestamp, created_at FROM occupancy_records
		WHERE desk_id = ? ORDER BY timestamp DESC LIMIT 1`, deskID,
	).Scan(&rec.ID, &rec.DeskID, &occupied, &ts, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return OccupancyRecord{}, errors.Wrapf(ErrOccupancyNotFound, "desk %s", deskID)
	}
	if err != nil {
		return OccupancyRecord{}, errors.Wrapf(err, "storage: latest occupancy for %s", deskID)
	}

	rec.Occupied = occupied != 0
	if rec.Timestamp, err = parseTime(ts); err != nil {
		return OccupancyRecord{}, err
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return OccupancyRecord{}, err
	}
	return rec, nil
}
