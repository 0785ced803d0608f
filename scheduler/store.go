package scheduler

import (
	"context"

	"github.com/glimte/deskflow/contracts"
)

// Store persists job definitions keyed by job id
type Store interface {
	Save(ctx context.Context, job Job) error
	Delete(ctx context.Context, id string) error
	ListActive(ctx context.Context) ([]Job, error)
}

// Mover executes a job's action against every desk
type Mover interface {
	MoveAll(ctx context.Context, action string, positionMM int, meta map[string]string) []contracts.DeskResult
}
