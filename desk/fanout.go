package desk

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/deskflow/contracts"
	"github.com/glimte/deskflow/messaging"
)

// Gateway is the part of the device gateway the fan-out needs
type Gateway interface {
	ListDesks(ctx context.Context) ([]string, error)
	SetPosition(ctx context.Context, id string, positionMM int) error
}

// EventPublisher publishes the summary of a sweep
type EventPublisher interface {
	PublishDeskEvent(ctx context.Context, routingKey string, event contracts.DeskActionExecuted) error
}

// FanoutOption configures a Fanout
type FanoutOption func(*Fanout)

// WithFanoutLogger sets the logger
func WithFanoutLogger(logger *slog.Logger) FanoutOption {
	return func(f *Fanout) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithClock overrides the time source used for ExecutedAt
func WithClock(now func() time.Time) FanoutOption {
	return func(f *Fanout) {
		if now != nil {
			f.now = now
		}
	}
}

// Fanout commands every desk to one position and publishes a single
// summary event per sweep
type Fanout struct {
	gateway Gateway
	events  EventPublisher
	logger  *slog.Logger
	now     func() time.Time
}

// NewFanout creates a fan-out over gateway. events may be nil, in which
// case no summary is published.
func NewFanout(gateway Gateway, events EventPublisher, options ...FanoutOption) *Fanout {
	f := &Fanout{
		gateway: gateway,
		events:  events,
		logger:  slog.Default(),
		now:     time.Now,
	}

	for _, opt := range options {
		opt(f)
	}

	return f
}

// RaiseAll moves every desk up to positionMM
func (f *Fanout) RaiseAll(ctx context.Context, positionMM int, meta map[string]string) []Result {
	return f.MoveAll(ctx, ActionRaise, positionMM, meta)
}

// LowerAll moves every desk down to positionMM
func (f *Fanout) LowerAll(ctx context.Context, positionMM int, meta map[string]string) []Result {
	return f.MoveAll(ctx, ActionLower, positionMM, meta)
}

// MoveAll commands each desk in turn. A failing desk is recorded and the
// sweep continues. When the desk list cannot be fetched the sweep is
// abandoned and nothing is published.
func (f *Fanout) MoveAll(ctx context.Context, action string, positionMM int, meta map[string]string) []Result {
	logger := f.logger.With("action", action, "positionMm", positionMM)

	ids, err := f.gateway.ListDesks(ctx)
	if err != nil {
		logger.Error("failed to get desk list", "error", err)
		return []Result{}
	}
	logger.Info("starting desk sweep", "desks", len(ids))

	results := make([]Result, 0, len(ids))
	for i, id := range ids {
		result := Result{DeskID: id, Success: true, PositionMM: positionMM}
		if err := f.gateway.SetPosition(ctx, id, positionMM); err != nil {
			logger.Error("failed to move desk", "deskId", id, "index", i+1, "error", err)
			result.Success = false
			result.Error = err.Error()
		}
		results = append(results, result)
	}

	event := summarize(action, positionMM, f.now().UTC(), results, meta)
	logger.Info("desk sweep complete", "successful", event.Successful, "total", event.TotalDesks)

	f.publish(ctx, event)
	return results
}

func summarize(action string, positionMM int, at time.Time, results []Result, meta map[string]string) contracts.DeskActionExecuted {
	successful := 0
	for _, r := range results {
		if r.Success {
			successful++
		}
	}

	event := contracts.DeskActionExecuted{
		Action:     action,
		PositionMM: positionMM,
		ExecutedAt: at,
		TotalDesks: len(results),
		Successful: successful,
		Failed:     len(results) - successful,
		Results:    append([]Result(nil), results...),
	}
	if len(meta) > 0 {
		event.Context = make(map[string]string, len(meta))
		for k, v := range meta {
			event.Context[k] = v
		}
	}
	return event
}

func (f *Fanout) publish(ctx context.Context, event contracts.DeskActionExecuted) {
	if f.events == nil {
		return
	}

	key := messaging.DeskActionRoutingKey(event.Action)
	if err := f.events.PublishDeskEvent(ctx, key, event); err != nil {
		f.logger.Warn("failed to publish desk action event", "routingKey", key, "error", err)
		return
	}
	f.logger.Info("published desk action event", "routingKey", key)
}
