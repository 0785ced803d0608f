package occupancy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/glimte/deskflow/contracts"
	"github.com/glimte/deskflow/storage"
)

// DefaultBufferSize is the number of readings Handle queues before dropping
const DefaultBufferSize = 256

// Recorder stores readings
type Recorder interface {
	Record(ctx context.Context, reading contracts.OccupancyUpdated) (storage.OccupancyRecord, error)
}

// Publisher broadcasts occupancy events. *messaging.PubSubFacade satisfies it.
type Publisher interface {
	Publish(ctx context.Context, msg contracts.Message) error
}

// InMessage is a raw sensor message as received from the sensor broker
type InMessage struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Stats counts what the bridge did with incoming messages
type Stats struct {
	Received  int64 `json:"received"`
	Dropped   int64 `json:"dropped"`
	Invalid   int64 `json:"invalid"`
	Processed int64 `json:"processed"`
}

// BridgeOption configures a Bridge
type BridgeOption func(*Bridge)

// WithBridgeLogger sets the logger
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBufferSize sets how many readings may wait for the worker
func WithBufferSize(n int) BridgeOption {
	return func(b *Bridge) {
		if n > 0 {
			b.size = n
		}
	}
}

// WithBridgeClock overrides the time source used for unparsable timestamps
func WithBridgeClock(now func() time.Time) BridgeOption {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// Bridge hands sensor messages from the sensor client's callback to a
// single worker that records and publishes them.
type Bridge struct {
	recorder  Recorder
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
	size      int
	inbox     chan InMessage

	received  atomic.Int64
	dropped   atomic.Int64
	invalid   atomic.Int64
	processed atomic.Int64
}

// NewBridge creates a bridge. Either dependency may be nil to skip that step.
func NewBridge(recorder Recorder, publisher Publisher, options ...BridgeOption) *Bridge {
	b := &Bridge{
		recorder:  recorder,
		publisher: publisher,
		logger:    slog.Default(),
		now:       time.Now,
		size:      DefaultBufferSize,
	}
	for _, opt := range options {
		opt(b)
	}
	b.inbox = make(chan InMessage, b.size)
	return b
}

// Handle queues a raw message for the worker. It never blocks; when the
// queue is full the message is dropped and false is returned.
func (b *Bridge) Handle(topic string, payload []byte) bool {
	b.received.Add(1)
	msg := InMessage{
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: b.now().UTC(),
	}

	select {
	case b.inbox <- msg:
		return true
	default:
		b.dropped.Add(1)
		b.logger.Warn("occupancy queue full, dropping reading", "topic", topic, "capacity", b.size)
		return false
	}
}

// Run processes queued messages until ctx is cancelled
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("occupancy bridge started", "capacity", b.size)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("occupancy bridge stopped", "pending", len(b.inbox))
			return nil
		case msg := <-b.inbox:
			b.process(ctx, msg)
		}
	}
}

// Stats returns the bridge counters
func (b *Bridge) Stats() Stats {
	return Stats{
		Received:  b.received.Load(),
		Dropped:   b.dropped.Load(),
		Invalid:   b.invalid.Load(),
		Processed: b.processed.Load(),
	}
}

func (b *Bridge) process(ctx context.Context, msg InMessage) {
	reading, err := b.parse(msg.Payload)
	if err != nil {
		b.invalid.Add(1)
		b.logger.Warn("invalid occupancy message", "topic", msg.Topic, "error", err)
		return
	}

	if b.recorder != nil {
		if _, err := b.recorder.Record(ctx, reading); err != nil {
			b.logger.Error("failed to record occupancy", "deskId", reading.DeskID, "error", err)
		}
	}

	if b.publisher != nil {
		if err := b.publisher.Publish(ctx, reading); err != nil {
			b.logger.Error("failed to publish occupancy update", "deskId", reading.DeskID, "error", err)
		}
	}

	b.processed.Add(1)
	b.logger.Debug("processed occupancy reading", "deskId", reading.DeskID, "occupied", reading.Occupied)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parse decodes {"desk_id", "state", "timestamp"}. All three keys must be
// present; a timestamp that cannot be parsed is replaced by the current time.
func (b *Bridge) parse(payload []byte) (contracts.OccupancyUpdated, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return contracts.OccupancyUpdated{}, fmt.Errorf("decode payload: %w", err)
	}

	for _, key := range []string{"desk_id", "state", "timestamp"} {
		if _, ok := fields[key]; !ok {
			return contracts.OccupancyUpdated{}, fmt.Errorf("missing field %q", key)
		}
	}

	deskID := strings.TrimSpace(fmt.Sprint(fields["desk_id"]))
	if fields["desk_id"] == nil || deskID == "" {
		return contracts.OccupancyUpdated{}, fmt.Errorf("empty desk_id")
	}

	reading := contracts.OccupancyUpdated{
		DeskID:   deskID,
		Occupied: truthy(fields["state"]),
	}

	raw, _ := fields["timestamp"].(string)
	if ts, ok := parseTimestamp(raw); ok {
		reading.Timestamp = ts
	} else {
		reading.Timestamp = b.now().UTC()
		b.logger.Warn("invalid occupancy timestamp, using current time", "deskId", deskID, "timestamp", fields["timestamp"])
	}
	return reading, nil
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case nil:
		return false
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}
