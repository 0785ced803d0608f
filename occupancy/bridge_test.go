package occupancy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/deskflow/contracts"
	"github.com/glimte/deskflow/storage"
)

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) Record(ctx context.Context, reading contracts.OccupancyUpdated) (storage.OccupancyRecord, error) {
	args := m.Called(ctx, reading)
	return storage.OccupancyRecord{DeskID: reading.DeskID}, args.Error(0)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, msg contracts.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

var fixedNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newTestBridge(rec Recorder, pub Publisher, opts ...BridgeOption) *Bridge {
	opts = append([]BridgeOption{
		WithBridgeLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBridgeClock(func() time.Time { return fixedNow }),
	}, opts...)
	return NewBridge(rec, pub, opts...)
}

// runUntil runs the worker until it processed or rejected n messages
func runUntil(t *testing.T, b *Bridge, n int64) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		s := b.Stats()
		return s.Processed+s.Invalid >= n
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestBridgeRecordsAndPublishes(t *testing.T) {
	rec := &mockRecorder{}
	pub := &mockPublisher{}
	want := contracts.OccupancyUpdated{
		DeskID:    "desk-7",
		Occupied:  true,
		Timestamp: time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC),
	}
	rec.On("Record", mock.Anything, want).Return(nil).Once()
	pub.On("Publish", mock.Anything, want).Return(nil).Once()

	b := newTestBridge(rec, pub)
	require.True(t, b.Handle("occupancy/state", []byte(`{"desk_id":"desk-7","state":1,"timestamp":"2026-05-04T09:30:00Z"}`)))
	runUntil(t, b, 1)

	rec.AssertExpectations(t)
	pub.AssertExpectations(t)
	assert.Equal(t, Stats{Received: 1, Processed: 1}, b.Stats())
}

func TestBridgeParsing(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		valid    bool
		occupied bool
		ts       time.Time
	}{
		{"bool state", `{"desk_id":"d1","state":true,"timestamp":"2026-05-04T09:00:00+02:00"}`, true, true, time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC)},
		{"zero state", `{"desk_id":"d1","state":0,"timestamp":"2026-05-04T09:00:00Z"}`, true, false, time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
		{"naive timestamp", `{"desk_id":"d1","state":"yes","timestamp":"2026-05-04T09:00:00.5"}`, true, true, time.Date(2026, 5, 4, 9, 0, 0, 500_000_000, time.UTC)},
		{"bad timestamp uses now", `{"desk_id":"d1","state":false,"timestamp":"soon"}`, true, false, fixedNow},
		{"numeric timestamp uses now", `{"desk_id":"d1","state":true,"timestamp":1714800000}`, true, true, fixedNow},
		{"missing desk id", `{"state":true,"timestamp":"2026-05-04T09:00:00Z"}`, false, false, time.Time{}},
		{"missing state", `{"desk_id":"d1","timestamp":"2026-05-04T09:00:00Z"}`, false, false, time.Time{}},
		{"missing timestamp", `{"desk_id":"d1","state":true}`, false, false, time.Time{}},
		{"null desk id", `{"desk_id":null,"state":true,"timestamp":"2026-05-04T09:00:00Z"}`, false, false, time.Time{}},
		{"not json", `occupied`, false, false, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBridge(nil, nil)
			got, err := b.parse([]byte(tt.payload))
			if !tt.valid {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "d1", got.DeskID)
			assert.Equal(t, tt.occupied, got.Occupied)
			assert.True(t, tt.ts.Equal(got.Timestamp), "timestamp %s", got.Timestamp)
		})
	}
}

func TestBridgeContinuesAfterFailures(t *testing.T) {
	rec := &mockRecorder{}
	pub := &mockPublisher{}
	rec.On("Record", mock.Anything, mock.Anything).Return(errors.New("database is locked")).Once()
	rec.On("Record", mock.Anything, mock.Anything).Return(nil)
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("not initialized"))

	b := newTestBridge(rec, pub)
	b.Handle("occupancy/state", []byte(`{"desk_id":"d1","state":true,"timestamp":"2026-05-04T09:00:00Z"}`))
	b.Handle("occupancy/state", []byte(`{broken`))
	b.Handle("occupancy/state", []byte(`{"desk_id":"d2","state":false,"timestamp":"2026-05-04T09:01:00Z"}`))
	runUntil(t, b, 3)

	stats := b.Stats()
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Invalid)
	rec.AssertNumberOfCalls(t, "Record", 2)
	pub.AssertNumberOfCalls(t, "Publish", 2)
}

func TestBridgeHandleNeverBlocks(t *testing.T) {
	b := newTestBridge(nil, nil, WithBufferSize(2))
	payload := []byte(`{"desk_id":"d1","state":true,"timestamp":"2026-05-04T09:00:00Z"}`)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			b.Handle("occupancy/state", payload)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle blocked with a full queue")
	}

	stats := b.Stats()
	assert.Equal(t, int64(5), stats.Received)
	assert.Equal(t, int64(3), stats.Dropped)
}

func TestBridgeHandleCopiesPayload(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(m contracts.Message) bool {
		return m.(contracts.OccupancyUpdated).DeskID == "d1"
	})).Return(nil).Once()

	b := newTestBridge(nil, pub)
	payload := []byte(`{"desk_id":"d1","state":true,"timestamp":"2026-05-04T09:00:00Z"}`)
	b.Handle("occupancy/state", payload)
	copy(payload, `{"desk_id":"XX"`)

	runUntil(t, b, 1)
	pub.AssertExpectations(t)
}
