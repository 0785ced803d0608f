package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	at := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		msg  Message
	}{
		{"text", TextMessage{Content: "hello"}},
		{"occupancy", OccupancyUpdated{DeskID: "cd:fb:1a:53:fb:e6", Occupied: true, Timestamp: at}},
		{"booking", BookingCreated{
			ID:        uuid.NewString(),
			UserID:    uuid.NewString(),
			DeskID:    uuid.NewString(),
			StartTime: at,
			EndTime:   at.Add(2 * time.Hour),
		}},
		{"desk action", DeskActionExecuted{
			Action:     "raise",
			PositionMM: 1100,
			ExecutedAt: at,
			TotalDesks: 2,
			Successful: 1,
			Failed:     1,
			Results: []DeskResult{
				{DeskID: "desk-1", Success: true, PositionMM: 1100},
				{DeskID: "desk-2", Success: false, PositionMM: 1100, Error: "timeout"},
			},
			Context: map[string]string{"trigger": "schedule", "job_id": "morning_standup"},
		}},
		{"desk action with empty context", DeskActionExecuted{
			Action:     "lower",
			PositionMM: 700,
			ExecutedAt: at,
			Results:    []DeskResult{},
			Context:    map[string]string{},
		}},
		{"desk action without context", DeskActionExecuted{Action: "lower", PositionMM: 700, ExecutedAt: at}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			require.NoError(t, err)

			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestEnvelope(t *testing.T) {
	t.Run("NewEnvelope stamps id, type and UTC time", func(t *testing.T) {
		env, err := NewEnvelope(TextMessage{Content: "x"})
		require.NoError(t, err)

		_, err = uuid.Parse(env.ID)
		assert.NoError(t, err)
		assert.Equal(t, TypeText, env.Type)
		assert.Equal(t, time.UTC, env.Timestamp.Location())
		assert.JSONEq(t, `{"content":"x"}`, string(env.Payload))
	})

	t.Run("NewEnvelope rejects nil", func(t *testing.T) {
		_, err := NewEnvelope(nil)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("DecodeEnvelope returns the envelope metadata", func(t *testing.T) {
		data, err := Encode(TextMessage{Content: "meta"})
		require.NoError(t, err)

		env, msg, err := DecodeEnvelope(data)
		require.NoError(t, err)
		assert.Equal(t, TypeText, env.Type)
		assert.Equal(t, TextMessage{Content: "meta"}, msg)
	})
}

func TestDecodeErrors(t *testing.T) {
	t.Run("unknown type", func(t *testing.T) {
		_, err := Decode([]byte(`{"id":"1","type":"desk.exploded","payload":{}}`))
		assert.ErrorIs(t, err, ErrUnknownMessageType)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := Decode([]byte(`not json`))
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("missing payload", func(t *testing.T) {
		_, err := Decode([]byte(`{"id":"1","type":"text"}`))
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("payload of the wrong shape", func(t *testing.T) {
		_, err := Decode([]byte(`{"id":"1","type":"text","payload":{"content":42}}`))
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})
}

func TestDecodeAs(t *testing.T) {
	data, err := Encode(OccupancyUpdated{DeskID: "d1", Occupied: false})
	require.NoError(t, err)

	t.Run("matching variant", func(t *testing.T) {
		msg, err := DecodeAs[OccupancyUpdated](data)
		require.NoError(t, err)
		assert.Equal(t, "d1", msg.DeskID)
	})

	t.Run("different variant", func(t *testing.T) {
		_, err := DecodeAs[TextMessage](data)
		assert.ErrorIs(t, err, ErrUnknownMessageType)
	})
}

func TestWireFormat(t *testing.T) {
	data, err := Encode(TextMessage{Content: "hello"})
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "id")
	assert.Contains(t, raw, "timestamp")
	assert.JSONEq(t, `"text"`, string(raw["type"]))
	assert.JSONEq(t, `{"content":"hello"}`, string(raw["payload"]))
	assert.NotContains(t, raw, "correlationId")
}
