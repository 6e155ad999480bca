package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/dremian/simlink/internal/protocol"
)

var epoch = time.UnixMilli(1700000000123)

func TestDecodeFullPayload(t *testing.T) {
	d := NewDecoder(clocktesting.NewFakePassiveClock(epoch))

	state, err := d.Decode(nil, protocol.Telemetry{
		Position:      protocol.Fields{"latitude": 50.45, "longitude": 30.52, "altitude": 100.0},
		Orientation:   protocol.Fields{"roll": 1.0, "pitch": 2.0, "yaw": 270.0},
		Velocity:      protocol.Fields{"vx": 3.0, "vy": -1.0, "vz": 0.5},
		RotationRates: protocol.Fields{"rollRate": 0.1, "pitchRate": 0.2, "yawRate": 0.3},
		Timestamp:     1234.0,
	})
	require.NoError(t, err)

	assert.Equal(t, DroneState{
		Position:      Position{Latitude: 50.45, Longitude: 30.52, Altitude: 100},
		Orientation:   Orientation{Roll: 1, Pitch: 2, Yaw: 270},
		Velocity:      Velocity{VX: 3, VY: -1, VZ: 0.5},
		RotationRates: RotationRates{RollRate: 0.1, PitchRate: 0.2, YawRate: 0.3},
		Timestamp:     1234,
	}, *state)
}

func TestDecodePartialCarriesPrevious(t *testing.T) {
	d := NewDecoder(clocktesting.NewFakePassiveClock(epoch))

	first, err := d.Decode(nil, protocol.Telemetry{
		Position: protocol.Fields{"latitude": 1.0, "longitude": 2.0, "altitude": 3.0},
		Velocity: protocol.Fields{"vx": 4.0},
	})
	require.NoError(t, err)
	assert.Equal(t, epoch.UnixMilli(), first.Timestamp)
	assert.Zero(t, first.Orientation)

	second, err := d.Decode(first, protocol.Telemetry{
		Position:  protocol.Fields{"altitude": 10.0},
		Timestamp: 99.0,
	})
	require.NoError(t, err)

	assert.Equal(t, Position{Latitude: 1, Longitude: 2, Altitude: 10}, second.Position)
	assert.Equal(t, Velocity{VX: 4}, second.Velocity)
	assert.Equal(t, int64(99), second.Timestamp)

	// Snapshots are never modified in place.
	assert.Equal(t, 3.0, first.Position.Altitude)
	assert.NotSame(t, first, second)
}

func TestDecodeMalformedKeepsPrevious(t *testing.T) {
	d := NewDecoder(clocktesting.NewFakePassiveClock(epoch))

	prev, err := d.Decode(nil, protocol.Telemetry{Position: protocol.Fields{"latitude": 5.0}})
	require.NoError(t, err)

	tests := []struct {
		name string
		in   protocol.Telemetry
	}{
		{"string latitude", protocol.Telemetry{Position: protocol.Fields{"latitude": "north"}}},
		{"bool yaw", protocol.Telemetry{Orientation: protocol.Fields{"yaw": true}}},
		{"object vx", protocol.Telemetry{Velocity: protocol.Fields{"vx": map[string]any{}}}},
		{"string timestamp", protocol.Telemetry{Timestamp: "now"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Decode(prev, tt.in)
			var fe *FieldError
			require.ErrorAs(t, err, &fe)
			assert.Same(t, prev, got)
		})
	}
}

func TestDecodeMalformedWithoutPrevious(t *testing.T) {
	d := NewDecoder(nil)

	got, err := d.Decode(nil, protocol.Telemetry{Position: protocol.Fields{"latitude": "x"}})
	assert.Error(t, err)
	assert.Nil(t, got)
}

func TestDecodeIgnoresUnknownAndNullKeys(t *testing.T) {
	d := NewDecoder(clocktesting.NewFakePassiveClock(epoch))

	state, err := d.Decode(nil, protocol.Telemetry{
		Position: protocol.Fields{"latitude": 7.0, "longitude": nil, "heading": "NE"},
	})
	require.NoError(t, err)
	assert.Equal(t, Position{Latitude: 7}, state.Position)
}
