// Package telemetry turns telemetry envelopes into drone state snapshots.
package telemetry

import (
	"encoding/json"
	"fmt"
	"math"

	"k8s.io/utils/clock"

	"github.com/dremian/simlink/internal/protocol"
)

type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// Orientation is in degrees.
type Orientation struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Velocity is in m/s.
type Velocity struct {
	VX float64 `json:"vx"`
	VY float64 `json:"vy"`
	VZ float64 `json:"vz"`
}

type RotationRates struct {
	RollRate  float64 `json:"rollRate"`
	PitchRate float64 `json:"pitchRate"`
	YawRate   float64 `json:"yawRate"`
}

// DroneState is an immutable snapshot. Decode always returns a new value and
// never modifies the previous one, so callbacks may keep references.
type DroneState struct {
	Position      Position      `json:"position"`
	Orientation   Orientation   `json:"orientation"`
	Velocity      Velocity      `json:"velocity"`
	RotationRates RotationRates `json:"rotationRates"`
	Timestamp     int64         `json:"timestamp"` // milliseconds
}

// FieldError reports a telemetry field that was present but not a finite
// number. The snapshot is left unchanged when it occurs.
type FieldError struct {
	Section string
	Key     string
	Value   any
}

func (e *FieldError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("telemetry: malformed %s %v", e.Section, e.Value)
	}
	return fmt.Sprintf("telemetry: malformed %s.%s %v", e.Section, e.Key, e.Value)
}

// Decoder converts telemetry payloads. The clock stamps snapshots whose
// payload carries no timestamp.
type Decoder struct {
	clock clock.PassiveClock
}

func NewDecoder(clk clock.PassiveClock) *Decoder {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Decoder{clock: clk}
}

// Decode applies t on top of prev (nil for the first message). Fields the
// payload omits keep their previous value, or zero when never seen.
//
// Decode never fails outright: when a numeric field is malformed it returns
// prev unchanged together with a *FieldError the caller may log.
func (d *Decoder) Decode(prev *DroneState, t protocol.Telemetry) (*DroneState, error) {
	next := DroneState{}
	if prev != nil {
		next = *prev
	}

	sections := []struct {
		name   string
		fields protocol.Fields
		dst    map[string]*float64
	}{
		{"position", t.Position, map[string]*float64{
			"latitude":  &next.Position.Latitude,
			"longitude": &next.Position.Longitude,
			"altitude":  &next.Position.Altitude,
		}},
		{"orientation", t.Orientation, map[string]*float64{
			"roll":  &next.Orientation.Roll,
			"pitch": &next.Orientation.Pitch,
			"yaw":   &next.Orientation.Yaw,
		}},
		{"velocity", t.Velocity, map[string]*float64{
			"vx": &next.Velocity.VX,
			"vy": &next.Velocity.VY,
			"vz": &next.Velocity.VZ,
		}},
		{"rotationRates", t.RotationRates, map[string]*float64{
			"rollRate":  &next.RotationRates.RollRate,
			"pitchRate": &next.RotationRates.PitchRate,
			"yawRate":   &next.RotationRates.YawRate,
		}},
	}

	for _, s := range sections {
		for key, dst := range s.dst {
			raw, ok := s.fields[key]
			if !ok || raw == nil {
				continue
			}
			v, ok := number(raw)
			if !ok {
				return prev, &FieldError{Section: s.name, Key: key, Value: raw}
			}
			*dst = v
		}
	}

	if t.Timestamp == nil {
		next.Timestamp = d.clock.Now().UnixMilli()
	} else {
		ts, ok := number(t.Timestamp)
		if !ok {
			return prev, &FieldError{Section: "timestamp", Value: t.Timestamp}
		}
		next.Timestamp = int64(ts)
	}

	return &next, nil
}

func number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
