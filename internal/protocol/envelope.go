// Package protocol defines the simlink wire envelope and its codec.
//
// An envelope is one JSON object per websocket message:
//
//	{"type": "<type>", "correlation_id": "<id, optional>", <type-specific fields>}
//
// Decoding also accepts the older form where the type-specific fields are
// nested under "data", and a handful of older type names (see legacy.go).
// Encoding always produces the flat form.
package protocol

import "encoding/json"

// Type is the closed set of envelope type tags.
type Type string

const (
	TypeControl              Type = "control"
	TypeTelemetry            Type = "telemetry"
	TypeCameraFrame          Type = "camera_frame"
	TypeCameraParamsRequest  Type = "camera_params_request"
	TypeCameraParamsResponse Type = "camera_params_response"
	TypePositionSet          Type = "position_set"
	TypeCameraStart          Type = "camera_start"
	TypeCameraStop           Type = "camera_stop"
	TypeError                Type = "error"
	TypeStatus               Type = "status"
)

var knownTypes = map[Type]bool{
	TypeControl:              true,
	TypeTelemetry:            true,
	TypeCameraFrame:          true,
	TypeCameraParamsRequest:  true,
	TypeCameraParamsResponse: true,
	TypePositionSet:          true,
	TypeCameraStart:          true,
	TypeCameraStop:           true,
	TypeError:                true,
	TypeStatus:               true,
}

// Valid reports whether t is one of the known envelope types.
func (t Type) Valid() bool {
	return knownTypes[t]
}

// IsRequest reports whether envelopes of this type must carry a correlation id.
func (t Type) IsRequest() bool {
	return t == TypeCameraParamsRequest
}

// IsResponse reports whether envelopes of this type complete a pending request.
func (t Type) IsResponse() bool {
	return t == TypeCameraParamsResponse
}

// ResponseFor returns the response type expected for a request type, or ""
// when requests of type t are answered by a plain correlation-id echo.
func ResponseFor(t Type) Type {
	if t == TypeCameraParamsRequest {
		return TypeCameraParamsResponse
	}
	return ""
}

// Payload is the type-specific body of an envelope.
type Payload interface {
	MessageType() Type
}

// Envelope is one typed unit of wire communication.
type Envelope struct {
	Type          Type
	CorrelationID string
	Payload       Payload
}

// New wraps p in an envelope of the matching type.
func New(p Payload) Envelope {
	return Envelope{Type: p.MessageType(), Payload: p}
}

// WithCorrelationID returns a copy of e carrying id.
func (e Envelope) WithCorrelationID(id string) Envelope {
	e.CorrelationID = id
	return e
}

// Control carries stick inputs. Roll, pitch and yaw are in [-1, 1],
// throttle in [0, 1].
type Control struct {
	Roll     float64 `json:"roll"`
	Pitch    float64 `json:"pitch"`
	Yaw      float64 `json:"yaw"`
	Throttle float64 `json:"throttle"`
}

func (Control) MessageType() Type { return TypeControl }

// Clamp returns c with every axis forced into its valid range. NaN becomes 0.
func (c Control) Clamp() Control {
	return Control{
		Roll:     clamp(c.Roll, -1, 1),
		Pitch:    clamp(c.Pitch, -1, 1),
		Yaw:      clamp(c.Yaw, -1, 1),
		Throttle: clamp(c.Throttle, 0, 1),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v != v {
		return 0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Fields is a loosely typed telemetry section. Values are kept as decoded so
// the state decoder can tell a malformed number from a missing one.
type Fields map[string]any

// Telemetry is the simulator's periodic state broadcast. Sections may be
// absent on older simulators.
type Telemetry struct {
	Position      Fields `json:"position,omitempty"`
	Orientation   Fields `json:"orientation,omitempty"`
	Velocity      Fields `json:"velocity,omitempty"`
	RotationRates Fields `json:"rotationRates,omitempty"`
	Timestamp     any    `json:"timestamp,omitempty"`
}

func (Telemetry) MessageType() Type { return TypeTelemetry }

// CameraFrame carries one encoded image as base64.
type CameraFrame struct {
	Data     string `json:"data"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

func (CameraFrame) MessageType() Type { return TypeCameraFrame }

// CameraParamsRequest asks the simulator for camera calibration.
type CameraParamsRequest struct{}

func (CameraParamsRequest) MessageType() Type { return TypeCameraParamsRequest }

// CameraParams is the calibration answer.
type CameraParams struct {
	CameraMatrix [][]float64  `json:"camera_matrix"`
	DistCoeffs   Coefficients `json:"dist_coeffs"`
	FrameWidth   int          `json:"frame_width"`
	FrameHeight  int          `json:"frame_height"`
}

func (CameraParams) MessageType() Type { return TypeCameraParamsResponse }

// MarshalJSON writes nil matrices as empty arrays. Decode refuses null for
// these required fields.
func (p CameraParams) MarshalJSON() ([]byte, error) {
	type plain CameraParams
	if p.CameraMatrix == nil {
		p.CameraMatrix = [][]float64{}
	}
	if p.DistCoeffs == nil {
		p.DistCoeffs = Coefficients{}
	}
	return json.Marshal(plain(p))
}

// Position is a geodetic position. Altitude is optional on position_set;
// the simulator snaps to terrain when it is absent.
type Position struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
}

// Orientation is roll/pitch/yaw in degrees (yaw 0 = north, 90 = east).
type Orientation struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// PositionSet teleports the drone.
type PositionSet struct {
	Position    Position     `json:"position"`
	Orientation *Orientation `json:"orientation,omitempty"`
}

func (PositionSet) MessageType() Type { return TypePositionSet }

// CameraStart turns the camera stream on.
type CameraStart struct {
	Width   int     `json:"width"`
	Height  int     `json:"height"`
	Rate    int     `json:"rate"`
	Quality float64 `json:"quality"`
}

func (CameraStart) MessageType() Type { return TypeCameraStart }

// DefaultCameraStart mirrors the simulator's own defaults.
func DefaultCameraStart() CameraStart {
	return CameraStart{Width: 640, Height: 480, Rate: 60, Quality: 0.8}
}

// CameraStop turns the camera stream off.
type CameraStop struct{}

func (CameraStop) MessageType() Type { return TypeCameraStop }

// Error codes the relay attaches to error envelopes.
const (
	CodeNoSimulator        = "no_simulator"
	CodeDuplicateSimulator = "duplicate_simulator"
	CodeSimulatorBusy      = "simulator_busy"
)

// Error reports a failure back to a peer.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (Error) MessageType() Type { return TypeError }

// Status reports simulator presence to clients.
type Status struct {
	Connected bool   `json:"connected"`
	Message   string `json:"message,omitempty"`
}

func (Status) MessageType() Type { return TypeStatus }
