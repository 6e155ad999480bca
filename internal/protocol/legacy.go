package protocol

import "encoding/json"

// Older simulators and SDKs used a different set of type tags. They are only
// understood on the way in.
const (
	legacyCameraParameters    = "camera_parameters"
	legacyGetCameraParameters = "get_camera_parameters"
	legacyCameraStream        = "camera_stream"
	legacyCommand             = "command"
)

func translateLegacy(tag string, fields map[string]json.RawMessage) (Type, map[string]json.RawMessage, error) {
	switch tag {
	case legacyCameraParameters:
		return TypeCameraParamsResponse, fields, nil

	case legacyGetCameraParameters:
		return TypeCameraParamsRequest, fields, nil

	case legacyCameraStream:
		var active bool
		if raw, ok := fields["active"]; ok {
			if err := json.Unmarshal(raw, &active); err != nil {
				return "", nil, &DecodeError{Type: tag, Field: "active", Reason: "not a bool"}
			}
		}
		out := copyFields(fields)
		delete(out, "active")
		if active {
			return TypeCameraStart, out, nil
		}
		return TypeCameraStop, out, nil

	case legacyCommand:
		var cmd struct {
			Command string `json:"command"`
			Params  struct {
				Latitude  float64  `json:"latitude"`
				Longitude float64  `json:"longitude"`
				Altitude  *float64 `json:"altitude"`
				Roll      float64  `json:"roll"`
				Pitch     float64  `json:"pitch"`
				Yaw       float64  `json:"yaw"`
			} `json:"params"`
		}
		body, _ := json.Marshal(fields)
		if err := json.Unmarshal(body, &cmd); err != nil {
			return "", nil, &DecodeError{Type: tag, Field: "params", Err: err}
		}
		if cmd.Command != "setPosition" {
			return "", nil, &DecodeError{Type: tag, Field: "command", Reason: "unsupported command " + cmd.Command}
		}
		p := cmd.Params
		set := PositionSet{
			Position:    Position{Latitude: p.Latitude, Longitude: p.Longitude, Altitude: p.Altitude},
			Orientation: &Orientation{Roll: p.Roll, Pitch: p.Pitch, Yaw: p.Yaw},
		}
		out := map[string]json.RawMessage{}
		body, _ = json.Marshal(set)
		if err := json.Unmarshal(body, &out); err != nil {
			return "", nil, &DecodeError{Type: tag, Err: err}
		}
		return TypePositionSet, out, nil
	}

	return "", nil, &DecodeError{Type: tag, Field: "type", Reason: "unrecognized type"}
}

func copyFields(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
