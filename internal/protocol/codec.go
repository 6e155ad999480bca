package protocol

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// ErrMalformedEnvelope is the message-level decode failure. Callers drop the
// single message and keep the connection.
var ErrMalformedEnvelope = stderrors.New("protocol: malformed envelope")

// DecodeError describes why a message could not be decoded.
type DecodeError struct {
	Type   string // type tag as received, may be empty
	Field  string // offending or missing field, may be empty
	Reason string
	Err    error // underlying cause, may be nil
}

func (e *DecodeError) Error() string {
	msg := "protocol: malformed envelope"
	if e.Type != "" {
		msg += fmt.Sprintf(" (type %q)", e.Type)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(": field %q", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is makes every DecodeError match ErrMalformedEnvelope.
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformedEnvelope
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// requiredFields lists the payload fields that must be present per type.
var requiredFields = map[Type][]string{
	TypeControl:              {"roll", "pitch", "yaw", "throttle"},
	TypeCameraFrame:          {"data"},
	TypeCameraParamsResponse: {"camera_matrix", "dist_coeffs", "frame_width", "frame_height"},
	TypePositionSet:          {"position"},
	TypeError:                {"message"},
	TypeStatus:               {"connected"},
}

// reserved keys never belong to a payload.
var reserved = []string{"type", "correlation_id", "sender"}

// Encode renders e in the flat wire form. It only fails for values JSON cannot
// represent (NaN or infinite floats) or a payload that does not match e.Type.
func Encode(e Envelope) ([]byte, error) {
	if e.Payload != nil && e.Payload.MessageType() != e.Type {
		return nil, errors.Errorf("protocol: payload %T does not match envelope type %q", e.Payload, e.Type)
	}

	fields := map[string]json.RawMessage{}
	if e.Payload != nil {
		body, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, errors.Wrapf(err, "protocol: encode %s payload", e.Type)
		}
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, errors.Wrapf(err, "protocol: encode %s payload", e.Type)
		}
	}

	typ, _ := json.Marshal(string(e.Type))
	fields["type"] = typ
	if e.CorrelationID != "" {
		id, _ := json.Marshal(e.CorrelationID)
		fields["correlation_id"] = id
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrapf(err, "protocol: encode %s envelope", e.Type)
	}
	return out, nil
}

// MustEncode is Encode for payloads built from literals. It panics on error.
func MustEncode(e Envelope) []byte {
	b, err := Encode(e)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses one wire message. Any failure is a *DecodeError that matches
// ErrMalformedEnvelope.
func Decode(raw []byte) (Envelope, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return Envelope{}, &DecodeError{Reason: "not a JSON object", Err: err}
	}

	var tag string
	if rawType, ok := top["type"]; !ok {
		return Envelope{}, &DecodeError{Field: "type", Reason: "missing"}
	} else if err := json.Unmarshal(rawType, &tag); err != nil {
		return Envelope{}, &DecodeError{Field: "type", Reason: "not a string"}
	}

	var env Envelope
	if rawID, ok := top["correlation_id"]; ok && !isNull(rawID) {
		if err := json.Unmarshal(rawID, &env.CorrelationID); err != nil {
			return Envelope{}, &DecodeError{Type: tag, Field: "correlation_id", Reason: "not a string"}
		}
	}

	fields := payloadFields(top)

	typ := Type(tag)
	if !typ.Valid() {
		translated, translatedFields, err := translateLegacy(tag, fields)
		if err != nil {
			return Envelope{}, err
		}
		typ, fields = translated, translatedFields
	}
	env.Type = typ

	if typ.IsRequest() && env.CorrelationID == "" {
		return Envelope{}, &DecodeError{Type: tag, Field: "correlation_id", Reason: "missing on request"}
	}
	for _, name := range requiredFields[typ] {
		if v, ok := fields[name]; !ok || isNull(v) {
			return Envelope{}, &DecodeError{Type: tag, Field: name, Reason: "missing"}
		}
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return Envelope{}, &DecodeError{Type: tag, Err: err}
	}
	payload, err := decodePayload(typ, body)
	if err != nil {
		return Envelope{}, &DecodeError{Type: tag, Reason: "bad payload", Err: err}
	}
	env.Payload = payload
	return env, nil
}

// payloadFields picks the type-specific fields: the nested "data" object when
// present, otherwise every non-reserved top-level key.
func payloadFields(top map[string]json.RawMessage) map[string]json.RawMessage {
	if nested, ok := top["data"]; ok {
		var inner map[string]json.RawMessage
		if bytes.HasPrefix(bytes.TrimSpace(nested), []byte("{")) && json.Unmarshal(nested, &inner) == nil {
			return inner
		}
	}

	fields := make(map[string]json.RawMessage, len(top))
	for k, v := range top {
		fields[k] = v
	}
	for _, k := range reserved {
		delete(fields, k)
	}
	return fields
}

func decodePayload(t Type, body []byte) (Payload, error) {
	switch t {
	case TypeControl:
		return unmarshalAs[Control](body)
	case TypeTelemetry:
		return unmarshalAs[Telemetry](body)
	case TypeCameraFrame:
		return unmarshalAs[CameraFrame](body)
	case TypeCameraParamsRequest:
		return CameraParamsRequest{}, nil
	case TypeCameraParamsResponse:
		return unmarshalAs[CameraParams](body)
	case TypePositionSet:
		return unmarshalAs[PositionSet](body)
	case TypeCameraStart:
		return unmarshalAs[CameraStart](body)
	case TypeCameraStop:
		return CameraStop{}, nil
	case TypeError:
		return unmarshalAs[Error](body)
	case TypeStatus:
		return unmarshalAs[Status](body)
	}
	return nil, errors.Errorf("no payload for type %q", t)
}

func unmarshalAs[T Payload](body []byte) (Payload, error) {
	var p T
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Coefficients is a flat list of distortion coefficients. Some simulators
// send them as a single-row matrix; both shapes decode to the flat list.
type Coefficients []float64

func (c *Coefficients) UnmarshalJSON(b []byte) error {
	var flat []float64
	if err := json.Unmarshal(b, &flat); err == nil {
		*c = flat
		return nil
	}
	var nested [][]float64
	if err := json.Unmarshal(b, &nested); err != nil {
		return errors.Wrap(err, "dist_coeffs")
	}
	out := Coefficients{}
	for _, row := range nested {
		out = append(out, row...)
	}
	*c = out
	return nil
}
