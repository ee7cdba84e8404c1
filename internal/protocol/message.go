package protocol

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/pkg/errors"
)

// ErrMalformedMessage wraps every reason an inbound control message is rejected.
var ErrMalformedMessage = errors.New("malformed input message")

// inputMessage is the JSON shape sent by the viewer. Pointers distinguish
// missing fields from zero values. Coordinates may be fractional when the
// viewer scales its canvas.
type inputMessage struct {
	EventType *int64   `json:"eventType"`
	Type      *int64   `json:"type"`
	X         *float64 `json:"x"`
	Y         *float64 `json:"y"`
	KeyCode   *int64   `json:"keyCode"`
}

// ParseInputMessage parses one JSON control message from the viewer.
//
// It returns (nil, nil) when the message names an event kind the bridge does
// not handle; such messages are ignored without being treated as errors.
// Invalid JSON, missing fields and out-of-range values return an error
// wrapping ErrMalformedMessage.
func ParseInputMessage(data []byte) (InputEvent, error) {
	var msg inputMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&msg); err != nil {
		return nil, errors.Wrapf(ErrMalformedMessage, "invalid json: %v", err)
	}

	if msg.EventType == nil {
		return nil, errors.Wrap(ErrMalformedMessage, "missing eventType")
	}

	switch *msg.EventType {
	case int64(EventKindMouse):
		subtype, err := uintField("type", msg.Type, math.MaxUint8)
		if err != nil {
			return nil, err
		}
		x, err := intField("x", msg.X)
		if err != nil {
			return nil, err
		}
		y, err := intField("y", msg.Y)
		if err != nil {
			return nil, err
		}
		return MouseEvent{Type: uint8(subtype), X: x, Y: y}, nil

	case int64(EventKindKeyboard):
		subtype, err := uintField("type", msg.Type, math.MaxUint8)
		if err != nil {
			return nil, err
		}
		keyCode, err := uintField("keyCode", msg.KeyCode, math.MaxUint16)
		if err != nil {
			return nil, err
		}
		return KeyboardEvent{Type: uint8(subtype), KeyCode: uint16(keyCode)}, nil

	default:
		return nil, nil
	}
}

func uintField(name string, v *int64, max int64) (uint64, error) {
	if v == nil {
		return 0, errors.Wrapf(ErrMalformedMessage, "missing %s", name)
	}
	if *v < 0 || *v > max {
		return 0, errors.Wrapf(ErrMalformedMessage, "%s %d out of range [0, %d]", name, *v, max)
	}
	return uint64(*v), nil
}

// intField truncates a coordinate toward zero before the range check.
func intField(name string, v *float64) (int16, error) {
	if v == nil {
		return 0, errors.Wrapf(ErrMalformedMessage, "missing %s", name)
	}
	n := math.Trunc(*v)
	if n < math.MinInt16 || n > math.MaxInt16 {
		return 0, errors.Wrapf(ErrMalformedMessage, "%s %v out of range for int16", name, *v)
	}
	return int16(n), nil
}
