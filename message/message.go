// Package message encodes and decodes the JSON control frames exchanged with
// the control server. Inbound frames are decoded into one typed value per
// message type; anything the client does not understand decodes to Unknown.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Message types.
const (
	TypeDevice     = "device"
	TypeStart      = "start"
	TypeStop       = "stop"
	TypeParameters = "parameters"
	TypeCommand    = "command"
)

// CommandStartMotor is the only command the device declares.
const CommandStartMotor = "start motor"

// Heartbeat is the liveness payload sent once per interval while running.
const Heartbeat = "Heartbeat"

// ErrDecode wraps every failure of Decode.
var ErrDecode = errors.New("decode message")

// Message is a decoded inbound frame.
type Message interface {
	// Type returns the wire value of the "type" field.
	Type() string
}

// Start enables command processing.
type Start struct{}

// Stop requests a graceful shutdown.
type Stop struct{}

// Parameters carries parameter updates. Speed is nil when the frame did not
// include a speed value.
type Parameters struct {
	Speed *int
}

// Command asks the device to run a declared command.
type Command struct {
	Name string
}

// Unknown is any frame with a type this client does not handle.
type Unknown struct {
	Kind string
}

func (Start) Type() string      { return TypeStart }
func (Stop) Type() string       { return TypeStop }
func (Parameters) Type() string { return TypeParameters }
func (Command) Type() string    { return TypeCommand }
func (u Unknown) Type() string  { return u.Kind }

type envelope struct {
	Type  *string         `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Decode parses a text frame.
//
// Parameters:
//   - raw: The frame payload
//
// Returns:
//   - The typed message
//   - An error wrapping ErrDecode if the frame is malformed
func Decode(raw string) (Message, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if env.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrDecode)
	}

	switch *env.Type {
	case TypeStart:
		return Start{}, nil
	case TypeStop:
		return Stop{}, nil
	case TypeParameters:
		return decodeParameters(env.Value)
	case TypeCommand:
		return decodeCommand(env.Value)
	default:
		return Unknown{Kind: *env.Type}, nil
	}
}

func decodeParameters(value json.RawMessage) (Message, error) {
	if isNull(value) {
		return nil, fmt.Errorf("%w: parameters without value", ErrDecode)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(value, &fields); err != nil {
		return nil, fmt.Errorf("%w: parameters value: %v", ErrDecode, err)
	}

	var p Parameters
	raw, ok := fields["speed"]
	if !ok || isNull(raw) {
		return p, nil
	}

	speed, err := decodeInt(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: speed: %v", ErrDecode, err)
	}

	p.Speed = &speed
	return p, nil
}

// decodeInt accepts a plain integer or a one-element array, since speed is
// declared as a vec of count 1. Numbers written with a fraction are accepted
// when the fraction is zero, e.g. 42.0.
func decodeInt(raw json.RawMessage) (int, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return wholeNumber(trimmed)
	}

	var vec []json.RawMessage
	if err := json.Unmarshal(trimmed, &vec); err != nil {
		return 0, fmt.Errorf("not an integer: %s", raw)
	}

	if len(vec) != 1 {
		return 0, fmt.Errorf("expected 1 element, got %d", len(vec))
	}

	return wholeNumber(bytes.TrimSpace(vec[0]))
}

func wholeNumber(raw json.RawMessage) (int, error) {
	// json.Number would also take a quoted number
	if len(raw) == 0 || raw[0] == '"' {
		return 0, fmt.Errorf("not an integer: %s", raw)
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("not an integer: %s", raw)
	}

	if i, err := n.Int64(); err == nil && i >= math.MinInt32 && i <= math.MaxInt32 {
		return int(i), nil
	}

	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, fmt.Errorf("not an integer: %s", raw)
	}

	return int(f), nil
}

func decodeCommand(value json.RawMessage) (Message, error) {
	var name string
	if err := json.Unmarshal(value, &name); err != nil || isNull(value) {
		return nil, fmt.Errorf("%w: command value must be a string", ErrDecode)
	}

	return Command{Name: name}, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Encode renders v as a compact JSON text frame.
func Encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	return string(data), nil
}
