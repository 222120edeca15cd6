package message

// DeviceType is both the device_type and the display name announced to the server.
const DeviceType = "rpi_motor"

// Device is the handshake frame announcing the device and what it accepts.
type Device struct {
	Type  string            `json:"type"`
	Value DeviceDescription `json:"value"`
}

// DeviceDescription describes the device identity, its parameters and commands.
type DeviceDescription struct {
	DeviceID   string            `json:"device_id"`
	DeviceType string            `json:"device_type"`
	Name       string            `json:"name"`
	Parameters []ParameterSchema `json:"parameters"`
	Commands   []CommandSchema   `json:"commands"`
}

// ParameterSchema declares a tunable parameter and its accepted range.
type ParameterSchema struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Datatype string `json:"datatype"`
	Default  int    `json:"default"`
	Min      int    `json:"min"`
	Max      int    `json:"max"`
	Count    int    `json:"count"`
}

// CommandSchema declares a command the server may trigger.
type CommandSchema struct {
	Name     string `json:"name"`
	Datatype string `json:"datatype"`
}

// Speed range declared in the handshake. Incoming values are not clamped to it.
const (
	SpeedMin = 0
	SpeedMax = 100
)

// NewDevice builds the handshake for the motor device.
//
// Parameters:
//   - deviceID: The locally discovered hardware identifier
//
// Returns:
//   - The handshake frame, ready for Encode
func NewDevice(deviceID string) Device {
	return Device{
		Type: TypeDevice,
		Value: DeviceDescription{
			DeviceID:   deviceID,
			DeviceType: DeviceType,
			Name:       DeviceType,
			Parameters: []ParameterSchema{{
				Name:     "speed",
				Type:     "vec",
				Datatype: "int",
				Default:  0,
				Min:      SpeedMin,
				Max:      SpeedMax,
				Count:    1,
			}},
			Commands: []CommandSchema{{
				Name:     CommandStartMotor,
				Datatype: "bool",
			}},
		},
	}
}
