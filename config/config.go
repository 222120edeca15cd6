// Package config loads motorlink settings from an HCL file. Values missing
// from the file keep their defaults; durations are whole milliseconds.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/motorlink/device"
	"github.com/cyberinferno/motorlink/endpoint"
	"github.com/cyberinferno/motorlink/session"
)

// ErrInvalid wraps every Validate failure.
var ErrInvalid = errors.New("invalid config")

// Config is the whole file. Each section mirrors one package's settings.
type Config struct {
	Endpoint EndpointSection `hcl:"endpoint"`
	Session  SessionSection  `hcl:"session"`
	Actuator ActuatorSection `hcl:"actuator"`
	Device   DeviceSection   `hcl:"device"`
	Log      LogSection      `hcl:"log"`
	Redis    RedisSection    `hcl:"redis"`
}

// EndpointSection configures the websocket transport (endpoint.Config).
type EndpointSection struct {
	// Address is the control server; empty means ask on the terminal.
	Address            string `hcl:"address"`
	HandshakeTimeoutMs int    `hcl:"handshake_timeout_ms"`
	WriteTimeoutMs     int    `hcl:"write_timeout_ms"`
	CloseTimeoutMs     int    `hcl:"close_timeout_ms"`
	ReadLimit          int    `hcl:"read_limit"`
	EventBuffer        int    `hcl:"event_buffer"`
}

// SessionSection configures heartbeats, reconnects and timeouts (session.Config).
type SessionSection struct {
	HeartbeatIntervalMs int `hcl:"heartbeat_interval_ms"`
	SettleDelayMs       int `hcl:"settle_delay_ms"`
	MaxRetries          int `hcl:"max_retries"`
	ActuatorTimeoutMs   int `hcl:"actuator_timeout_ms"`
	ReportTimeoutMs     int `hcl:"report_timeout_ms"`
	IdentityTimeoutMs   int `hcl:"identity_timeout_ms"`
}

// ActuatorSection selects the program that drives the motor. The level is
// appended after Args.
type ActuatorSection struct {
	Command string   `hcl:"command"`
	Args    []string `hcl:"args"`
	DryRun  bool     `hcl:"dry_run"`
}

// DeviceSection configures discovery of the identifier sent in the handshake
// (device.Config).
type DeviceSection struct {
	// ID skips discovery when set.
	ID               string   `hcl:"id"`
	Path             string   `hcl:"path"`
	Command          string   `hcl:"command"`
	Args             []string `hcl:"args"`
	CommandTimeoutMs int      `hcl:"command_timeout_ms"`
	CacheTTLMs       int      `hcl:"cache_ttl_ms"`
}

// LogSection configures console and file logging.
type LogSection struct {
	Service string `hcl:"service"`
	Level   string `hcl:"level"`
	// Dir enables daily log files next to the console output.
	Dir string `hcl:"dir"`
}

// RedisSection configures optional status publishing.
type RedisSection struct {
	// Addr enables status reporting when set.
	Addr      string `hcl:"addr"`
	Password  string `hcl:"password"`
	DB        int    `hcl:"db"`
	KeyPrefix string `hcl:"key_prefix"`
	TTLMs     int    `hcl:"ttl_ms"`
}

// Default returns the built-in settings. They reproduce the stock Raspberry
// Pi setup: python motor_control.py as the actuator and MAC_address.txt as
// the device identifier.
func Default() Config {
	ep := endpoint.DefaultConfig()
	ss := session.DefaultConfig("", "")
	dv := device.DefaultConfig()

	return Config{
		Endpoint: EndpointSection{
			HandshakeTimeoutMs: ms(ep.HandshakeTimeout),
			WriteTimeoutMs:     ms(ep.WriteTimeout),
			CloseTimeoutMs:     ms(ep.CloseTimeout),
			ReadLimit:          int(ep.ReadLimit),
			EventBuffer:        ep.EventBuffer,
		},
		Session: SessionSection{
			HeartbeatIntervalMs: ms(ss.HeartbeatInterval),
			SettleDelayMs:       ms(ss.SettleDelay),
			MaxRetries:          ss.MaxRetries,
			ActuatorTimeoutMs:   ms(ss.ActuatorTimeout),
			ReportTimeoutMs:     ms(ss.ReportTimeout),
			IdentityTimeoutMs:   ms(ss.IdentityTimeout),
		},
		Actuator: ActuatorSection{
			Command: "python",
			Args:    []string{"motor_control.py"},
		},
		Device: DeviceSection{
			Path:             dv.Path,
			Command:          dv.Command,
			Args:             dv.Args,
			CommandTimeoutMs: ms(dv.CommandTimeout),
			CacheTTLMs:       ms(dv.CacheTTL),
		},
		Log: LogSection{
			Service: "motorlink",
			Level:   "info",
		},
		Redis: RedisSection{
			KeyPrefix: "motorlink:status:",
			TTLMs:     60000,
		},
	}
}

// Load reads path over Default. An empty path returns the defaults.
//
// Parameters:
//   - path: The HCL file to read, or ""
//
// Returns:
//   - The merged Config
//   - An error if the file cannot be read or parsed
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	bs, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config read %s: %w", path, err)
	}

	if err := Parse(bs, &c); err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}

	return c, nil
}

// Parse decodes HCL source into c, leaving fields the source does not
// mention untouched.
func Parse(src []byte, c *Config) error {
	// the decoder appends to slices, so lists in the file replace the defaults
	actuatorArgs, deviceArgs := c.Actuator.Args, c.Device.Args
	c.Actuator.Args, c.Device.Args = nil, nil

	err := hcl.Unmarshal(src, c)
	if c.Actuator.Args == nil {
		c.Actuator.Args = actuatorArgs
	}
	if c.Device.Args == nil {
		c.Device.Args = deviceArgs
	}

	if err != nil {
		return fmt.Errorf("config unmarshal: %w", err)
	}

	return nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	if c.Endpoint.Address != "" {
		if err := endpoint.ValidateAddress(c.Endpoint.Address); err != nil {
			return fmt.Errorf("%w: endpoint.address: %v", ErrInvalid, err)
		}
	}

	positive := []struct {
		name  string
		value int
	}{
		{"endpoint.handshake_timeout_ms", c.Endpoint.HandshakeTimeoutMs},
		{"endpoint.close_timeout_ms", c.Endpoint.CloseTimeoutMs},
		{"endpoint.read_limit", c.Endpoint.ReadLimit},
		{"endpoint.event_buffer", c.Endpoint.EventBuffer},
		{"session.heartbeat_interval_ms", c.Session.HeartbeatIntervalMs},
		{"session.max_retries", c.Session.MaxRetries},
		{"session.actuator_timeout_ms", c.Session.ActuatorTimeoutMs},
		{"session.report_timeout_ms", c.Session.ReportTimeoutMs},
		{"session.identity_timeout_ms", c.Session.IdentityTimeoutMs},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, p.name, p.value)
		}
	}

	if c.Endpoint.WriteTimeoutMs < 0 {
		return fmt.Errorf("%w: endpoint.write_timeout_ms must not be negative", ErrInvalid)
	}
	if c.Session.SettleDelayMs < 0 {
		return fmt.Errorf("%w: session.settle_delay_ms must not be negative", ErrInvalid)
	}
	if !c.Actuator.DryRun && c.Actuator.Command == "" {
		return fmt.Errorf("%w: actuator.command is required unless dry_run is set", ErrInvalid)
	}
	if c.Device.ID == "" && c.Device.Path == "" {
		return fmt.Errorf("%w: device.id or device.path is required", ErrInvalid)
	}

	return nil
}

// EndpointConfig converts the endpoint section.
func (c Config) EndpointConfig() endpoint.Config {
	return endpoint.Config{
		HandshakeTimeout: dur(c.Endpoint.HandshakeTimeoutMs),
		WriteTimeout:     dur(c.Endpoint.WriteTimeoutMs),
		CloseTimeout:     dur(c.Endpoint.CloseTimeoutMs),
		ReadLimit:        int64(c.Endpoint.ReadLimit),
		EventBuffer:      c.Endpoint.EventBuffer,
	}
}

// SessionConfig converts the session section for the given server and device.
func (c Config) SessionConfig(address, deviceID string) session.Config {
	return session.Config{
		Address:           address,
		DeviceID:          deviceID,
		HeartbeatInterval: dur(c.Session.HeartbeatIntervalMs),
		SettleDelay:       dur(c.Session.SettleDelayMs),
		MaxRetries:        c.Session.MaxRetries,
		ActuatorTimeout:   dur(c.Session.ActuatorTimeoutMs),
		ReportTimeout:     dur(c.Session.ReportTimeoutMs),
		IdentityTimeout:   dur(c.Session.IdentityTimeoutMs),
	}
}

// DeviceConfig converts the device section.
func (c Config) DeviceConfig() device.Config {
	return device.Config{
		Path:           c.Device.Path,
		Command:        c.Device.Command,
		Args:           append([]string(nil), c.Device.Args...),
		CommandTimeout: dur(c.Device.CommandTimeoutMs),
		CacheTTL:       dur(c.Device.CacheTTLMs),
	}
}

// RedisOptions returns client options, or nil when reporting is disabled.
func (c Config) RedisOptions() *redis.Options {
	if c.Redis.Addr == "" {
		return nil
	}

	return &redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}

// StatusKey is the redis hash holding the snapshot for deviceID.
func (c Config) StatusKey(deviceID string) string {
	return c.Redis.KeyPrefix + deviceID
}

// StatusTTL is how long a snapshot outlives the last report.
func (c Config) StatusTTL() time.Duration {
	return dur(c.Redis.TTLMs)
}

func ms(d time.Duration) int {
	return int(d / time.Millisecond)
}

func dur(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
