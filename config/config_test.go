package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "motorlink.hcl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	assert.Empty(t, c.Endpoint.Address)
	assert.Equal(t, 1000, c.Session.HeartbeatIntervalMs)
	assert.Equal(t, 2000, c.Session.SettleDelayMs)
	assert.Equal(t, 5, c.Session.MaxRetries)
	assert.Equal(t, "python", c.Actuator.Command)
	assert.Equal(t, []string{"motor_control.py"}, c.Actuator.Args)
	assert.Equal(t, "MAC_address.txt", c.Device.Path)
	assert.Equal(t, "info", c.Log.Level)
	assert.Nil(t, c.RedisOptions())
}

func TestLoad(t *testing.T) {
	t.Run("empty path", func(t *testing.T) {
		c, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default(), c)
	})

	t.Run("overrides keep unset defaults", func(t *testing.T) {
		path := writeConfig(t, `
endpoint {
  address              = "ws://192.168.1.1:7651"
  handshake_timeout_ms = 3000
}

session {
  heartbeat_interval_ms = 500
  max_retries           = 3
}

actuator {
  dry_run = true
}

log {
  level = "debug"
  dir   = "/var/log/motorlink"
}

redis {
  addr = "localhost:6379"
  db   = 2
}
`)
		c, err := Load(path)
		require.NoError(t, err)
		require.NoError(t, c.Validate())

		assert.Equal(t, "ws://192.168.1.1:7651", c.Endpoint.Address)
		assert.Equal(t, 3000, c.Endpoint.HandshakeTimeoutMs)
		assert.Equal(t, Default().Endpoint.WriteTimeoutMs, c.Endpoint.WriteTimeoutMs)
		assert.Equal(t, 500, c.Session.HeartbeatIntervalMs)
		assert.Equal(t, 3, c.Session.MaxRetries)
		assert.Equal(t, 2000, c.Session.SettleDelayMs)
		assert.True(t, c.Actuator.DryRun)
		assert.Equal(t, "python", c.Actuator.Command)
		assert.Equal(t, []string{"motor_control.py"}, c.Actuator.Args)
		assert.Equal(t, "debug", c.Log.Level)
		assert.Equal(t, "/var/log/motorlink", c.Log.Dir)
		assert.Equal(t, "motorlink", c.Log.Service)

		opts := c.RedisOptions()
		require.NotNil(t, opts)
		assert.Equal(t, "localhost:6379", opts.Addr)
		assert.Equal(t, 2, opts.DB)
	})

	t.Run("lists replace defaults", func(t *testing.T) {
		path := writeConfig(t, `
actuator {
  command = "python3"
  args    = ["/opt/motor/motor_control.py"]
}
`)
		c, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "python3", c.Actuator.Command)
		assert.Equal(t, []string{"/opt/motor/motor_control.py"}, c.Actuator.Args)
		assert.Equal(t, []string{"get_mac_addr.sh"}, c.Device.Args)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.hcl"))
		require.Error(t, err)
		assert.ErrorIs(t, err, fs.ErrNotExist)
	})

	t.Run("syntax error", func(t *testing.T) {
		path := writeConfig(t, "endpoint {\n  address = \n")
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), path)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		field  string
	}{
		{name: "http address", modify: func(c *Config) { c.Endpoint.Address = "http://192.168.1.1:7651" }, field: "endpoint.address"},
		{name: "address without host", modify: func(c *Config) { c.Endpoint.Address = "ws://" }, field: "endpoint.address"},
		{name: "zero heartbeat", modify: func(c *Config) { c.Session.HeartbeatIntervalMs = 0 }, field: "session.heartbeat_interval_ms"},
		{name: "zero retries", modify: func(c *Config) { c.Session.MaxRetries = 0 }, field: "session.max_retries"},
		{name: "negative settle delay", modify: func(c *Config) { c.Session.SettleDelayMs = -1 }, field: "session.settle_delay_ms"},
		{name: "negative write timeout", modify: func(c *Config) { c.Endpoint.WriteTimeoutMs = -5 }, field: "endpoint.write_timeout_ms"},
		{name: "no actuator command", modify: func(c *Config) { c.Actuator.Command = "" }, field: "actuator.command"},
		{name: "no device source", modify: func(c *Config) { c.Device.Path = "" }, field: "device.id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(&c)

			err := c.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	t.Run("dry run needs no command", func(t *testing.T) {
		c := Default()
		c.Actuator.Command = ""
		c.Actuator.DryRun = true
		assert.NoError(t, c.Validate())
	})

	t.Run("static device id", func(t *testing.T) {
		c := Default()
		c.Device.Path = ""
		c.Device.ID = "b8:27:eb:00:11:22"
		assert.NoError(t, c.Validate())
	})

	t.Run("zero settle delay", func(t *testing.T) {
		c := Default()
		c.Session.SettleDelayMs = 0
		assert.NoError(t, c.Validate())
	})
}

func TestConversions(t *testing.T) {
	c := Default()
	c.Session.HeartbeatIntervalMs = 250
	c.Redis.TTLMs = 30000

	ep := c.EndpointConfig()
	assert.Equal(t, 10*time.Second, ep.HandshakeTimeout)
	assert.Equal(t, 5*time.Second, ep.WriteTimeout)
	assert.Equal(t, int64(1<<20), ep.ReadLimit)
	assert.Equal(t, 64, ep.EventBuffer)

	ss := c.SessionConfig("ws://10.0.0.2:7651", "b8:27:eb:00:11:22")
	assert.Equal(t, "ws://10.0.0.2:7651", ss.Address)
	assert.Equal(t, "b8:27:eb:00:11:22", ss.DeviceID)
	assert.Equal(t, 250*time.Millisecond, ss.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, ss.SettleDelay)
	assert.Equal(t, 5, ss.MaxRetries)
	assert.Equal(t, 10*time.Second, ss.IdentityTimeout)

	dv := c.DeviceConfig()
	assert.Equal(t, "MAC_address.txt", dv.Path)
	assert.Equal(t, "bash", dv.Command)
	assert.Equal(t, time.Hour, dv.CacheTTL)

	dv.Args[0] = "changed"
	assert.Equal(t, []string{"get_mac_addr.sh"}, c.Device.Args, "conversion must copy args")

	assert.Equal(t, "motorlink:status:b8:27:eb:00:11:22", c.StatusKey("b8:27:eb:00:11:22"))
	assert.Equal(t, 30*time.Second, c.StatusTTL())
}
