package status

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_Fields(t *testing.T) {
	s := Snapshot{
		RunID:         "run-1",
		DeviceID:      "b8:27:eb:00:11:22",
		Phase:         "Running",
		ConnectionID:  3,
		Retries:       1,
		Speed:         -5,
		Started:       true,
		StopRequested: false,
		UpdatedAt:     time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC),
	}

	assert.Equal(t, map[string]any{
		"run_id":         "run-1",
		"device_id":      "b8:27:eb:00:11:22",
		"phase":          "Running",
		"connection_id":  "3",
		"retries":        "1",
		"speed":          "-5",
		"started":        "true",
		"stop_requested": "false",
		"updated_at":     "2026-10-19T08:30:00Z",
	}, s.Fields())
}

func TestNopReporter(t *testing.T) {
	var r Reporter = NopReporter{}
	assert.NoError(t, r.Report(context.Background(), Snapshot{}))
}

func TestRedisReporter_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	r := NewRedisReporter(client, "motorlink:status:test", time.Minute)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = r.Report(ctx, Snapshot{RunID: "run-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "motorlink:status:test")
	assert.Equal(t, "motorlink:status:test", r.Key())
}
