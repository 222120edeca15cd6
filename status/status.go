// Package status publishes live session snapshots for diagnostics. Nothing
// published here is ever read back by the client.
package status

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshot is the session state at one moment.
type Snapshot struct {
	RunID         string
	DeviceID      string
	Phase         string
	ConnectionID  uint32
	Retries       int
	Speed         int
	Started       bool
	StopRequested bool
	UpdatedAt     time.Time
}

// Fields flattens the snapshot into string hash fields.
func (s Snapshot) Fields() map[string]any {
	return map[string]any{
		"run_id":         s.RunID,
		"device_id":      s.DeviceID,
		"phase":          s.Phase,
		"connection_id":  strconv.FormatUint(uint64(s.ConnectionID), 10),
		"retries":        strconv.Itoa(s.Retries),
		"speed":          strconv.Itoa(s.Speed),
		"started":        strconv.FormatBool(s.Started),
		"stop_requested": strconv.FormatBool(s.StopRequested),
		"updated_at":     s.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Reporter receives snapshots.
type Reporter interface {
	// Report publishes the snapshot.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - snapshot: The state to publish
	//
	// Returns:
	//   - An error if publishing failed
	Report(ctx context.Context, snapshot Snapshot) error
}

// NopReporter discards snapshots.
type NopReporter struct{}

// Report implements Reporter.
func (NopReporter) Report(context.Context, Snapshot) error { return nil }

// RedisReporter stores the latest snapshot as a redis hash that expires when
// the client stops reporting.
type RedisReporter struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisReporter creates a reporter writing to key.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	reporter := NewRedisReporter(client, "motorlink:status:b8:27:eb:00:11:22", time.Minute)
func NewRedisReporter(client *redis.Client, key string, ttl time.Duration) *RedisReporter {
	return &RedisReporter{
		client: client,
		key:    key,
		ttl:    ttl,
	}
}

// Report implements Reporter. The hash write and the expiry are sent in one
// transaction.
func (r *RedisReporter) Report(ctx context.Context, snapshot Snapshot) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key, snapshot.Fields())
	if r.ttl > 0 {
		pipe.Expire(ctx, r.key, r.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis report %s: %w", r.key, err)
	}

	return nil
}

// Key returns the hash key snapshots are written to.
func (r *RedisReporter) Key() string {
	return r.key
}

// Close closes the underlying redis client.
func (r *RedisReporter) Close() error {
	return r.client.Close()
}
