// Package checkpoint provides an optional Redis-backed run heartbeat.
// The run actor records {status, last step, updated_at} after each
// flush; dashboards use the records to flag runs whose writer
// disappeared without reaching a terminal status. The heartbeat is
// strictly advisory: it is never on the caller's hot path and its
// failures never surface to the run.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trackflow/trackflow/internal/model"
)

// RedisConfig configures the Redis heartbeat backend.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string

	// Password for Redis authentication (optional)
	Password string

	// Database number to use (default: 0)
	Database int

	// Prefix is prepended to all heartbeat keys
	Prefix string

	// TTL expires heartbeats of writers that vanished (0 = keep)
	TTL time.Duration

	// Timeout for Redis operations
	Timeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address: address,
		Prefix:  "trackflow:runs:",
		TTL:     24 * time.Hour,
		Timeout: 2 * time.Second,
	}
}

// Record is one run heartbeat.
type Record struct {
	Experiment string          `json:"experiment"`
	Run        string          `json:"run"`
	Status     model.RunStatus `json:"status"`
	LastStep   *int64          `json:"last_step,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// RedisBackend stores run heartbeats in Redis.
type RedisBackend struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisBackend{cfg: cfg, client: client}, nil
}

func (b *RedisBackend) key(experiment, run string) string {
	return b.cfg.Prefix + experiment + "/" + run
}

// RecordFlush implements the engine's Heartbeat interface. Errors are
// swallowed: a lost heartbeat must never affect the run.
func (b *RedisBackend) RecordFlush(experiment, run string, status model.RunStatus, lastStep *int64) {
	rec := Record{
		Experiment: experiment,
		Run:        run,
		Status:     status,
		LastStep:   lastStep,
		UpdatedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()
	_ = b.client.Set(ctx, b.key(experiment, run), data, b.cfg.TTL).Err()
}

// Load returns the heartbeat for one run, if any.
func (b *RedisBackend) Load(ctx context.Context, experiment, run string) (*Record, error) {
	data, err := b.client.Get(ctx, b.key(experiment, run)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Stale lists runs still marked Running whose heartbeat is older than
// maxAge; these writers likely crashed without closing.
func (b *RedisBackend) Stale(ctx context.Context, maxAge time.Duration) ([]Record, error) {
	var out []Record
	cutoff := time.Now().Add(-maxAge)

	iter := b.client.Scan(ctx, 0, b.cfg.Prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := b.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.Status == model.StatusRunning && rec.UpdatedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
