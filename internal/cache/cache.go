package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/metrics"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/monitoring"
)

// Cache provides caching functionality using Redis
type Cache struct {
	client *redis.Client
}

// Progress is the live view of a running task
type Progress struct {
	TaskID    string              `json:"task_id"`
	State     string              `json:"state"`
	Total     int                 `json:"total"`
	Completed int                 `json:"completed"`
	Failed    int                 `json:"failed"`
	Metrics   monitoring.Snapshot `json:"metrics"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Progress Operations

// SetTaskProgress caches the live progress of a task
func (c *Cache) SetTaskProgress(ctx context.Context, progress *Progress, ttl time.Duration) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	key := fmt.Sprintf("task:progress:%s", progress.TaskID)
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetTaskProgress retrieves the live progress of a task. It returns nil on a miss.
func (c *Cache) GetTaskProgress(ctx context.Context, taskID string) (*Progress, error) {
	key := fmt.Sprintf("task:progress:%s", taskID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.RecordCacheAccess("progress", false)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get progress from cache: %w", err)
	}
	metrics.RecordCacheAccess("progress", true)

	var progress Progress
	if err := json.Unmarshal(data, &progress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	return &progress, nil
}

// Stop Flags

// RequestStop flags a task to be stopped by whichever worker runs it
func (c *Cache) RequestStop(ctx context.Context, taskID, reason string, ttl time.Duration) error {
	key := fmt.Sprintf("task:stop:%s", taskID)
	if reason == "" {
		reason = "requested"
	}
	return c.client.Set(ctx, key, reason, ttl).Err()
}

// StopRequested returns the stop reason and whether a stop was requested
func (c *Cache) StopRequested(ctx context.Context, taskID string) (string, bool, error) {
	key := fmt.Sprintf("task:stop:%s", taskID)
	reason, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to check stop flag: %w", err)
	}
	return reason, true, nil
}

// ClearStop removes a task's stop flag
func (c *Cache) ClearStop(ctx context.Context, taskID string) error {
	key := fmt.Sprintf("task:stop:%s", taskID)
	return c.client.Del(ctx, key).Err()
}

// Locking Operations for Distributed Systems

// AcquireLock attempts to acquire a distributed lock
func (c *Cache) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("lock:%s", resource)
	return c.client.SetNX(ctx, key, "locked", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Cache) ReleaseLock(ctx context.Context, resource string) error {
	key := fmt.Sprintf("lock:%s", resource)
	return c.client.Del(ctx, key).Err()
}

// Health check
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
