package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink implements EventSink on Redis lists. RPUSH preserves append
// order per session, which is the ordering guarantee the engine relies
// on for replaying a session's history.
type RedisSink struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration for the sink.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all event-log keys (default: "agentmesh:events:").
	Prefix string
	// EventTTL is the log expiry duration (0 = never expire).
	EventTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisSink creates a Redis-backed event sink and verifies the
// connection with a ping.
func NewRedisSink(cfg RedisConfig) (*RedisSink, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisSinkFromClient(client, cfg.Prefix, cfg.EventTTL), nil
}

// NewRedisSinkFromClient wraps an existing client (useful for testing
// against miniredis).
func NewRedisSinkFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisSink {
	if prefix == "" {
		prefix = "agentmesh:events:"
	}
	return &RedisSink{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisSink) key(sessionID string) string {
	return r.prefix + sessionID
}

// Append adds an event to the session's Redis list.
func (r *RedisSink) Append(ctx context.Context, sessionID string, event Event) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrSinkClosed
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := r.key(sessionID)
	if err := r.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("rpush event: %w", err)
	}
	if r.ttl > 0 {
		if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
			return fmt.Errorf("set ttl: %w", err)
		}
	}
	return nil
}

// Load retrieves all events for a session in append order.
func (r *RedisSink) Load(ctx context.Context, sessionID string) ([]Event, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrSinkClosed
	}

	raw, err := r.client.LRange(ctx, r.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange events: %w", err)
	}

	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var event Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}

// Close closes the underlying Redis client.
func (r *RedisSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
