package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/docroute/pkg/observability/logger"
)

// ErrKeyNotFound is returned by Get for an absent key.
var ErrKeyNotFound = errors.New("key not found")

// ErrConflict is returned by Update when the key changed under the watch and
// every retry lost the race.
var ErrConflict = errors.New("concurrent update")

// Adapter provides Redis connectivity for shared coordination state.
type Adapter struct {
	client *redis.Client
	logger logger.Logger
	config Config
}

// Config holds Redis connection configuration
type Config struct {
	URL              string
	MaxConns         int
	OperationTimeout time.Duration
	// UpdateRetries bounds optimistic Update attempts. Defaults to 5.
	UpdateRetries int
}

// NewAdapter creates a new Redis adapter with connection pooling
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = cfg.OperationTimeout
	opts.WriteTimeout = cfg.OperationTimeout

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info("Redis connection established",
		"max_conns", cfg.MaxConns,
		"operation_timeout", cfg.OperationTimeout,
	)

	return NewWithClient(client, cfg, log), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, cfg Config, log logger.Logger) *Adapter {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.UpdateRetries <= 0 {
		cfg.UpdateRetries = 5
	}
	return &Adapter{client: client, logger: log, config: cfg}
}

// Client returns the underlying *redis.Client for direct access when needed
func (a *Adapter) Client() *redis.Client {
	return a.client
}

// Ping verifies the Redis connection is alive
func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

// Get retrieves a value from Redis by key
func (a *Adapter) Get(ctx context.Context, key string) (string, error) {
	val, err := a.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return val, nil
}

// Set stores a key-value pair in Redis without expiration
func (a *Adapter) Set(ctx context.Context, key string, value interface{}) error {
	if err := a.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Update reads key under WATCH, passes the current value to fn and writes the
// result in a MULTI/EXEC transaction. The transaction is retried when another
// client modified the key in between. Returning an error from fn aborts.
func (a *Adapter) Update(ctx context.Context, key string, fn func(current string, exists bool) (string, error)) error {
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists = false
		} else if err != nil {
			return err
		}
		next, err := fn(current, exists)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	for i := 0; i < a.config.UpdateRetries; i++ {
		err := a.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			a.logger.Debug("redis optimistic update retried", "key", key, "attempt", i+1)
			continue
		}
		return err
	}
	return fmt.Errorf("update key %s: %w", key, ErrConflict)
}

// Publish sends a message on a channel.
func (a *Adapter) Publish(ctx context.Context, channel, message string) error {
	if err := a.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	return nil
}

// Subscribe delivers channel messages to fn until ctx is done.
func (a *Adapter) Subscribe(ctx context.Context, channel string, fn func(message string)) error {
	sub := a.client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}

// HealthCheck verifies the Redis connection is healthy with a timeout
func (a *Adapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := a.client.Ping(ctx).Err(); err != nil {
		a.logger.Error("Redis health check failed", "error", err)
		return fmt.Errorf("redis health check failed: %w", err)
	}

	return nil
}

// Close gracefully closes the Redis connection
func (a *Adapter) Close() error {
	a.logger.Info("closing Redis connection")

	if err := a.client.Close(); err != nil {
		a.logger.Error("failed to close Redis connection", "error", err)
		return fmt.Errorf("failed to close redis connection: %w", err)
	}

	a.logger.Info("Redis connection closed successfully")
	return nil
}
