package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"convergence-trading-bot/config"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore keeps the snapshot under a single key. SET replaces the value
// atomically so readers never see a partial record.
type RedisStore struct {
	client redis.Cmdable
	key    string
	logger zerolog.Logger
}

// NewRedisClient connects to Redis using the shared settings.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Address, err)
	}
	return client, nil
}

// NewRedisStore creates a store writing to key.
func NewRedisStore(client redis.Cmdable, key string, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		key:    key,
		logger: logger.With().Str("component", "Snapshot").Str("key", key).Logger(),
	}
}

// Save stores the summary with no expiry.
func (r *RedisStore) Save(ctx context.Context, s Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

// Load returns the stored summary or the zero Summary.
func (r *RedisStore) Load(ctx context.Context) Summary {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn().Err(err).Msg("Snapshot unreadable, starting fresh")
		}
		return Summary{}
	}

	s, err := decode(data)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Snapshot corrupt, starting fresh")
		return Summary{}
	}
	return s
}
