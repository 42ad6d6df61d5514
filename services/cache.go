package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"custcat-prediction-api/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrCacheMiss = errors.New("cache miss")

// CacheService wraps Redis. Without a client every read misses and every
// write is a no-op, so callers never need to check Available first.
type CacheService struct {
	client *redis.Client
}

func NewCacheService(cfg config.RedisConfig, logger *zap.Logger) (*CacheService, error) {
	if !cfg.Enabled() {
		return &CacheService{}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		lastErr = client.Ping(ctx).Err()
		cancel()
		if lastErr == nil {
			return &CacheService{client: client}, nil
		}
		logger.Warn("redis ping failed",
			zap.Int("attempt", i+1),
			zap.Int("of", attempts),
			zap.Error(lastErr),
		)
		if i < attempts-1 {
			time.Sleep(2 * time.Second)
		}
	}
	_ = client.Close()

	return &CacheService{}, fmt.Errorf("redis ping failed after %d attempts: %w", attempts, lastErr)
}

func NewCacheServiceWithClient(client *redis.Client) *CacheService {
	return &CacheService{client: client}
}

func (s *CacheService) Client() *redis.Client {
	return s.client
}

func (s *CacheService) Available() bool {
	return s != nil && s.client != nil
}

// Get decodes the JSON value at key into dest, or returns ErrCacheMiss.
func (s *CacheService) Get(ctx context.Context, key string, dest interface{}) error {
	if !s.Available() {
		return ErrCacheMiss
	}
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), dest)
}

func (s *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !s.Available() {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

func (s *CacheService) DeletePrefix(ctx context.Context, prefix string) error {
	if !s.Available() {
		return nil
	}
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *CacheService) Publish(ctx context.Context, channel string, message interface{}) error {
	if !s.Available() {
		return nil
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, channel, data).Err()
}

// Subscribe returns nil when Redis is not configured.
func (s *CacheService) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	if !s.Available() {
		return nil
	}
	return s.client.Subscribe(ctx, channel)
}

func (s *CacheService) Ping(ctx context.Context) error {
	if !s.Available() {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

func (s *CacheService) Close() error {
	if !s.Available() {
		return nil
	}
	return s.client.Close()
}
