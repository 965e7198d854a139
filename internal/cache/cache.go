package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"appraisal/server/internal/models"
)

var ErrCacheMiss = errors.New("cache miss")

// KVStore is the key/value backend of the result cache
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

type RedisKVStore struct {
	c *redis.Client
}

func NewRedisKVStore(c *redis.Client) *RedisKVStore { return &RedisKVStore{c: c} }

func (r *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.c.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

// NewRedisClient connects to redis and checks the connection
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// ResultCache stores valuation results keyed by coefficient content and
// request. Results computed from a different snapshot never collide.
type ResultCache struct {
	kv     KVStore
	ttl    time.Duration
	logger *logrus.Logger
}

func NewResultCache(kv KVStore, ttl time.Duration, logger *logrus.Logger) *ResultCache {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)
	}
	return &ResultCache{kv: kv, ttl: ttl, logger: logger}
}

// Key derives the cache key for in evaluated against the snapshot with the
// given fingerprint
func Key(fingerprint string, in models.ValuationInput) (string, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("failed to encode valuation input: %w", err)
	}
	sum := sha256.Sum256(data)
	if len(fingerprint) > 16 {
		fingerprint = fingerprint[:16]
	}
	return "valuation:" + fingerprint + ":" + hex.EncodeToString(sum[:]), nil
}

// Get returns the cached result or ErrCacheMiss
func (c *ResultCache) Get(ctx context.Context, key string) (models.ValuationResult, error) {
	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		return models.ValuationResult{}, err
	}
	var result models.ValuationResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Discarding unreadable cached valuation")
		return models.ValuationResult{}, ErrCacheMiss
	}
	return result, nil
}

// Put stores result under key. Failures are logged and not returned since the
// cache is optional.
func (c *ResultCache) Put(ctx context.Context, key string, result models.ValuationResult) {
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to encode valuation for cache")
		return
	}
	if err := c.kv.Set(ctx, key, string(data), c.ttl); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Failed to cache valuation")
	}
}
