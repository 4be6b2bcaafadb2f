package credstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "backupdesk:auth_token:"

// RedisPersister keeps the credential in Redis so several terminals on
// different hosts can share one session profile.
type RedisPersister struct {
	client redis.UniversalClient
	key    string
}

// RedisOptions configures NewRedisPersister
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Profile  string
}

// NewRedisPersister connects to Redis and verifies the connection
func NewRedisPersister(ctx context.Context, opts RedisOptions) (*RedisPersister, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	return NewRedisPersisterFromClient(rdb, opts.Profile), nil
}

// NewRedisPersisterFromClient wraps an existing client
func NewRedisPersisterFromClient(client redis.UniversalClient, profile string) *RedisPersister {
	if profile == "" {
		profile = "default"
	}
	return &RedisPersister{client: client, key: redisKeyPrefix + profile}
}

// Key returns the redis key the credential is stored under
func (p *RedisPersister) Key() string {
	return p.key
}

func (p *RedisPersister) Save(ctx context.Context, token string, maxAge time.Duration) error {
	if err := p.client.Set(ctx, p.key, token, maxAge).Err(); err != nil {
		return fmt.Errorf("failed to save credential to redis: %w", err)
	}
	return nil
}

func (p *RedisPersister) Load(ctx context.Context) (string, error) {
	token, err := p.client.Get(ctx, p.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load credential from redis: %w", err)
	}
	return token, nil
}

func (p *RedisPersister) Clear(ctx context.Context) error {
	if err := p.client.Del(ctx, p.key).Err(); err != nil {
		return fmt.Errorf("failed to delete credential from redis: %w", err)
	}
	return nil
}

// Close closes the underlying client
func (p *RedisPersister) Close() error {
	return p.client.Close()
}
