package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keySession = "chanbet:session:%s"

	// TTLSession bounds how long a resumable session record survives;
	// the backend expires abandoned sessions well before this.
	TTLSession = 7 * 24 * time.Hour
)

// Redis persists the resume record in redis, keyed by player address.
// Useful for headless runners that move between processes or hosts; the
// file store remains the default for a single machine.
type Redis struct {
	client  *redis.Client
	ctx     context.Context
	address string
}

func NewRedis(addr, password string, db int, playerAddress string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %v", err)
	}

	return &Redis{
		client:  client,
		ctx:     ctx,
		address: strings.ToLower(playerAddress),
	}, nil
}

func (r *Redis) key() string {
	return fmt.Sprintf(keySession, r.address)
}

func (r *Redis) Load() (*Saved, error) {
	data, err := r.client.Get(r.ctx, r.key()).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session record: %w", err)
	}
	return decodeSaved([]byte(data))
}

func (r *Redis) Save(s Saved) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(r.ctx, r.key(), data, TTLSession).Err()
}

func (r *Redis) Clear() error {
	return r.client.Del(r.ctx, r.key()).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
