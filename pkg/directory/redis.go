package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"carelane/pkg/domain"
)

const keyPrefix = "carelane:party:"

// Redis resolves parties from a shared redis roster so that nodes joining
// a deployment do not need every peer in their local config.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client; tests use it with miniredis.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Lookup(ctx context.Context, name string) (domain.Party, error) {
	raw, err := r.client.Get(ctx, keyPrefix+name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Party{}, fmt.Errorf("%w: %s", ErrUnknownParty, name)
		}
		return domain.Party{}, err
	}
	var p domain.Party
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return domain.Party{}, fmt.Errorf("decode party %s: %w", name, err)
	}
	return p, nil
}

// Register publishes this node's identity to the roster.
func (r *Redis) Register(ctx context.Context, p domain.Party) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, keyPrefix+p.Name, b, 0).Err()
}

func (r *Redis) Close() error { return r.client.Close() }
