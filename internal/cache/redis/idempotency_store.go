package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

// IdempotencyStore shares order results between processes so a key replayed
// against another instance returns the original result.
type IdempotencyStore struct {
	c *Client
}

var _ domain.IdempotencyStore = (*IdempotencyStore)(nil)

func NewIdempotencyStore(c *Client) *IdempotencyStore {
	return &IdempotencyStore{c: c}
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (domain.OrderResult, error) {
	raw, err := s.c.rdb.Get(ctx, s.c.Key("idem", key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.OrderResult{}, fmt.Errorf("redis: idempotency %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("redis: idempotency %s: %w", key, err)
	}
	var res domain.OrderResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.OrderResult{}, fmt.Errorf("redis: decode idempotency %s: %w", key, err)
	}
	return res, nil
}

// SetIfAbsent reports false when the key already held a result.
func (s *IdempotencyStore) SetIfAbsent(ctx context.Context, key string, res domain.OrderResult, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return false, fmt.Errorf("redis: encode idempotency %s: %w", key, err)
	}
	ok, err := s.c.rdb.SetNX(ctx, s.c.Key("idem", key), raw, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: set idempotency %s: %w", key, err)
	}
	return ok, nil
}
