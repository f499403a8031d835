package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements NonceStore with SET NX, shared across replicas.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisStore creates a store. Consumed nonces expire after ttl; zero keeps them forever.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, prefix: "paygate:nonce:"}
}

func (s *RedisStore) Use(ctx context.Context, session, nonce string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key(session, nonce), time.Now().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis nonce error: %w", err)
	}
	return ok, nil
}
