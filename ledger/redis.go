package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	x402 "github.com/becomeliminal/x402-router"
)

// DefaultRedisKey is the list holding failures.
const DefaultRedisKey = "x402:settlements:failed"

// RedisStore keeps failures in a capped Redis list.
type RedisStore struct {
	client   *redis.Client
	key      string
	capacity int64
}

// NewRedisClient dials addr and pings it.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		MaxRetries:   3,
		DialTimeout:  800 * time.Millisecond,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisStore creates a store on client. An empty key uses DefaultRedisKey.
func NewRedisStore(client *redis.Client, key string, capacity int) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RedisStore{client: client, key: key, capacity: int64(capacity)}
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, failure x402.SettlementFailure) error {
	payload, err := json.Marshal(failure)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, payload)
	pipe.LTrim(ctx, s.key, 0, s.capacity-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent implements Store. Entries that fail to decode are skipped.
func (s *RedisStore) Recent(ctx context.Context, limit int) ([]x402.SettlementFailure, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	raw, err := s.client.LRange(ctx, s.key, 0, stop).Result()
	if err != nil {
		return nil, err
	}

	out := make([]x402.SettlementFailure, 0, len(raw))
	for _, entry := range raw {
		var failure x402.SettlementFailure
		if err := json.Unmarshal([]byte(entry), &failure); err != nil {
			continue
		}
		out = append(out, failure)
	}
	return out, nil
}
