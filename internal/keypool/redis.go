package keypool

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
)

// RedisCursor shares rotation positions across replicas with INCR.
type RedisCursor struct {
	Client *redis.Client
	Prefix string
}

func (c RedisCursor) Next(ctx context.Context, kind domain.ProfileKind) (uint64, error) {
	n, err := c.Client.Incr(ctx, c.Prefix+"pool:cursor:"+string(kind)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr cursor: %w", err)
	}
	return uint64(n - 1), nil
}

// RedisCooldowns stores cooldown expiries as keys that expire with them.
type RedisCooldowns struct {
	Client *redis.Client
	Prefix string
	Now    func() time.Time
}

func (c RedisCooldowns) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c RedisCooldowns) key(id string) string {
	return c.Prefix + "pool:cooldown:" + id
}

func (c RedisCooldowns) Mark(ctx context.Context, profileID string, d time.Duration) error {
	until := c.now().Add(d)
	if err := c.Client.Set(ctx, c.key(profileID), until.UnixNano(), d).Err(); err != nil {
		return fmt.Errorf("redis set cooldown: %w", err)
	}
	return nil
}

func (c RedisCooldowns) Active(ctx context.Context, profileIDs []string) (map[string]time.Time, error) {
	res := map[string]time.Time{}
	if len(profileIDs) == 0 {
		return res, nil
	}
	keys := make([]string, len(profileIDs))
	for i, id := range profileIDs {
		keys[i] = c.key(id)
	}
	vals, err := c.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget cooldowns: %w", err)
	}
	now := c.now()
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		nanos, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		until := time.Unix(0, nanos)
		if until.After(now) {
			res[profileIDs[i]] = until
		}
	}
	return res, nil
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
