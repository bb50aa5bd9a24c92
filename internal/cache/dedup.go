package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shohag/notifyrelay/internal/models"
)

// Dedup reserves a (channel, recipient, body) tuple for one message id for
// the length of the dedup window.
type Dedup interface {
	// Claim stores owner under key unless key is already held. When it is,
	// claimed is false and holder is the current owner.
	Claim(ctx context.Context, key, owner string, ttl time.Duration) (claimed bool, holder string, err error)
	// Release drops key only if owner still holds it.
	Release(ctx context.Context, key, owner string) error
}

// Key derives the cache key for a submission tuple.
func Key(channel models.Channel, recipient, body string) string {
	sum := sha256.Sum256([]byte(string(channel) + "|" + recipient + "|" + body))
	return "dedup:" + hex.EncodeToString(sum[:])
}

type RedisDedup struct {
	rdb *redis.Client
}

func NewRedisDedup(rdb *redis.Client) *RedisDedup {
	return &RedisDedup{rdb: rdb}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (c *RedisDedup) Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, string, error) {
	ok, err := c.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, "", nil
	}

	holder, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		ok, err = c.rdb.SetNX(ctx, key, owner, ttl).Result()
		return ok, "", err
	}
	if err != nil {
		return false, "", err
	}
	return false, holder, nil
}

func (c *RedisDedup) Release(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, c.rdb, []string{key}, owner).Err()
}

func (c *RedisDedup) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Nop claims every key. The store's dedup lookup is the only guard.
type Nop struct{}

func (Nop) Claim(context.Context, string, string, time.Duration) (bool, string, error) {
	return true, "", nil
}

func (Nop) Release(context.Context, string, string) error { return nil }
