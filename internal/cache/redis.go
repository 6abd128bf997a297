package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mastodon-ml/relay/internal/config"
)

// RedisCache stores items under "{prefix}:{namespace}:{key}" with the value
// encoded as "{type}:{epoch_seconds}:{payload}". The update time rides in
// the value because the relay trims by age, not by per-key TTL.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis connects to the Redis named in the config. Hosts that look like
// filesystem paths dial a unix socket.
func NewRedis(cfg *config.Config) (*RedisCache, error) {
	network, addr := cfg.RedisAddr()

	rdb := redis.NewClient(&redis.Options{
		Network:      network,
		Addr:         addr,
		Username:     cfg.Redis.User,
		Password:     cfg.Redis.Pass,
		DB:           cfg.Redis.Database,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	return &RedisCache{rdb: rdb, prefix: cfg.Redis.Prefix}, nil
}

func (c *RedisCache) Get(ctx context.Context, namespace, key string) (Item, error) {
	raw, err := c.rdb.Get(ctx, c.key(namespace, key)).Result()
	if err == redis.Nil {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, err
	}

	item, err := decodeValue(raw)
	if err != nil {
		return Item{}, err
	}
	item.Namespace = namespace
	item.Key = key
	return item, nil
}

func (c *RedisCache) Set(ctx context.Context, namespace, key string, value any, valueType string) (Item, error) {
	serialized, err := serialize(value, valueType)
	if err != nil {
		return Item{}, err
	}
	item := Item{
		Namespace: namespace,
		Key:       key,
		Value:     serialized,
		Type:      valueType,
		Updated:   time.Now().UTC().Truncate(time.Second),
	}

	if err := c.rdb.Set(ctx, c.key(namespace, key), encodeValue(item), 0).Err(); err != nil {
		return Item{}, err
	}
	return item, nil
}

func (c *RedisCache) Delete(ctx context.Context, namespace, key string) error {
	return c.rdb.Del(ctx, c.key(namespace, key)).Err()
}

// DeleteOld scans the whole prefix and removes entries whose embedded epoch
// is past the cutoff.
func (c *RedisCache) DeleteOld(ctx context.Context, hours int) error {
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	iter := c.rdb.Scan(ctx, 0, c.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := c.rdb.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		item, err := decodeValue(raw)
		if err != nil || item.Updated.Before(cutoff) {
			if err := c.rdb.Del(ctx, key).Err(); err != nil {
				return err
			}
		}
	}
	return iter.Err()
}

func (c *RedisCache) Namespaces(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var result []string

	iter := c.rdb.Scan(ctx, 0, c.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), c.prefix+":")
		namespace, _, ok := strings.Cut(rest, ":")
		if !ok || seen[namespace] {
			continue
		}
		seen[namespace] = true
		result = append(result, namespace)
	}
	return result, iter.Err()
}

func (c *RedisCache) Keys(ctx context.Context, namespace string) ([]string, error) {
	prefix := c.prefix + ":" + namespace + ":"
	var result []string

	iter := c.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		result = append(result, strings.TrimPrefix(iter.Val(), prefix))
	}
	return result, iter.Err()
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

func (c *RedisCache) key(namespace, key string) string {
	return c.prefix + ":" + namespace + ":" + key
}

func encodeValue(item Item) string {
	return fmt.Sprintf("%s:%d:%s", item.Type, item.Updated.Unix(), item.Value)
}

// decodeValue splits "{type}:{epoch_seconds}:{payload}". The payload may
// itself contain colons, so only the first two separators count.
func decodeValue(raw string) (Item, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return Item{}, fmt.Errorf("malformed cache value %q", raw)
	}
	epoch, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Item{}, fmt.Errorf("malformed cache timestamp %q", parts[1])
	}
	return Item{
		Type:    parts[0],
		Updated: time.Unix(epoch, 0).UTC(),
		Value:   parts[2],
	}, nil
}
