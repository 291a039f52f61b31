// Package snapcache keeps rendered export snapshots in Redis so repeated AR
// client fetches do not each read a full version document.
//
// Entries expire after a TTL and are dropped explicitly whenever the admin API
// writes to the underlying map or collections.  Redis failures are logged and
// fall through to the loader.
package snapcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"crimson-map/export"

	"github.com/redis/go-redis/v9"
)

const staticKey = "static"

type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewFromURL connects to redisURL and checks the connection.
func NewFromURL(ctx context.Context, redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("while parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("while connecting to redis: %w", err)
	}

	return New(client, ttl), nil
}

func New(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{
		client: client,
		prefix: "snapshot:",
		ttl:    ttl,
	}
}

func (c *Cache) mapKey(mapID string) string {
	return c.prefix + "map:" + mapID
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func getOrLoad[T any](ctx context.Context, c *Cache, key string, load func(context.Context) (*T, error)) (*T, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == redis.Nil:
	case err != nil:
		slog.WarnContext(ctx, "Snapshot cache read failed", slog.String("key", key), slog.Any("err", err))
	default:
		out := new(T)
		if err := json.Unmarshal(data, out); err == nil {
			return out, nil
		}
		slog.WarnContext(ctx, "Dropping undecodable snapshot cache entry", slog.String("key", key))
	}

	out, err := load(ctx)
	if err != nil {
		return nil, err
	}

	data, err = json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("while marshaling snapshot: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		slog.WarnContext(ctx, "Snapshot cache write failed", slog.String("key", key), slog.Any("err", err))
	}
	return out, nil
}

// MapSnapshot returns the cached snapshot of mapID, calling load on a miss.
func (c *Cache) MapSnapshot(ctx context.Context, mapID string, load func(context.Context) (*export.MapSnapshot, error)) (*export.MapSnapshot, error) {
	return getOrLoad(ctx, c, c.mapKey(mapID), load)
}

func (c *Cache) StaticSnapshot(ctx context.Context, load func(context.Context) (*export.StaticSnapshot, error)) (*export.StaticSnapshot, error) {
	return getOrLoad(ctx, c, c.prefix+staticKey, load)
}

func (c *Cache) InvalidateMap(ctx context.Context, mapID string) error {
	if err := c.client.Del(ctx, c.mapKey(mapID)).Err(); err != nil {
		return fmt.Errorf("while invalidating snapshot of %s: %w", mapID, err)
	}
	return nil
}

func (c *Cache) InvalidateStatic(ctx context.Context) error {
	if err := c.client.Del(ctx, c.prefix+staticKey).Err(); err != nil {
		return fmt.Errorf("while invalidating static snapshot: %w", err)
	}
	return nil
}
