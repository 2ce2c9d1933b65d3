package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dustin/go-humanize"
	"github.com/redis/go-redis/v9"

	"tangled.org/loom/log"
	"tangled.org/loom/models"
)

const (
	retryAttempts = 3
	retryDelay    = 500 * time.Millisecond
)

// Store is the redis-backed blob store caches live in.
type Store struct {
	*redis.Client
}

func NewStore(addr string) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &Store{rdb}
}

// Cache restores and saves dependency caches around a job. Everything
// here is best-effort: a dead redis, a broken blob or an oversized
// archive downgrade to a cold run, never to a failed job.
type Cache struct {
	store    *Store
	ttl      time.Duration
	maxBytes int64
	l        *slog.Logger
}

func New(ctx context.Context, store *Store, ttl time.Duration, maxBytes int64) *Cache {
	return &Cache{
		store:    store,
		ttl:      ttl,
		maxBytes: maxBytes,
		l:        log.FromContext(ctx).With("component", "cache"),
	}
}

// Key names a cache blob. Blobs are shared across runs but never
// across toolchains; nightly's artifacts must not leak into stable.
func Key(spec *models.CacheSpec, toolchain string) string {
	return fmt.Sprintf("loom:cache:v1:%s:%s", spec.Key, strings.ToLower(strings.TrimSpace(toolchain)))
}

func (c *Cache) enabled(spec *models.CacheSpec) bool {
	return c != nil && c.store != nil && spec != nil && len(spec.Paths) > 0
}

// Restore extracts the cached blob for (spec, toolchain) into dir.
// Reports whether anything was restored.
func (c *Cache) Restore(ctx context.Context, spec *models.CacheSpec, toolchain, dir string) bool {
	if !c.enabled(spec) {
		return false
	}

	key := Key(spec, toolchain)

	blob, err := c.get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.l.Warn("cache fetch failed", "key", key, "error", err)
		}
		return false
	}

	if err := unpack(dir, blob); err != nil {
		c.l.Warn("cache unpack failed", "key", key, "error", err)
		return false
	}

	c.l.Info("cache restored", "key", key, "size", humanize.Bytes(uint64(len(blob))))
	return true
}

// Save archives the configured paths under dir and stores the blob.
func (c *Cache) Save(ctx context.Context, spec *models.CacheSpec, toolchain, dir string) {
	if !c.enabled(spec) {
		return
	}

	key := Key(spec, toolchain)

	blob, err := pack(dir, spec.Paths)
	if err != nil {
		c.l.Warn("cache pack failed", "key", key, "error", err)
		return
	}
	if blob == nil {
		c.l.Debug("nothing to cache", "key", key)
		return
	}
	if c.maxBytes > 0 && int64(len(blob)) > c.maxBytes {
		c.l.Warn("cache blob too large, skipping",
			"key", key,
			"size", humanize.Bytes(uint64(len(blob))),
			"limit", humanize.Bytes(uint64(c.maxBytes)))
		return
	}

	if err := c.put(ctx, key, blob); err != nil {
		c.l.Warn("cache store failed", "key", key, "error", err)
		return
	}

	c.l.Info("cache saved", "key", key, "size", humanize.Bytes(uint64(len(blob))))
}

func (c *Cache) get(ctx context.Context, key string) ([]byte, error) {
	var blob []byte
	err := retry.Do(func() error {
		b, err := c.store.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return retry.Unrecoverable(err)
			}
			return err
		}
		blob = b
		return nil
	}, c.retryOpts(ctx)...)
	return blob, err
}

func (c *Cache) put(ctx context.Context, key string, blob []byte) error {
	return retry.Do(func() error {
		return c.store.Set(ctx, key, blob, c.ttl).Err()
	}, c.retryOpts(ctx)...)
}

func (c *Cache) retryOpts(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(retryAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(retryDelay),
		retry.MaxJitter(retryDelay / 5),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	}
}
