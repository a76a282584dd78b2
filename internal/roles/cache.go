package roles

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	cacheVersionKey = "roles:hierarchy:version"
	bumpChannel     = "roles.bump"
)

// Loader reads the full role set.
type Loader interface {
	ListRoles(ctx context.Context) ([]Role, error)
}

// Cache keeps a per-process snapshot of the hierarchy. Readers share the
// snapshot under a read lock; reloads swap it wholesale. Other processes are
// told to drop theirs through a Redis version counter and bump channel.
type Cache struct {
	loader Loader
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	snapshot *Hierarchy
	loadedAt time.Time
	gen      uint64

	group singleflight.Group
}

// NewCache instantiates the hierarchy cache. A ttl <= 0 keeps snapshots until
// they are invalidated; client may be nil for a single process.
func NewCache(loader Loader, client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{loader: loader, client: client, ttl: ttl, logger: logger, now: time.Now}
}

// Hierarchy returns the current snapshot, loading it when missing or stale.
func (c *Cache) Hierarchy(ctx context.Context) (*Hierarchy, error) {
	c.mu.RLock()
	snap, loadedAt, gen := c.snapshot, c.loadedAt, c.gen
	c.mu.RUnlock()
	if snap != nil && (c.ttl <= 0 || c.now().Sub(loadedAt) < c.ttl) {
		return snap, nil
	}
	res, err, _ := c.group.Do("hierarchy:"+strconv.FormatUint(gen, 10), func() (any, error) {
		list, err := c.loader.ListRoles(ctx)
		if err != nil {
			return nil, err
		}
		h := NewHierarchy(list)
		c.mu.Lock()
		if c.gen == gen {
			c.snapshot = h
			c.loadedAt = c.now()
		}
		c.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Hierarchy), nil
}

// Invalidate drops the local snapshot and notifies other processes.
func (c *Cache) Invalidate(ctx context.Context) error {
	c.drop()
	if c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, cacheVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, bumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// Version returns the shared invalidation counter.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return ver, err
}

// ListenForInvalidation subscribes to bump notifications until ctx is done.
func (c *Cache) ListenForInvalidation(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, bumpChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				c.drop()
				c.logger.Debug("role hierarchy invalidated", slog.String("version", msg.Payload))
			}
		}
	}()
	return nil
}

func (c *Cache) drop() {
	c.mu.Lock()
	c.snapshot = nil
	c.gen++
	c.mu.Unlock()
}
