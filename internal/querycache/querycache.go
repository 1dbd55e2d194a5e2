// Package querycache caches query execution results keyed by canonicalised
// query text and parameters, scoped by deploy version, with a bounded
// capacity evicted expired-first then oldest-10%-by-insertion-order (§4.J).
package querycache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avaast/appview/internal/platform/logging"
	"github.com/avaast/appview/pkg/atmodel"
)

const (
	defaultTTL      = 60 * time.Second
	defaultCapacity = 10000
	indexKey        = "querycache:index"
	valuePrefix     = "querycache:entry:"
)

// envelope wraps a cached payload with the version it was built against, so a
// version bump invalidates it without a separate sweep.
type envelope struct {
	Version string          `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// Cache is a Redis-backed, capacity-bounded, version-scoped query result cache.
type Cache struct {
	client   *redis.Client
	ttl      time.Duration
	capacity int
	log      *logging.ContextLogger
}

// Config configures a Cache.
type Config struct {
	RedisURL string
	TTL      time.Duration
	Capacity int
	Logger   *logging.ContextLogger
}

// New connects to Redis and returns a Cache.
func New(cfg Config) (*Cache, error) {
	redisURL := cfg.RedisURL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, atmodel.NewStorageError("parse query cache redis url", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewContextLogger(logging.New(logging.DefaultConfig("appview")), nil)
	}

	return &Cache{
		client:   redis.NewClient(opts),
		ttl:      ttl,
		capacity: capacity,
		log:      log.Component("querycache"),
	}, nil
}

// NewWithClient wraps an existing *redis.Client — used in tests against miniredis.
func NewWithClient(client *redis.Client, ttl time.Duration, capacity int, log *logging.ContextLogger) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if log == nil {
		log = logging.NewContextLogger(logging.New(logging.DefaultConfig("appview")), nil)
	}
	return &Cache{client: client, ttl: ttl, capacity: capacity, log: log.Component("querycache")}
}

// Key canonicalises queryText and params into a stable cache key.
func Key(queryText string, params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(queryText))
	for _, k := range keys {
		fmt.Fprintf(h, "\x1f%s=%v", k, params[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get looks up key scoped to version. A version mismatch or expiry is a miss,
// and the stale entry (if any) is removed.
func (c *Cache) Get(ctx context.Context, key, version string) (json.RawMessage, bool, error) {
	raw, err := c.client.Get(ctx, valuePrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, atmodel.NewStorageError("query cache get", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false, atmodel.NewStorageError("query cache decode", err)
	}

	if env.Version != version {
		c.remove(ctx, key)
		return nil, false, nil
	}
	return env.Payload, true, nil
}

// Set stores payload under key scoped to version, enforcing the capacity
// bound before insertion.
func (c *Cache) Set(ctx context.Context, key, version string, payload json.RawMessage) error {
	if err := c.enforceCapacity(ctx); err != nil {
		c.log.WithError(err).Warn("query cache capacity enforcement failed")
	}

	env := envelope{Version: version, Payload: payload}
	raw, err := json.Marshal(env)
	if err != nil {
		return atmodel.NewStorageError("query cache encode", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, valuePrefix+key, raw, c.ttl)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(time.Now().UnixNano()), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return atmodel.NewStorageError("query cache set", err)
	}
	return nil
}

func (c *Cache) remove(ctx context.Context, key string) {
	c.client.Del(ctx, valuePrefix+key)
	c.client.ZRem(ctx, indexKey, key)
}

// enforceCapacity evicts expired index entries (those whose value key no
// longer exists) first, then the oldest 10% by insertion order if the index
// is still at or over capacity.
func (c *Cache) enforceCapacity(ctx context.Context) error {
	members, err := c.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return atmodel.NewStorageError("query cache index scan", err)
	}

	var alive []string
	for _, key := range members {
		exists, err := c.client.Exists(ctx, valuePrefix+key).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			c.client.ZRem(ctx, indexKey, key)
			continue
		}
		alive = append(alive, key)
	}

	if len(alive) < c.capacity {
		return nil
	}

	evictCount := len(alive) / 10
	if evictCount < 1 {
		evictCount = 1
	}
	for i := 0; i < evictCount && i < len(alive); i++ {
		c.remove(ctx, alive[i])
	}
	return nil
}

// Close closes the underlying Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
