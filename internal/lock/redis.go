package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultTTL is the lock expiry used when none is configured.
const DefaultTTL = 30 * time.Second

// RedisOpts holds parameters for NewRedis.
type RedisOpts struct {
	Addr   string
	TTL    time.Duration
	Prefix string
	Logger zerolog.Logger
}

// Redis is a Locker shared by several workers through a redsync mutex.
type Redis struct {
	client *redis.Client
	rs     *redsync.Redsync
	ttl    time.Duration
	prefix string
	log    zerolog.Logger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOpts) (*Redis, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("lock: redis addr is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "parley:conversation:"
	}

	client := redis.NewClient(&redis.Options{Addr: opts.Addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("lock: connect to redis %s: %w", opts.Addr, err)
	}

	return &Redis{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
		ttl:    ttl,
		prefix: prefix,
		log:    opts.Logger.With().Str("component", "lock").Logger(),
	}, nil
}

// Lock acquires the distributed mutex for key.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	mutex := r.rs.NewMutex(r.prefix+key, redsync.WithExpiry(r.ttl))
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	return func() {
		if _, err := mutex.Unlock(); err != nil {
			r.log.Error().Err(err).Str("key", key).Msg("failed to unlock mutex")
		}
	}, nil
}

// Close releases the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
