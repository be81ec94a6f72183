package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/peerlink/internal/obs"
)

// releaseScript deletes the claim only when this instance still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the claim only when this instance still owns it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisOptions configures a RedisClaimer.
type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	KeyPrefix  string
	InstanceID string
	// TTL bounds how long a claim outlives a crashed instance.
	TTL time.Duration
}

// RedisClaimer reserves server names in redis so several router instances
// behind one load balancer share a single namespace.
type RedisClaimer struct {
	client     *redis.Client
	prefix     string
	instanceID string
	ttl        time.Duration

	mu    sync.Mutex
	owned map[string]struct{}
}

var _ Claimer = (*RedisClaimer)(nil)

func NewRedisClaimer(ctx context.Context, opts RedisOptions) (*RedisClaimer, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "peerlink:server:"
	}
	if opts.InstanceID == "" {
		opts.InstanceID = fmt.Sprintf("peerlink-%d", time.Now().UnixNano())
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	return &RedisClaimer{
		client:     rdb,
		prefix:     opts.KeyPrefix,
		instanceID: opts.InstanceID,
		ttl:        opts.TTL,
		owned:      make(map[string]struct{}),
	}, nil
}

func (c *RedisClaimer) key(name string) string { return c.prefix + name }

func (c *RedisClaimer) Claim(ctx context.Context, name string) error {
	ok, err := c.client.SetNX(ctx, c.key(name), c.instanceID, c.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return ErrNameAlreadyActive
	}
	c.mu.Lock()
	c.owned[name] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *RedisClaimer) Release(ctx context.Context, name string) error {
	c.mu.Lock()
	delete(c.owned, name)
	c.mu.Unlock()
	if err := releaseScript.Run(ctx, c.client, []string{c.key(name)}, c.instanceID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Maintain refreshes the TTL of every name this instance holds until ctx is
// done.
func (c *RedisClaimer) Maintain(ctx context.Context) {
	ticker := time.NewTicker(c.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

func (c *RedisClaimer) refresh(ctx context.Context) {
	c.mu.Lock()
	names := make([]string, 0, len(c.owned))
	for name := range c.owned {
		names = append(names, name)
	}
	c.mu.Unlock()
	for _, name := range names {
		n, err := refreshScript.Run(ctx, c.client, []string{c.key(name)}, c.instanceID, c.ttl.Milliseconds()).Int()
		if err != nil {
			obs.Error("redis.claim.refresh", obs.Fields{"err": err.Error(), "name": name})
			obs.ErrorsTotal.WithLabelValues("redis_refresh").Inc()
			continue
		}
		if n == 0 {
			obs.Warn("redis.claim.lost", obs.Fields{"name": name})
		}
	}
}

func (c *RedisClaimer) Close() error { return c.client.Close() }
