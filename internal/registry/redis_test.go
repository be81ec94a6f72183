package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

func redisClaimerForTest(t *testing.T, instance string) *RedisClaimer {
	t.Helper()
	addr := os.Getenv("PEERLINK_TEST_REDIS")
	if addr == "" {
		t.Skip("PEERLINK_TEST_REDIS not set")
	}
	c, err := NewRedisClaimer(context.Background(), RedisOptions{
		Addr:       addr,
		KeyPrefix:  fmt.Sprintf("peerlink-test-%d:", time.Now().UnixNano()),
		InstanceID: instance,
		TTL:        5 * time.Second,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisClaimAcrossInstances(t *testing.T) {
	a := redisClaimerForTest(t, "a")
	b := &RedisClaimer{client: a.client, prefix: a.prefix, instanceID: "b", ttl: a.ttl, owned: map[string]struct{}{}}
	ctx := context.Background()

	if err := a.Claim(ctx, "demo"); err != nil {
		t.Fatalf("claim a: %v", err)
	}
	if err := b.Claim(ctx, "demo"); !errors.Is(err, ErrNameAlreadyActive) {
		t.Fatalf("claim b: %v", err)
	}
	// b releasing a name it does not own must not free it.
	if err := b.Release(ctx, "demo"); err != nil {
		t.Fatal(err)
	}
	if err := b.Claim(ctx, "demo"); !errors.Is(err, ErrNameAlreadyActive) {
		t.Fatalf("claim b after foreign release: %v", err)
	}
	if err := a.Release(ctx, "demo"); err != nil {
		t.Fatal(err)
	}
	if err := b.Claim(ctx, "demo"); err != nil {
		t.Fatalf("claim b after release: %v", err)
	}
}
