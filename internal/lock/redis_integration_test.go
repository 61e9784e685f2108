//go:build integration

package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func redisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("PARLEY_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	return addr
}

func TestRedis_LockExcludes(t *testing.T) {
	r, err := NewRedis(context.Background(), RedisOpts{Addr: redisAddr(t), TTL: 5 * time.Second, Prefix: "parley:test:", Logger: zerolog.Nop()})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer r.Close()

	release, err := r.Lock(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := r.Lock(ctx, "conv-1"); err == nil {
		t.Fatal("second Lock should fail while held")
	}

	release()
	again, err := r.Lock(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	again()
}
