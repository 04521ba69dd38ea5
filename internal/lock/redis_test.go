package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/lock"
)

func TestOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		addr    string
		db      int
		wantErr bool
	}{
		{name: "bare address", in: "localhost:6379", addr: "localhost:6379"},
		{name: "url with db", in: "redis://:secret@cache:6380/2", addr: "cache:6380", db: 2},
		{name: "empty", in: "  ", wantErr: true},
		{name: "bad scheme", in: "http://cache:6379", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := lock.Options(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("Options: %v", err)
			}
			if got.Addr != tt.addr || got.DB != tt.db {
				t.Fatalf("addr=%q db=%d", got.Addr, got.DB)
			}
		})
	}
}

func TestRedis_Key(t *testing.T) {
	t.Parallel()

	l := lock.New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}))
	t.Cleanup(func() { _ = l.Close() })
	if got := l.Key("warehouse:silver:members"); got != "lock:warehouse:silver:members" {
		t.Fatalf("Key=%q", got)
	}
}

func TestRedis_LockFailsWhenRedisIsDown(t *testing.T) {
	t.Parallel()

	l := lock.New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond}))
	t.Cleanup(func() { _ = l.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	unlock, err := l.Lock(ctx, "warehouse:bronze:claims")
	if err == nil || unlock != nil {
		t.Fatalf("expected lock error, got unlock=%v err=%v", unlock != nil, err)
	}
}
