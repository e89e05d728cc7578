package db_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wuwenbin0122/oraltrainer/internal/db"
	"github.com/wuwenbin0122/oraltrainer/internal/utils"
)

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}

	client, err := db.NewRedisClient(context.Background(), utils.RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("failed to connect to redis: %v", err)
	}
	defer client.Close()

	locker := db.NewRedisLocker(client, 5*time.Second)
	key := uuid.NewString()

	unlock, err := locker.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("first lock failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, key); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second lock to time out, got %v", err)
	}

	unlock()

	unlock, err = locker.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("lock after release failed: %v", err)
	}
	unlock()
}
