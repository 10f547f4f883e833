package presets

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"

	"github.com/mirkobrombin/warplock/v1/lock"
)

func TestNewInMemory(t *testing.T) {
	store := lock.NewMemoryStore(nil)
	a := NewInMemory(store)
	b := NewInMemory(store)
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	ma := a.NewMutex("foo")
	if err := ma.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if ok, err := b.NewMutex("foo").TryLock(ctx); err != nil || ok {
		t.Fatalf("second client should not acquire: %v %v", ok, err)
	}
	if err := ma.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	c, err := NewRedis(RedisOptions{Addr: mr.Addr()}, lock.WithLeaseTime(time.Minute))
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	m := c.NewMutex("foo")
	if err := m.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !mr.Exists("lock:foo") {
		t.Fatal("expected lock key in redis")
	}
	if err := m.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if mr.Exists("lock:foo") {
		t.Fatal("expected lock key to be deleted")
	}
}

func TestNewRedisURL(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	c, err := NewRedis(RedisOptions{URL: "redis://" + mr.Addr() + "/0"})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer c.Close()
	if locked, err := c.IsLocked(context.Background(), "foo"); err != nil || locked {
		t.Fatalf("is locked: %v %v", locked, err)
	}

	if _, err := NewRedis(RedisOptions{URL: "://bad"}); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestNewNATS(t *testing.T) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	s := natsserver.RunServer(&opts)
	defer s.Shutdown()

	c, err := NewNATS(NATSOptions{URL: s.ClientURL(), Bucket: "locks"})
	if err != nil {
		t.Fatalf("new nats: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	m := c.NewMutex("foo")
	if err := m.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if locked, _ := c.IsLocked(ctx, "foo"); !locked {
		t.Fatal("expected lock to be held")
	}
	if err := m.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
}
