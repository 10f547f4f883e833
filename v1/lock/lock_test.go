package lock

import (
	"context"
	"testing"
	"time"

	"github.com/mirkobrombin/warplock/v1/syncbus"
)

func TestMemoryStoreContract(t *testing.T) {
	s := NewMemoryStore(nil)
	testStoreContract(t, s, s.Bus())
}

func TestMemoryStoreLeaseExpires(t *testing.T) {
	s := NewMemoryStore(nil)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if res, _ := s.TryAcquire(ctx, "k", "a", time.Second); !res.Acquired {
		t.Fatal("expected acquire")
	}
	now = now.Add(400 * time.Millisecond)
	res, _ := s.TryAcquire(ctx, "k", "b", time.Second)
	if res.Acquired || res.Remaining != 600*time.Millisecond {
		t.Fatalf("expected busy with 600ms left, got %+v", res)
	}

	now = now.Add(600 * time.Millisecond)
	if locked, _ := s.IsLocked(ctx, "k"); locked {
		t.Fatal("lock should have expired")
	}
	if ok, _ := s.Renew(ctx, "k", "a", time.Second); ok {
		t.Fatal("renew of expired lock should fail")
	}
	if res, _ := s.TryAcquire(ctx, "k", "b", time.Second); !res.Acquired {
		t.Fatal("expected b to acquire the expired lock")
	}
	if n, _ := s.HoldCount(ctx, "k", "a"); n != 0 {
		t.Fatalf("expired owner kept hold count %d", n)
	}
}

func TestMemoryStoreStillHeldResetsLease(t *testing.T) {
	s := NewMemoryStore(nil)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = s.TryAcquire(ctx, "k", "a", time.Second)
	_, _ = s.TryAcquire(ctx, "k", "a", time.Second)
	now = now.Add(900 * time.Millisecond)
	if out, _ := s.Release(ctx, "k", "c", "a", 2*time.Second); out != ReleaseStillHeld {
		t.Fatalf("expected still held, got %v", out)
	}
	if d, _ := s.RemainingLease(ctx, "k"); d != 2*time.Second {
		t.Fatalf("expected lease reset to 2s, got %v", d)
	}
}

func TestMemoryStoreHonoursContext(t *testing.T) {
	s := NewMemoryStore(syncbus.NewInMemoryBus())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.TryAcquire(ctx, "k", "a", time.Second); err == nil {
		t.Fatal("expected error on cancelled context")
	}
	if locked, _ := s.IsLocked(context.Background(), "k"); locked {
		t.Fatal("cancelled acquire must not take the lock")
	}
}
