package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type flakyRenewStore struct {
	Store
	renewals atomic.Int32
}

func (s *flakyRenewStore) Renew(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	s.renewals.Add(1)
	return false, errors.New("store unreachable")
}

func TestRenewalKeepsLeaseAlive(t *testing.T) {
	s := NewMemoryStore(nil)
	r := NewRenewalRegistry(s, nil)
	defer r.Close()
	ctx := context.Background()

	const lease = 60 * time.Millisecond
	if res, _ := s.TryAcquire(ctx, "k", "a", lease); !res.Acquired {
		t.Fatal("expected acquire")
	}
	r.Schedule("k", "a", lease)
	r.Schedule("k", "a", lease)
	if r.Len() != 1 {
		t.Fatalf("duplicate schedule registered %d renewals", r.Len())
	}

	time.Sleep(4 * lease)
	if locked, _ := s.IsLocked(ctx, "k"); !locked {
		t.Fatal("renewed lock expired")
	}
	if !r.Active("k", "a") {
		t.Fatal("renewal should still be active")
	}
}

func TestRenewalStopsWhenOwnerGone(t *testing.T) {
	s := NewMemoryStore(nil)
	r := NewRenewalRegistry(s, nil)
	defer r.Close()
	ctx := context.Background()

	const lease = 30 * time.Millisecond
	_, _ = s.TryAcquire(ctx, "k", "a", lease)
	r.Schedule("k", "a", lease)
	if ok, _ := s.ForceUnlock(ctx, "k", "c"); !ok {
		t.Fatal("expected force unlock")
	}
	waitFor(t, "renewal to stop", func() bool { return !r.Active("k", "a") })
}

func TestRenewalErrorsAreRetried(t *testing.T) {
	s := &flakyRenewStore{Store: NewMemoryStore(nil)}
	r := NewRenewalRegistry(s, nil)
	defer r.Close()

	r.Schedule("k", "a", 30*time.Millisecond)
	waitFor(t, "several renewal attempts", func() bool { return s.renewals.Load() >= 3 })
	if !r.Active("k", "a") {
		t.Fatal("renewal errors must not stop the renewal")
	}
}

func TestRenewalCancel(t *testing.T) {
	s := NewMemoryStore(nil)
	r := NewRenewalRegistry(s, nil)
	defer r.Close()

	r.Schedule("k", "a", time.Minute)
	r.Schedule("k", "b", time.Minute)
	r.Schedule("other", "a", time.Minute)

	r.Cancel("k", "a")
	if r.Active("k", "a") || !r.Active("k", "b") {
		t.Fatal("cancel removed the wrong renewal")
	}
	r.CancelKey("k")
	if r.Active("k", "b") || !r.Active("other", "a") {
		t.Fatal("cancel key removed the wrong renewals")
	}
	r.Close()
	if r.Len() != 0 {
		t.Fatalf("close left %d renewals", r.Len())
	}
}

func TestRenewalScheduleAfterClose(t *testing.T) {
	r := NewRenewalRegistry(NewMemoryStore(nil), nil)
	r.Close()
	r.Schedule("k", "a", time.Minute)
	if r.Len() != 0 || r.Active("k", "a") {
		t.Fatal("closed registry accepted a renewal")
	}
}
