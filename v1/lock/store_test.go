package lock

import (
	"context"
	"testing"
	"time"

	"github.com/mirkobrombin/warplock/v1/syncbus"
)

// testStoreContract drives a store through the full acquire, reenter,
// release and force-unlock cycle. bus must observe the store's unlock
// messages.
func testStoreContract(t *testing.T, s Store, bus syncbus.Bus) {
	t.Helper()
	ctx := context.Background()
	const key, channel = "lock:contract", "lock-channel:contract"

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := bus.Subscribe(subCtx, channel)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 2; i++ {
		res, err := s.TryAcquire(ctx, key, "a", time.Minute)
		if err != nil || !res.Acquired {
			t.Fatalf("acquire %d by a: %+v %v", i, res, err)
		}
	}
	if n, err := s.HoldCount(ctx, key, "a"); err != nil || n != 2 {
		t.Fatalf("expected hold count 2, got %d %v", n, err)
	}

	res, err := s.TryAcquire(ctx, key, "b", time.Minute)
	if err != nil {
		t.Fatalf("acquire by b: %v", err)
	}
	if res.Acquired {
		t.Fatal("b acquired a lock held by a")
	}
	if res.Remaining <= 0 || res.Remaining > time.Minute {
		t.Fatalf("unexpected remaining lease %v", res.Remaining)
	}

	if out, err := s.Release(ctx, key, channel, "b", time.Minute); err != nil || out != ReleaseNotOwner {
		t.Fatalf("release by b: %v %v", out, err)
	}
	if n, _ := s.HoldCount(ctx, key, "a"); n != 2 {
		t.Fatalf("not-owner release changed hold count to %d", n)
	}

	if out, err := s.Release(ctx, key, channel, "a", time.Minute); err != nil || out != ReleaseStillHeld {
		t.Fatalf("first release by a: %v %v", out, err)
	}
	if n, _ := s.HoldCount(ctx, key, "a"); n != 1 {
		t.Fatalf("expected hold count 1, got %d", n)
	}
	if locked, err := s.IsLocked(ctx, key); err != nil || !locked {
		t.Fatalf("expected locked, got %v %v", locked, err)
	}

	if ok, err := s.Renew(ctx, key, "a", time.Minute); err != nil || !ok {
		t.Fatalf("renew by a: %v %v", ok, err)
	}
	if ok, err := s.Renew(ctx, key, "b", time.Minute); err != nil || ok {
		t.Fatalf("renew by b: %v %v", ok, err)
	}
	if d, err := s.RemainingLease(ctx, key); err != nil || d <= 0 {
		t.Fatalf("expected positive remaining lease, got %v %v", d, err)
	}

	if out, err := s.Release(ctx, key, channel, "a", time.Minute); err != nil || out != ReleaseReleased {
		t.Fatalf("last release by a: %v %v", out, err)
	}
	expectUnlockEvent(t, events)
	if locked, _ := s.IsLocked(ctx, key); locked {
		t.Fatal("expected lock to be free")
	}
	if d, _ := s.RemainingLease(ctx, key); d != 0 {
		t.Fatalf("expected zero remaining lease on free lock, got %v", d)
	}

	if out, err := s.Release(ctx, key, channel, "a", time.Minute); err != nil || out != ReleaseAlreadyFree {
		t.Fatalf("release of free lock: %v %v", out, err)
	}
	expectUnlockEvent(t, events)

	if res, err := s.TryAcquire(ctx, key, "b", time.Minute); err != nil || !res.Acquired {
		t.Fatalf("acquire by b after release: %+v %v", res, err)
	}
	if ok, err := s.ForceUnlock(ctx, key, channel); err != nil || !ok {
		t.Fatalf("force unlock: %v %v", ok, err)
	}
	expectUnlockEvent(t, events)
	if ok, err := s.ForceUnlock(ctx, key, channel); err != nil || ok {
		t.Fatalf("force unlock of free lock: %v %v", ok, err)
	}
	if n, _ := s.HoldCount(ctx, key, "b"); n != 0 {
		t.Fatalf("expected no hold after force unlock, got %d", n)
	}
}

func expectUnlockEvent(t *testing.T, events <-chan syncbus.Event) {
	t.Helper()
	select {
	case evt := <-events:
		if evt.Payload != UnlockMessage {
			t.Fatalf("unexpected payload %q", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unlock message")
	}
}

func TestReleaseOutcomeString(t *testing.T) {
	cases := map[ReleaseOutcome]string{
		ReleaseNotOwner:    "not_owner",
		ReleaseReleased:    "released",
		ReleaseStillHeld:   "still_held",
		ReleaseAlreadyFree: "already_free",
		ReleaseOutcome(42): "unknown",
	}
	for out, want := range cases {
		if got := out.String(); got != want {
			t.Fatalf("%d: expected %q, got %q", int(out), want, got)
		}
	}
}
