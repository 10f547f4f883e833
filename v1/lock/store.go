package lock

import (
	"context"
	"time"
)

// UnlockMessage is published on a lock's wake channel whenever it is freed.
const UnlockMessage = "0"

// AcquireResult is the outcome of a single acquisition attempt.
type AcquireResult struct {
	Acquired bool
	// Remaining is how long the current holder's lease has left when the
	// lock is busy. A negative value means the key carries no expiry.
	Remaining time.Duration
}

// ReleaseOutcome reports what a release did at the store.
type ReleaseOutcome int

const (
	// ReleaseNotOwner means the key exists but the owner holds no count on it.
	ReleaseNotOwner ReleaseOutcome = iota
	// ReleaseReleased means the owner's last hold was dropped and the key deleted.
	ReleaseReleased
	// ReleaseStillHeld means the owner still holds the lock at a reduced depth.
	ReleaseStillHeld
	// ReleaseAlreadyFree means the key did not exist.
	ReleaseAlreadyFree
)

func (o ReleaseOutcome) String() string {
	switch o {
	case ReleaseNotOwner:
		return "not_owner"
	case ReleaseReleased:
		return "released"
	case ReleaseStillHeld:
		return "still_held"
	case ReleaseAlreadyFree:
		return "already_free"
	default:
		return "unknown"
	}
}

// Store is the set of atomic store-side operations a lock needs. Every
// method must be atomic at the store: no other client may observe an
// intermediate state.
type Store interface {
	// TryAcquire registers owner on key, creating it with a hold count of one
	// or incrementing an existing hold by owner, and resets the expiry to
	// lease. If another owner holds key it reports the remaining lease.
	TryAcquire(ctx context.Context, key, owner string, lease time.Duration) (AcquireResult, error)
	// Release drops one hold of owner on key. When the last hold goes, or the
	// key is already gone, UnlockMessage is published on channel.
	Release(ctx context.Context, key, channel, owner string, lease time.Duration) (ReleaseOutcome, error)
	// Renew resets the expiry of key to lease if owner still holds it.
	Renew(ctx context.Context, key, owner string, lease time.Duration) (bool, error)
	// ForceUnlock deletes key regardless of its owner and publishes
	// UnlockMessage on channel if anything was removed.
	ForceUnlock(ctx context.Context, key, channel string) (bool, error)
	// HoldCount returns the hold count of owner on key, zero if none.
	HoldCount(ctx context.Context, key, owner string) (int, error)
	// IsLocked reports whether key is held by anyone.
	IsLocked(ctx context.Context, key string) (bool, error)
	// RemainingLease returns the time left before key expires: zero when it
	// does not exist, negative when it has no expiry.
	RemainingLease(ctx context.Context, key string) (time.Duration, error)
}
