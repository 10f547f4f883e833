package lock

import (
	"context"
	"sync"
	"time"

	"github.com/mirkobrombin/warplock/v1/syncbus"
)

type lockState struct {
	owners   map[string]int
	deadline time.Time
}

func (st *lockState) expired(now time.Time) bool {
	return !st.deadline.IsZero() && !now.Before(st.deadline)
}

// MemoryStore implements Store in local memory. Wake messages are
// propagated through a syncbus Bus, so several clients in one process (or
// nodes sharing a bus) can coordinate.
type MemoryStore struct {
	mu    sync.Mutex
	bus   syncbus.Bus
	locks map[string]*lockState
	now   func() time.Time
}

// NewMemoryStore returns a new in-memory store that uses bus to publish
// wake messages.
func NewMemoryStore(bus syncbus.Bus) *MemoryStore {
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	return &MemoryStore{
		bus:   bus,
		locks: make(map[string]*lockState),
		now:   time.Now,
	}
}

// Bus returns the bus wake messages are published on.
func (s *MemoryStore) Bus() syncbus.Bus {
	return s.bus
}

// live returns the state for key, dropping it first if it expired.
// Callers must hold s.mu.
func (s *MemoryStore) live(key string) *lockState {
	st, ok := s.locks[key]
	if !ok {
		return nil
	}
	if st.expired(s.now()) {
		delete(s.locks, key)
		return nil
	}
	return st
}

// TryAcquire implements Store.TryAcquire.
func (s *MemoryStore) TryAcquire(ctx context.Context, key, owner string, lease time.Duration) (AcquireResult, error) {
	if err := ctx.Err(); err != nil {
		return AcquireResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	st := s.live(key)
	if st == nil {
		st = &lockState{owners: make(map[string]int)}
		s.locks[key] = st
	} else if _, ok := st.owners[owner]; !ok {
		if st.deadline.IsZero() {
			return AcquireResult{Remaining: -1}, nil
		}
		return AcquireResult{Remaining: st.deadline.Sub(now)}, nil
	}
	st.owners[owner]++
	st.deadline = now.Add(lease)
	return AcquireResult{Acquired: true}, nil
}

// Release implements Store.Release.
func (s *MemoryStore) Release(ctx context.Context, key, channel, owner string, lease time.Duration) (ReleaseOutcome, error) {
	if err := ctx.Err(); err != nil {
		return ReleaseNotOwner, err
	}
	s.mu.Lock()
	st := s.live(key)
	var out ReleaseOutcome
	switch {
	case st == nil:
		out = ReleaseAlreadyFree
	case st.owners[owner] == 0:
		out = ReleaseNotOwner
	default:
		st.owners[owner]--
		if st.owners[owner] > 0 {
			st.deadline = s.now().Add(lease)
			out = ReleaseStillHeld
		} else {
			delete(s.locks, key)
			out = ReleaseReleased
		}
	}
	s.mu.Unlock()

	if out == ReleaseAlreadyFree || out == ReleaseReleased {
		_ = s.bus.Publish(ctx, channel, UnlockMessage)
	}
	return out, nil
}

// Renew implements Store.Renew.
func (s *MemoryStore) Renew(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.live(key)
	if st == nil || st.owners[owner] == 0 {
		return false, nil
	}
	st.deadline = s.now().Add(lease)
	return true, nil
}

// ForceUnlock implements Store.ForceUnlock.
func (s *MemoryStore) ForceUnlock(ctx context.Context, key, channel string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	st := s.live(key)
	if st != nil {
		delete(s.locks, key)
	}
	s.mu.Unlock()
	if st == nil {
		return false, nil
	}
	_ = s.bus.Publish(ctx, channel, UnlockMessage)
	return true, nil
}

// HoldCount implements Store.HoldCount.
func (s *MemoryStore) HoldCount(ctx context.Context, key, owner string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.live(key); st != nil {
		return st.owners[owner], nil
	}
	return 0, nil
}

// IsLocked implements Store.IsLocked.
func (s *MemoryStore) IsLocked(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(key) != nil, nil
}

// RemainingLease implements Store.RemainingLease.
func (s *MemoryStore) RemainingLease(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.live(key)
	switch {
	case st == nil:
		return 0, nil
	case st.deadline.IsZero():
		return -1, nil
	}
	return st.deadline.Sub(s.now()), nil
}
