package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mirkobrombin/warplock/v1/metrics"
)

type renewal struct {
	lease   time.Duration
	timer   *time.Timer
	stopped bool
}

// RenewalRegistry keeps leases of held locks alive. There is at most one
// renewal per (lock key, owner) pair; it fires every lease/3 and stops on
// its own once the owner no longer holds the lock.
type RenewalRegistry struct {
	store  Store
	logger *slog.Logger
	// onLost runs after a renewal finds the owner gone.
	onLost func(key, owner string)

	mu      sync.Mutex
	entries map[holdKey]*renewal
	closed  bool
}

// NewRenewalRegistry returns an empty registry renewing through store.
func NewRenewalRegistry(store Store, logger *slog.Logger) *RenewalRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &RenewalRegistry{
		store:   store,
		logger:  logger,
		entries: make(map[holdKey]*renewal),
	}
}

func renewInterval(lease time.Duration) time.Duration {
	interval := lease / 3
	if interval <= 0 {
		interval = lease
	}
	return interval
}

// Schedule starts renewing key for owner unless a renewal is already
// registered for the pair. It does nothing once the registry is closed.
func (r *RenewalRegistry) Schedule(key, owner string, lease time.Duration) {
	rk := holdKey{key: key, owner: owner}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, ok := r.entries[rk]; ok {
		return
	}
	e := &renewal{lease: lease}
	e.timer = time.AfterFunc(renewInterval(lease), func() { r.fire(rk, e) })
	r.entries[rk] = e
}

func (r *RenewalRegistry) fire(rk holdKey, e *renewal) {
	r.mu.Lock()
	if e.stopped || r.entries[rk] != e {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	interval := renewInterval(e.lease)
	ctx, cancel := context.WithTimeout(context.Background(), interval)
	ok, err := r.store.Renew(ctx, rk.key, rk.owner, e.lease)
	cancel()

	switch {
	case err != nil:
		metrics.RenewalCounter.WithLabelValues("error").Inc()
		r.logger.Warn("warplock: lease renewal failed, retrying next cycle",
			"key", rk.key, "owner", rk.owner, "error", err)
	case !ok:
		metrics.RenewalCounter.WithLabelValues("lost").Inc()
		r.logger.Debug("warplock: owner no longer holds lock, stopping renewal",
			"key", rk.key, "owner", rk.owner)
		r.mu.Lock()
		if r.entries[rk] == e {
			delete(r.entries, rk)
		}
		e.stopped = true
		r.mu.Unlock()
		if r.onLost != nil {
			r.onLost(rk.key, rk.owner)
		}
		return
	default:
		metrics.RenewalCounter.WithLabelValues("renewed").Inc()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e.stopped || r.entries[rk] != e {
		return
	}
	e.timer = time.AfterFunc(interval, func() { r.fire(rk, e) })
}

// Cancel stops the renewal of key for owner, if any.
func (r *RenewalRegistry) Cancel(key, owner string) {
	rk := holdKey{key: key, owner: owner}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[rk]; ok {
		r.stop(rk, e)
	}
}

// CancelKey stops every local renewal of key, whatever the owner.
func (r *RenewalRegistry) CancelKey(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for rk, e := range r.entries {
		if rk.key == key {
			r.stop(rk, e)
		}
	}
}

// Close stops all renewals. Later calls to Schedule are ignored.
func (r *RenewalRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for rk, e := range r.entries {
		r.stop(rk, e)
	}
}

// stop must be called with r.mu held.
func (r *RenewalRegistry) stop(rk holdKey, e *renewal) {
	e.stopped = true
	e.timer.Stop()
	delete(r.entries, rk)
}

// Active reports whether a renewal is registered for key and owner.
func (r *RenewalRegistry) Active(key, owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[holdKey{key: key, owner: owner}]
	return ok
}

// Len returns the number of registered renewals.
func (r *RenewalRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
