package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/warplock/v1/errors"
	"github.com/mirkobrombin/warplock/v1/metrics"
	"github.com/mirkobrombin/warplock/v1/syncbus"
)

const reconcileTimeout = 5 * time.Second

// OwnerID identifies who may reenter a lock: a process instance and a
// logical task inside it.
type OwnerID struct {
	Instance string
	Task     string
}

// String returns the owner field stored in the lock record.
func (o OwnerID) String() string {
	return o.Instance + ":" + o.Task
}

// Mutex is a distributed, reentrant lock on one name for one owner. A Mutex
// must not be shared by goroutines that want independent ownership; give
// each its own Mutex (or the same one only if they form one logical owner).
type Mutex struct {
	client  *Client
	name    string
	key     string
	channel string
	owner   OwnerID
}

// Name returns the lock name.
func (m *Mutex) Name() string {
	return m.name
}

// Owner returns the owner identity of the mutex.
func (m *Mutex) Owner() OwnerID {
	return m.owner
}

func (m *Mutex) holdKey() holdKey {
	return holdKey{key: m.key, owner: m.owner.String()}
}

// Lock blocks until the lock is acquired or ctx is done. The lease is the
// client's default and is renewed until the last Unlock.
func (m *Mutex) Lock(ctx context.Context) error {
	_, err := m.acquire(ctx, -1, m.client.opts.LeaseTime, true)
	return err
}

// LockWithLease blocks until the lock is acquired with a fixed lease that
// is never renewed: the lock expires after lease even if still in use.
func (m *Mutex) LockWithLease(ctx context.Context, lease time.Duration) error {
	if lease < minLease {
		return warperrors.ErrInvalidLease
	}
	_, err := m.acquire(ctx, -1, lease, false)
	return err
}

// TryLock makes a single acquisition attempt.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	return m.acquire(ctx, 0, m.client.opts.LeaseTime, true)
}

// TryLockWait waits up to wait for the lock, with a renewed default lease.
// A non-positive wait makes a single attempt.
func (m *Mutex) TryLockWait(ctx context.Context, wait time.Duration) (bool, error) {
	if wait < 0 {
		wait = 0
	}
	return m.acquire(ctx, wait, m.client.opts.LeaseTime, true)
}

// TryLockWaitLease waits up to wait for the lock and holds it for a fixed,
// non-renewed lease.
func (m *Mutex) TryLockWaitLease(ctx context.Context, wait, lease time.Duration) (bool, error) {
	if lease < minLease {
		return false, warperrors.ErrInvalidLease
	}
	if wait < 0 {
		wait = 0
	}
	return m.acquire(ctx, wait, lease, false)
}

// acquire runs the acquisition loop. wait < 0 waits without bound, wait == 0
// makes one attempt.
func (m *Mutex) acquire(ctx context.Context, wait, lease time.Duration, renew bool) (bool, error) {
	c := m.client
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	ctx, span := tracer.Start(ctx, "Mutex.Acquire", trace.WithAttributes(
		attribute.String("warplock.lock", m.name),
		attribute.String("warplock.owner", m.owner.String()),
		attribute.Int64("warplock.lease_ms", lease.Milliseconds()),
	))
	defer span.End()

	res, err := m.tryAcquire(ctx, lease)
	if err != nil {
		return false, m.acquireFailed(span, err)
	}
	if res.Acquired {
		m.onAcquired(span, lease, renew)
		return true, nil
	}
	if wait == 0 {
		metrics.AcquireCounter.WithLabelValues("busy").Inc()
		return false, nil
	}

	start := time.Now()
	var deadline time.Time
	if wait > 0 {
		deadline = start.Add(wait)
	}
	metrics.WaitersGauge.Inc()
	defer func() {
		metrics.WaitersGauge.Dec()
		metrics.WaitHistogram.Observe(time.Since(start).Seconds())
	}()

	var wc *waitChannel
	defer func() {
		if wc != nil {
			c.subs.leave(wc)
		}
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(c.done, func() { cancel(context.Cause(c.done)) })
	defer stop()

	for {
		if err := c.checkOpen(); err != nil {
			return false, m.acquireFailed(span, err)
		}
		if wc == nil {
			if wc, err = m.subscribe(ctx); err != nil {
				return false, m.waitFailed(ctx, span, err)
			}
		}

		// Retry only once subscribed, so a release that happened before the
		// subscription took effect is still observed.
		res, err = m.tryAcquire(ctx, lease)
		if err != nil {
			return false, m.waitFailed(ctx, span, err)
		}
		if res.Acquired {
			span.SetAttributes(attribute.Int64("warplock.wait_ms", time.Since(start).Milliseconds()))
			m.onAcquired(span, lease, renew)
			return true, nil
		}

		bound := res.Remaining
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				metrics.AcquireCounter.WithLabelValues("timeout").Inc()
				span.SetAttributes(attribute.Bool("warplock.timed_out", true))
				return false, nil
			}
			if bound < 0 || left < bound {
				bound = left
			}
		}

		if wc == nil {
			if bound < 0 || bound > c.opts.PollInterval {
				bound = c.opts.PollInterval
			}
			err = pause(ctx, bound)
		} else {
			err = wc.wait(ctx, bound)
		}
		if err != nil {
			return false, m.waitFailed(ctx, span, err)
		}
	}
}

// subscribe joins the wake channel of the lock. A nil channel without error
// means the bus is unavailable and the caller must poll.
func (m *Mutex) subscribe(ctx context.Context) (*waitChannel, error) {
	c := m.client
	if c.subs == nil {
		return nil, nil
	}
	wc, err := c.subs.join(ctx, m.channel)
	if err == nil {
		return wc, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if stdErrors.Is(err, syncbus.ErrCircuitOpen) {
		c.logger.Debug("warplock: wake bus unavailable, polling", "lock", m.name)
	} else {
		c.logger.Warn("warplock: wake subscription failed, polling", "lock", m.name, "error", err)
	}
	return nil, nil
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryAcquire runs one acquisition attempt at the store. When the reply is
// lost in a way that leaves the outcome unknown, the hold count is read back
// to decide whether the attempt was applied.
func (m *Mutex) tryAcquire(ctx context.Context, lease time.Duration) (AcquireResult, error) {
	c := m.client
	hk := m.holdKey()
	before, _ := c.localHold(hk)
	if before > 0 {
		// The local count goes stale when the lock is force-unlocked
		// elsewhere or a fixed lease expires, so the baseline comes from
		// the store.
		var err error
		if before, err = m.HoldCount(ctx); err != nil {
			return AcquireResult{}, err
		}
	}

	var res AcquireResult
	err := c.do(ctx, "acquire", func(ctx context.Context) error {
		var err error
		res, err = c.store.TryAcquire(ctx, hk.key, hk.owner, lease)
		return err
	})
	if err == nil {
		return res, nil
	}
	if !isAmbiguous(err) {
		return AcquireResult{}, err
	}
	return m.reconcileAcquire(ctx, before, lease, err)
}

func (m *Mutex) reconcileAcquire(ctx context.Context, before int, lease time.Duration, cause error) (AcquireResult, error) {
	c := m.client
	hk := m.holdKey()
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileTimeout)
	defer cancel()

	n, err := c.store.HoldCount(rctx, hk.key, hk.owner)
	if err != nil {
		c.logger.Warn("warplock: acquire outcome unknown", "lock", m.name, "error", err)
		return AcquireResult{}, cause
	}
	if n <= before {
		if ctx.Err() != nil {
			return AcquireResult{}, ctx.Err()
		}
		c.logger.Debug("warplock: interrupted acquire was not applied", "lock", m.name, "error", cause)
		return AcquireResult{Remaining: c.opts.PollInterval}, nil
	}
	if ctx.Err() != nil {
		// Applied after the caller gave up: hand the hold back.
		if _, err := c.store.Release(rctx, hk.key, m.channel, hk.owner, lease); err != nil {
			c.logger.Warn("warplock: could not undo interrupted acquire", "lock", m.name, "error", err)
		}
		return AcquireResult{}, ctx.Err()
	}
	c.logger.Debug("warplock: interrupted acquire was applied", "lock", m.name, "error", cause)
	return AcquireResult{Acquired: true}, nil
}

func (m *Mutex) onAcquired(span trace.Span, lease time.Duration, renew bool) {
	c := m.client
	hk := m.holdKey()
	c.addHold(hk, lease)
	if renew {
		c.renewals.Schedule(hk.key, hk.owner, lease)
	}
	metrics.AcquireCounter.WithLabelValues("acquired").Inc()
	span.SetAttributes(attribute.Bool("warplock.acquired", true))
}

// waitFailed reports a failed wait, as ErrClientClosed when the client was
// closed under it.
func (m *Mutex) waitFailed(ctx context.Context, span trace.Span, err error) error {
	if cause := context.Cause(ctx); ctx.Err() != nil && stdErrors.Is(cause, warperrors.ErrClientClosed) {
		err = cause
	}
	return m.acquireFailed(span, err)
}

func (m *Mutex) acquireFailed(span trace.Span, err error) error {
	if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		metrics.AcquireCounter.WithLabelValues("canceled").Inc()
	} else {
		metrics.AcquireCounter.WithLabelValues("error").Inc()
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Unlock releases one level of reentrancy. It returns ErrNotOwner when the
// owner does not hold the lock, including when it was already fully
// released, force-unlocked or expired. A failed round trip is not retried
// once the command may have reached the store.
func (m *Mutex) Unlock(ctx context.Context) error {
	c := m.client
	ctx, span := tracer.Start(ctx, "Mutex.Unlock", trace.WithAttributes(
		attribute.String("warplock.lock", m.name),
		attribute.String("warplock.owner", m.owner.String()),
	))
	defer span.End()

	hk := m.holdKey()
	depth, lease := c.localHold(hk)
	var out ReleaseOutcome
	err := c.do(ctx, "release", func(ctx context.Context) error {
		var err error
		out, err = c.store.Release(ctx, hk.key, m.channel, hk.owner, lease)
		return err
	})
	if err != nil {
		metrics.ReleaseCounter.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	metrics.ReleaseCounter.WithLabelValues(out.String()).Inc()
	span.SetAttributes(attribute.String("warplock.outcome", out.String()))

	switch out {
	case ReleaseStillHeld:
		c.setHolds(hk, max(depth-1, 1))
		return nil
	case ReleaseReleased:
		c.setHolds(hk, 0)
		c.renewals.Cancel(hk.key, hk.owner)
		return nil
	default:
		c.setHolds(hk, 0)
		c.renewals.Cancel(hk.key, hk.owner)
		err := fmt.Errorf("%w: %s", warperrors.ErrNotOwner, m.name)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
}

// ForceUnlock deletes the lock whatever its owner and reports whether
// anything was removed.
func (m *Mutex) ForceUnlock(ctx context.Context) (bool, error) {
	return m.client.ForceUnlock(ctx, m.name)
}

// IsLocked reports whether anyone holds the lock.
func (m *Mutex) IsLocked(ctx context.Context) (bool, error) {
	return m.client.IsLocked(ctx, m.name)
}

// IsHeldByCurrentOwner reports whether the mutex owner holds the lock.
func (m *Mutex) IsHeldByCurrentOwner(ctx context.Context) (bool, error) {
	n, err := m.HoldCount(ctx)
	return n > 0, err
}

// HoldCount returns the reentrancy depth of the owner as seen by the store
// and resynchronises the local view with it.
func (m *Mutex) HoldCount(ctx context.Context) (int, error) {
	c := m.client
	hk := m.holdKey()
	var n int
	err := c.do(ctx, "hold_count", func(ctx context.Context) error {
		var err error
		n, err = c.store.HoldCount(ctx, hk.key, hk.owner)
		return err
	})
	if err != nil {
		return 0, err
	}
	c.setHolds(hk, n)
	return n, nil
}

// RemainingLease returns how long the lock has left before it expires: zero
// when it is free, negative when it carries no expiry.
func (m *Mutex) RemainingLease(ctx context.Context) (time.Duration, error) {
	c := m.client
	var d time.Duration
	err := c.do(ctx, "remaining_lease", func(ctx context.Context) error {
		var err error
		d, err = c.store.RemainingLease(ctx, m.key)
		return err
	})
	return d, err
}
