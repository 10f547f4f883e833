package lock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/mirkobrombin/warplock/v1/syncbus"
)

const (
	// DefaultNATSBucket is the key-value bucket used when none is given.
	DefaultNATSBucket = "warplock"
	natsCASRetries    = 16

	// JetStream "wrong last sequence", returned when a revision check fails.
	natsWrongLastSequence nats.ErrorCode = 10071
)

// ErrContention is returned when a compare-and-set loop keeps losing to
// concurrent writers.
var ErrContention = stdErrors.New("warplock: too much contention on lock record")

type natsRecord struct {
	Owners map[string]int `json:"owners"`
	// ExpiresAt is a unix millisecond deadline, zero for no expiry.
	ExpiresAt int64 `json:"expires_at"`
}

func (rec *natsRecord) expired(now time.Time) bool {
	return rec.ExpiresAt > 0 && now.UnixMilli() >= rec.ExpiresAt
}

func (rec *natsRecord) remaining(now time.Time) time.Duration {
	if rec.ExpiresAt == 0 {
		return -1
	}
	return time.Duration(rec.ExpiresAt-now.UnixMilli()) * time.Millisecond
}

// NATSStore implements Store on a JetStream key-value bucket. Every mutation
// is a compare-and-set against the record revision, retried on conflict.
// Expiry is evaluated from the record's deadline against the local clock, so
// clock skew between nodes shortens or lengthens leases by the same amount.
type NATSStore struct {
	kv  nats.KeyValue
	bus syncbus.Bus
	now func() time.Time
}

// NewNATSStore opens (creating if needed) bucket and returns a store that
// publishes wake messages on bus, normally a syncbus.NATSBus on the same
// connection.
func NewNATSStore(js nats.JetStreamContext, bucket string, bus syncbus.Bus) (*NATSStore, error) {
	if bucket == "" {
		bucket = DefaultNATSBucket
	}
	kv, err := js.KeyValue(bucket)
	if stdErrors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "warplock lock records",
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	return &NATSStore{kv: kv, bus: bus, now: time.Now}, nil
}

// Bus returns the bus wake messages are published on.
func (s *NATSStore) Bus() syncbus.Bus {
	return s.bus
}

// natsKey encodes a lock key into the key-value alphabet, which has no ':'.
func natsKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (s *NATSStore) load(key string) (*natsRecord, uint64, error) {
	entry, err := s.kv.Get(natsKey(key))
	if stdErrors.Is(err, nats.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var rec natsRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, 0, fmt.Errorf("decode lock %s: %w", key, err)
	}
	if rec.Owners == nil {
		rec.Owners = make(map[string]int)
	}
	return &rec, entry.Revision(), nil
}

// put writes rec expecting revision rev; rev zero means the key is absent.
func (s *NATSStore) put(key string, rec *natsRecord, rev uint64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if rev == 0 {
		_, err = s.kv.Create(natsKey(key), data)
	} else {
		_, err = s.kv.Update(natsKey(key), data, rev)
	}
	return err
}

func (s *NATSStore) del(key string, rev uint64) error {
	return s.kv.Delete(natsKey(key), nats.LastRevision(rev))
}

func isConflict(err error) bool {
	if stdErrors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return stdErrors.As(err, &apiErr) && apiErr.ErrorCode == natsWrongLastSequence
}

// cas runs fn until its write lands without a revision conflict.
func (s *NATSStore) cas(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt < natsCASRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if !isConflict(err) {
			return err
		}
	}
	return ErrContention
}

// TryAcquire implements Store.TryAcquire.
func (s *NATSStore) TryAcquire(ctx context.Context, key, owner string, lease time.Duration) (AcquireResult, error) {
	var res AcquireResult
	err := s.cas(ctx, func() error {
		rec, rev, err := s.load(key)
		if err != nil {
			return err
		}
		now := s.now()
		if rec == nil || rec.expired(now) {
			rec = &natsRecord{Owners: make(map[string]int)}
		} else if _, ok := rec.Owners[owner]; !ok {
			res = AcquireResult{Remaining: rec.remaining(now)}
			return nil
		}
		rec.Owners[owner]++
		rec.ExpiresAt = now.Add(lease).UnixMilli()
		if err := s.put(key, rec, rev); err != nil {
			return err
		}
		res = AcquireResult{Acquired: true}
		return nil
	})
	return res, err
}

// Release implements Store.Release.
func (s *NATSStore) Release(ctx context.Context, key, channel, owner string, lease time.Duration) (ReleaseOutcome, error) {
	var out ReleaseOutcome
	err := s.cas(ctx, func() error {
		rec, rev, err := s.load(key)
		if err != nil {
			return err
		}
		now := s.now()
		switch {
		case rec == nil:
			out = ReleaseAlreadyFree
			return nil
		case rec.expired(now):
			out = ReleaseAlreadyFree
			return s.del(key, rev)
		case rec.Owners[owner] == 0:
			out = ReleaseNotOwner
			return nil
		}
		rec.Owners[owner]--
		if rec.Owners[owner] > 0 {
			rec.ExpiresAt = now.Add(lease).UnixMilli()
			out = ReleaseStillHeld
			return s.put(key, rec, rev)
		}
		out = ReleaseReleased
		return s.del(key, rev)
	})
	if err != nil {
		return ReleaseNotOwner, err
	}
	if out == ReleaseAlreadyFree || out == ReleaseReleased {
		_ = s.bus.Publish(ctx, channel, UnlockMessage)
	}
	return out, nil
}

// Renew implements Store.Renew.
func (s *NATSStore) Renew(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	var ok bool
	err := s.cas(ctx, func() error {
		rec, rev, err := s.load(key)
		if err != nil {
			return err
		}
		now := s.now()
		if rec == nil || rec.expired(now) || rec.Owners[owner] == 0 {
			ok = false
			return nil
		}
		rec.ExpiresAt = now.Add(lease).UnixMilli()
		if err := s.put(key, rec, rev); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

// ForceUnlock implements Store.ForceUnlock.
func (s *NATSStore) ForceUnlock(ctx context.Context, key, channel string) (bool, error) {
	var removed bool
	err := s.cas(ctx, func() error {
		rec, rev, err := s.load(key)
		if err != nil {
			return err
		}
		if rec == nil {
			removed = false
			return nil
		}
		removed = !rec.expired(s.now())
		return s.del(key, rev)
	})
	if err != nil {
		return false, err
	}
	if removed {
		_ = s.bus.Publish(ctx, channel, UnlockMessage)
	}
	return removed, nil
}

// HoldCount implements Store.HoldCount.
func (s *NATSStore) HoldCount(ctx context.Context, key, owner string) (int, error) {
	rec, _, err := s.load(key)
	if err != nil || rec == nil || rec.expired(s.now()) {
		return 0, err
	}
	return rec.Owners[owner], nil
}

// IsLocked implements Store.IsLocked.
func (s *NATSStore) IsLocked(ctx context.Context, key string) (bool, error) {
	rec, _, err := s.load(key)
	if err != nil {
		return false, err
	}
	return rec != nil && !rec.expired(s.now()), nil
}

// RemainingLease implements Store.RemainingLease.
func (s *NATSStore) RemainingLease(ctx context.Context, key string) (time.Duration, error) {
	rec, _, err := s.load(key)
	if err != nil || rec == nil {
		return 0, err
	}
	now := s.now()
	if rec.expired(now) {
		return 0, nil
	}
	return rec.remaining(now), nil
}
