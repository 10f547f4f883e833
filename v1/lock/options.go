package lock

import (
	"log/slog"
	"time"
)

const (
	// DefaultKeyPrefix is prepended to lock names to form store keys.
	DefaultKeyPrefix = "lock:"
	// DefaultChannelPrefix is prepended to lock names to form wake channels.
	DefaultChannelPrefix = "lock-channel:"
	// DefaultLeaseTime is the renewed lease used when none is configured.
	DefaultLeaseTime = 30 * time.Second
	// minLease is the resolution of store expiries.
	minLease = time.Millisecond
)

// Options configures a Client.
type Options struct {
	// KeyPrefix namespaces lock names in the store key space.
	KeyPrefix string
	// ChannelPrefix namespaces lock names in the pub/sub channel space.
	ChannelPrefix string
	// LeaseTime is the lease used, and renewed every LeaseTime/3, when no
	// explicit lease is requested.
	LeaseTime time.Duration
	// StoreAttempts bounds retries of store calls that failed before
	// reaching the store.
	StoreAttempts int
	// StoreBackoff is the initial backoff between those retries.
	StoreBackoff time.Duration
	// PollInterval caps each wait while the wake bus is unavailable.
	PollInterval time.Duration
	// BreakerThreshold and BreakerTimeout configure the circuit breaker
	// guarding the wake bus.
	BreakerThreshold int
	BreakerTimeout   time.Duration
	// InstanceID overrides the random process instance id.
	InstanceID string
	Logger     *slog.Logger
}

// Option is a function type for setting client options.
type Option func(*Options)

// WithKeyPrefix sets the store key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) {
		o.KeyPrefix = prefix
	}
}

// WithChannelPrefix sets the wake channel prefix.
func WithChannelPrefix(prefix string) Option {
	return func(o *Options) {
		o.ChannelPrefix = prefix
	}
}

// WithLeaseTime sets the renewed default lease.
func WithLeaseTime(lease time.Duration) Option {
	return func(o *Options) {
		o.LeaseTime = lease
	}
}

// WithStoreRetry sets how many attempts a store call gets when the
// connection cannot be established, and the initial backoff between them.
func WithStoreRetry(attempts int, backoff time.Duration) Option {
	return func(o *Options) {
		o.StoreAttempts = attempts
		o.StoreBackoff = backoff
	}
}

// WithPollInterval sets the polling interval used without a wake bus.
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) {
		o.PollInterval = d
	}
}

// WithBreaker configures the circuit breaker guarding the wake bus.
func WithBreaker(threshold int, timeout time.Duration) Option {
	return func(o *Options) {
		o.BreakerThreshold = threshold
		o.BreakerTimeout = timeout
	}
}

// WithInstanceID overrides the process instance id.
func WithInstanceID(id string) Option {
	return func(o *Options) {
		o.InstanceID = id
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func defaultOptions() *Options {
	return &Options{
		KeyPrefix:        DefaultKeyPrefix,
		ChannelPrefix:    DefaultChannelPrefix,
		LeaseTime:        DefaultLeaseTime,
		StoreAttempts:    3,
		StoreBackoff:     50 * time.Millisecond,
		PollInterval:     100 * time.Millisecond,
		BreakerThreshold: 3,
		BreakerTimeout:   5 * time.Second,
	}
}

func (o *Options) normalize() {
	if o.LeaseTime < minLease {
		o.LeaseTime = DefaultLeaseTime
	}
	if o.StoreAttempts <= 0 {
		o.StoreAttempts = 1
	}
	if o.StoreBackoff <= 0 {
		o.StoreBackoff = 50 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// MutexOption configures a Mutex.
type MutexOption func(*Mutex)

// WithOwner sets the logical owner id of the mutex. Mutexes of one client
// that share an owner id share reentrancy on the same lock name.
func WithOwner(task string) MutexOption {
	return func(m *Mutex) {
		m.owner.Task = task
	}
}
