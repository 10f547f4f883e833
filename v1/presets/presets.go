package presets

import (
	"fmt"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/warplock/v1/lock"
	"github.com/mirkobrombin/warplock/v1/syncbus"
)

// RedisOptions configures the connection to Redis. URL, when set, takes
// precedence over the individual fields.
type RedisOptions struct {
	URL      string
	Addr     string
	Password string
	DB       int
}

// NATSOptions configures the connection to a JetStream enabled NATS server.
type NATSOptions struct {
	URL    string
	Bucket string
}

// Client is a lock client bundled with the connections it owns.
type Client struct {
	*lock.Client
	closers []func()
}

// Close stops the lock client and closes the underlying connections.
func (c *Client) Close() {
	c.Client.Close()
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// NewRedis creates a client using Redis as both the lock store and the
// wake bus.
func NewRedis(opts RedisOptions, lockOpts ...lock.Option) (*Client, error) {
	ro := &redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}
	if opts.URL != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		ro = parsed
	}
	rc := redis.NewClient(ro)

	store := lock.NewRedisStore(rc)
	bus := syncbus.NewRedisBus(rc)
	return &Client{
		Client: lock.NewClient(store, bus, lockOpts...),
		closers: []func(){
			func() { _ = rc.Close() },
			func() { _ = bus.Close() },
		},
	}, nil
}

// NewNATS creates a client storing locks in a JetStream key-value bucket
// and waking waiters over core NATS subjects.
func NewNATS(opts NATSOptions, lockOpts ...lock.Option) (*Client, error) {
	url := opts.URL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("warplock"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	bus := syncbus.NewNATSBus(conn)
	store, err := lock.NewNATSStore(js, opts.Bucket, bus)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{
		Client:  lock.NewClient(store, bus, lockOpts...),
		closers: []func(){conn.Close},
	}, nil
}

// NewInMemory creates a client that runs entirely in-memory with no
// external dependencies. Clients sharing a store coordinate with each
// other, which is useful for local development and tests.
func NewInMemory(store *lock.MemoryStore, lockOpts ...lock.Option) *Client {
	if store == nil {
		store = lock.NewMemoryStore(nil)
	}
	return &Client{Client: lock.NewClient(store, nil, lockOpts...)}
}
