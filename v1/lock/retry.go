package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"

	warperrors "github.com/mirkobrombin/warplock/v1/errors"
)

// isTransient reports whether err proves the command never reached the
// store, so running it again cannot apply it twice.
func isTransient(err error) bool {
	var opErr *net.OpError
	if stdErrors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return stdErrors.Is(err, nats.ErrNoServers) ||
		stdErrors.Is(err, nats.ErrConnectionReconnecting) ||
		stdErrors.Is(err, syscall.ECONNREFUSED)
}

// isAmbiguous reports whether err leaves it unknown if the store applied
// the command.
func isAmbiguous(err error) bool {
	if stdErrors.Is(err, context.DeadlineExceeded) ||
		stdErrors.Is(err, context.Canceled) ||
		stdErrors.Is(err, io.EOF) ||
		stdErrors.Is(err, io.ErrUnexpectedEOF) ||
		stdErrors.Is(err, syscall.ECONNRESET) ||
		stdErrors.Is(err, syscall.EPIPE) ||
		stdErrors.Is(err, nats.ErrTimeout) {
		return true
	}
	var netErr net.Error
	return stdErrors.As(err, &netErr) && netErr.Timeout()
}

// do runs fn against the store, retrying transient failures with
// exponential backoff and jitter. Failures are wrapped in
// ErrStoreUnavailable.
func (c *Client) do(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := c.opts.StoreBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempt >= c.opts.StoreAttempts {
			break
		}
		c.logger.Debug("warplock: retrying store call", "op", op, "attempt", attempt, "error", err)
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", warperrors.ErrStoreUnavailable, op, ctx.Err())
		case <-time.After(backoff + jitter):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("%w: %s: %w", warperrors.ErrStoreUnavailable, op, err)
}
