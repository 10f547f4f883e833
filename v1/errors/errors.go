package errors

import "errors"

var (
	// ErrTimeout is returned when an operation gives up waiting.
	ErrTimeout = errors.New("timeout")
	// ErrConnectionClosed is returned when the underlying connection is gone.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotOwner is returned when an owner releases a lock it does not hold.
	ErrNotOwner = errors.New("warplock: lock not held by owner")
	// ErrStoreUnavailable wraps every failed round trip to the backing store.
	ErrStoreUnavailable = errors.New("warplock: store unavailable")
	// ErrInvalidLease is returned when an explicit lease is shorter than one
	// millisecond, the resolution of store expiries.
	ErrInvalidLease = errors.New("warplock: lease must be at least one millisecond")
	// ErrClientClosed is returned by acquisitions on a closed Client,
	// including waits that were in progress when it was closed.
	ErrClientClosed = errors.New("warplock: client closed")
)
