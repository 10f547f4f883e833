// Package lock provides a distributed, reentrant, lease-based mutex
// coordinated through a shared store. A Client owns the process-wide state
// (instance id, lease renewals, wake channel subscriptions) and hands out
// Mutex values bound to a lock name and an owner identity.
//
// Three stores are provided: RedisStore (Lua scripts on a hash key),
// NATSStore (JetStream key-value with revision compare-and-set) and
// MemoryStore for single process use. Blocked acquirers are woken through a
// syncbus.Bus and fall back to polling bounded by the holder's remaining
// lease, so a lost wake message never blocks a waiter indefinitely.
//
// Leases are the liveness mechanism: a crashed holder's lock expires after at
// most one lease. The flip side is that a live holder whose renewals cannot
// reach the store loses the lock once the lease runs out, while its code may
// still be inside the critical section. Size leases above the worst store
// latency you expect.
package lock
