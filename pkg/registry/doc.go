// Package registry tracks the skills available for dispatch.
//
// Skills register, heartbeat and unregister at any time, concurrently with
// dispatch. Readers take a [Registry.Snapshot]: a stable copy that later
// registrations cannot disturb. A skill being executed is pinned by a
// [Lease]; unregistering or evicting it defers the removal until the lease is
// released, so an in-flight handler always completes against the
// registration it started with.
//
// Liveness: a skill that misses MissedHeartbeats consecutive heartbeat
// intervals is evicted. Skills registered as Persistent (in-process) are
// exempt. Skills that fail FailureThreshold invocations in a row, or time
// out, are marked degraded and excluded until they heartbeat or register
// again.
//
// The registry map lock only covers membership. Health, heartbeat and lease
// bookkeeping take the lock of the one skill they touch.
package registry
