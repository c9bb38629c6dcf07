// Package cache provides the backends behind the permission cache
// interface: an in-memory expirable LRU (the default), a Redis client for
// multi-process deployments, and an embedded Badger store for single nodes
// that want the cache to survive restarts.
//
// All three share the key layout "perm:{user}:{type}:{id}" and the
// delete-wins generation protocol: every invalidation bumps a counter, and
// a Set carrying an older generation is silently dropped. Pick a backend
// with config; the resolver only sees the interface.
package cache
