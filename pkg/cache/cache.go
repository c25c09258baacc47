package cache

import (
	"context"
	"errors"
	"time"
)

var ErrCacheMiss = errors.New("cache: key not found")

// Service is the key/value store behind persisted risk state and the leader lock.
// Values other than string and []byte are stored as JSON; Get decodes into dest accordingly.
type Service interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
	Locker
	Close() error
}

// Locker is an expiring mutex keyed by name. Only the owner that took a lock
// can extend or release it.
type Locker interface {
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// RefreshLock extends the lock and reports false when owner no longer holds it.
	RefreshLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) error
}
