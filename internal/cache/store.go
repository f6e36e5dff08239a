package cache

import (
	"context"
	"time"
)

// Store is the shared key/value cache selected at startup. Backends must
// behave identically: a zero ttl means no expiry and missing keys are not
// errors.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Backend names accepted by the cache.backend setting.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDatabase = "database"
)
