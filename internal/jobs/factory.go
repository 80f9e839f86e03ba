package jobs

import (
	"context"
	"strings"
	"time"
)

// NewStoreFromAddr returns a Redis store when addr is set, otherwise an in-memory store.
func NewStoreFromAddr(ctx context.Context, addr, password string, db int, ttl time.Duration) (Store, error) {
	if strings.TrimSpace(addr) == "" {
		return NewMemoryStore(ttl), nil
	}
	return NewRedisStore(ctx, addr, password, db, ttl)
}
