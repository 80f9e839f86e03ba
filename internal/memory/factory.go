package memory

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, cfg PostgresConfig, log zerolog.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return NewInMemoryStore(cfg.Username), nil
	}
	return NewPostgresStore(ctx, cfg, log)
}
