package session

import (
	"context"
	"fmt"

	"github.com/amoylab/timerbridge/internal/common/config"

	"go.uber.org/zap"
)

// Type represents the type of session store
type Type string

const (
	// TypeMemory represents in-memory session store
	TypeMemory Type = "memory"
	// TypeRedis represents Redis-based session store
	TypeRedis Type = "redis"
)

// NewStore creates a new session store based on configuration
func NewStore(ctx context.Context, logger *zap.Logger, cfg *config.SessionConfig) (Store, error) {
	logger.Info("Initializing session store", zap.String("type", cfg.Type))
	switch Type(cfg.Type) {
	case TypeMemory, "":
		return NewMemoryStore(logger, cfg.QueueSize), nil
	case TypeRedis:
		return NewRedisStore(ctx, logger, cfg.Redis, cfg.QueueSize)
	default:
		return nil, fmt.Errorf("unsupported session store type: %s", cfg.Type)
	}
}
