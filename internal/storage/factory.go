package storage

import (
	"fmt"

	"github.com/amoylab/timerbridge/internal/common/config"

	"go.uber.org/zap"
)

// NewStore creates a new store based on configuration
func NewStore(logger *zap.Logger, cfg *config.StorageConfig) (Store, error) {
	logger.Info("Initializing storage", zap.String("type", cfg.Type))
	switch cfg.Type {
	case "memory", "":
		return NewMemoryStore(logger, cfg.HistoryLimit), nil
	case "db":
		return NewDBStore(logger, &cfg.Database)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
