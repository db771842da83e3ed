package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/amoylab/timerbridge/internal/common/config"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// DBStore implements Store on a SQL database through gorm
type DBStore struct {
	logger *zap.Logger
	db     *gorm.DB
}

var _ Store = (*DBStore)(nil)

// DatabaseType represents the supported database types
type DatabaseType string

const (
	PostgreSQL DatabaseType = "postgres"
	MySQL      DatabaseType = "mysql"
	SQLite     DatabaseType = "sqlite"
)

// NewDBStore opens the configured database and migrates the schema
func NewDBStore(logger *zap.Logger, cfg *config.DatabaseConfig) (*DBStore, error) {
	logger = logger.Named("storage.db")

	dsn, err := cfg.GetDSN()
	if err != nil {
		return nil, err
	}

	var dialector gorm.Dialector
	switch DatabaseType(cfg.Type) {
	case PostgreSQL:
		dialector = postgres.Open(dsn)
	case MySQL:
		dialector = mysql.Open(dsn)
	case SQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidDatabaseType, cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Type, err)
	}
	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	logger.Info("session journal ready", zap.String("type", cfg.Type))
	return &DBStore{logger: logger, db: db}, nil
}

// Save implements Store.Save
func (s *DBStore) Save(ctx context.Context, rec *SessionRecord) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(rec).Error
}

// Get implements Store.Get
func (s *DBStore) Get(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List implements Store.List
func (s *DBStore) List(ctx context.Context, limit int) ([]*SessionRecord, error) {
	q := s.db.WithContext(ctx).Order("connected_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []*SessionRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// Close implements Store.Close
func (s *DBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
