// Package gormstore implements internal/store on gorm for sqlite, postgres
// and mysql.
package gormstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tradeguard/internal/config"
	"tradeguard/internal/store"
	"tradeguard/internal/store/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type GormStore struct {
	db *gorm.DB
}

// Open connects with the configured dialect and migrates the schema.
func Open(cfg config.DatabaseConfig) (*GormStore, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logLevel(cfg.LogLevel)),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("gorm store: open %s: %w", cfg.Type, err)
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	return &GormStore{db: db}, nil
}

// OpenSQLite opens a sqlite file with the WAL pragmas used in production.
func OpenSQLite(path string) (*GormStore, error) {
	return Open(config.DatabaseConfig{Type: "sqlite", DSN: path, MaxOpenConns: 2, MaxIdleConns: 2})
}

// NewFromDB wraps an existing connection, migrating the schema.
func NewFromDB(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm store: db cannot be nil")
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(model.All()...); err != nil {
		return fmt.Errorf("gorm store: migrate: %w", err)
	}
	return nil
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("gorm store: dsn cannot be empty")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "sqlite":
		return sqlite.Open(sqliteDSN(dsn)), nil
	case "postgres", "postgresql":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("gorm store: unsupported database type: %s", cfg.Type)
	}
}

// sqliteDSN turns a bare file path into a DSN with busy timeout, WAL and
// immediate write transactions. DSNs that already carry a scheme or query are
// used as given.
func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "?") || path == ":memory:" {
		return path
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
}

func logLevel(level string) logger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Silent
	}
}

func (s *GormStore) Begin(ctx context.Context) (store.UnitOfWork, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &gormUnitOfWork{tx: tx}, nil
}

func (s *GormStore) Events() store.EventRepository          { return NewEventRepo(s.db) }
func (s *GormStore) Snapshots() store.SnapshotRepository    { return NewSnapshotRepo(s.db) }
func (s *GormStore) Accounts() store.AccountStateRepository { return NewAccountStateRepo(s.db) }
func (s *GormStore) Trades() store.TradeRepository          { return NewTradeRepo(s.db) }
func (s *GormStore) Alerts() store.AlertRepository          { return NewAlertRepo(s.db) }
func (s *GormStore) Claims() store.CloseClaimRepository     { return NewCloseClaimRepo(s.db) }

// Ping checks the connection; used by the health endpoint.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.SQLDB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SQLDB exposes the underlying *sql.DB.
func (s *GormStore) SQLDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store: not initialized")
	}
	return s.db.DB()
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormUnitOfWork struct {
	tx *gorm.DB
}

func (u *gormUnitOfWork) Events() store.EventRepository          { return NewEventRepo(u.tx) }
func (u *gormUnitOfWork) Snapshots() store.SnapshotRepository    { return NewSnapshotRepo(u.tx) }
func (u *gormUnitOfWork) Accounts() store.AccountStateRepository { return NewAccountStateRepo(u.tx) }
func (u *gormUnitOfWork) Trades() store.TradeRepository          { return NewTradeRepo(u.tx) }
func (u *gormUnitOfWork) Alerts() store.AlertRepository          { return NewAlertRepo(u.tx) }
func (u *gormUnitOfWork) Claims() store.CloseClaimRepository     { return NewCloseClaimRepo(u.tx) }

func (u *gormUnitOfWork) Commit() error {
	return u.tx.Commit().Error
}

func (u *gormUnitOfWork) Rollback() error {
	return u.tx.Rollback().Error
}

var (
	_ store.Store      = (*GormStore)(nil)
	_ store.UnitOfWork = (*gormUnitOfWork)(nil)
)
