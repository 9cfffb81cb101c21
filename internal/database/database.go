// Package database opens the sqlite database holding the MTProto session
// tables and the crawl run history.
package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/celestix/gotgproto/storage"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/blockedby/tg-crawler/internal/models"
)

// DB wraps the GORM instance.
type DB struct {
	GORM *gorm.DB
}

// Open opens (creating when needed) the sqlite database at path and migrates
// the run history table. ":memory:" and "file:" DSNs are passed through.
func Open(path string) (*DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
	}

	gormDB, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm: %w", err)
	}

	if path == ":memory:" {
		// each pooled connection would see its own empty database
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	db := &DB{GORM: gormDB}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the run history and the session table. The
// session table is created up front so a QR or desktop login can be saved
// before gotgproto has ever opened the database; peer tables stay with
// gotgproto.
func (db *DB) Migrate() error {
	if err := db.GORM.AutoMigrate(&models.CrawlRun{}, &storage.Session{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	sqlDB, err := db.GORM.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks if the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.GORM.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
