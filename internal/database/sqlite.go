package database

import (
	"fmt"

	"github.com/Longshot123/collabREate/internal/auth"
	"github.com/Longshot123/collabREate/internal/project"
	"github.com/Longshot123/collabREate/internal/updatelog"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema
// migrations. The pool is capped at one open connection: sqlite
// serializes writers anyway, and a single connection keeps concurrent
// fork transactions from deadlocking each other.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&auth.User{},
		&project.Project{},
		&project.ForkEdge{},
		&updatelog.Update{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
