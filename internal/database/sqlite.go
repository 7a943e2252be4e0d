package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/overlayworks/pointsqueue/internal/queue"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The connection pool is limited to a single connection so command
// transactions serialize without SQLITE_BUSY churn.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&queue.Broadcaster{},
		&queue.StateIndex{},
		&queue.CommandLogEntry{},
		&queue.QueueEntry{},
		&queue.DailyCounter{},
		&queue.BackfillCheckpoint{},
	); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
