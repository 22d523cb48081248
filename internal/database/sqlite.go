// Package database opens the SQLite stores used by the device and by the remote server.
package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/mileage/internal/attachments"
	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/metadata"
	"github.com/MarcoPoloResearchLab/mileage/internal/queue"
	"github.com/MarcoPoloResearchLab/mileage/internal/remote"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LocalModels lists every table of the device database.
func LocalModels() []any {
	models := entities.AllModels()
	return append(models,
		&queue.PendingOperation{},
		&metadata.SyncMetadata{},
		&attachments.Attachment{},
		&migrationRecord{},
	)
}

// RemoteModels lists every table of the remote store database.
func RemoteModels() []any {
	return append(remote.Models(), &migrationRecord{})
}

// OpenLocal opens the device database and migrates the entity, queue, metadata and attachment tables.
func OpenLocal(path string, logger *zap.Logger) (*gorm.DB, error) {
	return openSQLite(path, logger, LocalModels(), localMigrations())
}

// OpenRemote opens the database backing the sync server.
func OpenRemote(path string, logger *zap.Logger) (*gorm.DB, error) {
	return openSQLite(path, logger, RemoteModels(), remoteMigrations())
}

func openSQLite(path string, logger *zap.Logger, models []any, migrations []migrationDefinition) (*gorm.DB, error) {
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

	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger, migrations); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
