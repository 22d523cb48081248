package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/queue"
	"github.com/MarcoPoloResearchLab/mileage/internal/remote"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillOperationPriority = "2026-09-14_backfill_operation_priority"
	migrationDropOrphanTombstones      = "2026-09-21_drop_orphan_tombstones"
	migrationScopeProcessedOperations  = "2026-10-19_scope_processed_operations_by_user"

	legacyProcessedOperationsTable = "processed_operations_legacy"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func localMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillOperationPriority, apply: backfillOperationPriority},
	}
}

func remoteMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationDropOrphanTombstones, apply: dropOrphanTombstones},
		{name: migrationScopeProcessedOperations, apply: scopeProcessedOperationsByUser},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger, migrations []migrationDefinition) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillOperationPriority gives operations queued without a priority the priority of their entity type.
func backfillOperationPriority(db *gorm.DB) error {
	for _, entityType := range entities.AllEntityTypes() {
		err := db.Model(&queue.PendingOperation{}).
			Where("entity_type = ? AND priority = 0", entityType).
			Update("priority", entityType.Priority()).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// dropOrphanTombstones removes tombstones at version 0, left by deletes of rows that never existed.
func dropOrphanTombstones(db *gorm.DB) error {
	return db.Where("is_deleted = ? AND version = 0", true).Delete(&remote.Entity{}).Error
}

// scopeProcessedOperationsByUser rebuilds processed_operations keyed by user and idempotency key.
func scopeProcessedOperationsByUser(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		migrator := tx.Migrator()
		if err := migrator.RenameTable(&remote.ProcessedOperation{}, legacyProcessedOperationsTable); err != nil {
			return err
		}
		if err := migrator.CreateTable(&remote.ProcessedOperation{}); err != nil {
			return err
		}
		copyRows := "INSERT OR IGNORE INTO processed_operations " +
			"(user_id, idempotency_key, entity_type, entity_id, server_version, processed_at_ms) " +
			"SELECT user_id, idempotency_key, entity_type, entity_id, server_version, processed_at_ms FROM " + legacyProcessedOperationsTable
		if err := tx.Exec(copyRows).Error; err != nil {
			return err
		}
		return migrator.DropTable(legacyProcessedOperationsTable)
	})
}
