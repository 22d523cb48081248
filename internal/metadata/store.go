// Package metadata tracks per-entity-type pull watermarks and sync flags.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrMissingDatabase indicates that the store was built without a database handle.
	ErrMissingDatabase = errors.New("metadata: database handle is required")
	// ErrNotTracked indicates that no metadata row exists for the entity type.
	ErrNotTracked = errors.New("metadata: entity type not tracked")
)

const queryUserType = "user_id = ? AND entity_type = ?"

// SyncMetadata is one watermark row per user and entity type.
type SyncMetadata struct {
	UserID            entities.UserID     `gorm:"column:user_id;primaryKey;size:190;not null"`
	EntityType        entities.EntityType `gorm:"column:entity_type;primaryKey;size:64;not null"`
	LastSyncTimestamp int64               `gorm:"column:last_sync_ms;not null;default:0"`
	SyncInProgress    bool                `gorm:"column:sync_in_progress;not null;default:false"`
	LastError         string              `gorm:"column:last_error;type:text;not null;default:''"`
	SyncedCount       int64               `gorm:"column:synced_count;not null;default:0"`
	UpdatedAtMillis   int64               `gorm:"column:updated_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SyncMetadata) TableName() string {
	return "sync_metadata"
}

// Config describes the store dependencies.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store owns the sync_metadata table.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// WithTx returns a store bound to an outer transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	clone := *s
	clone.db = tx
	return &clone
}

// InitializeIfAbsent creates zero watermarks for the given types; existing rows are kept.
func (s *Store) InitializeIfAbsent(ctx context.Context, userID entities.UserID, entityTypes []entities.EntityType) error {
	if len(entityTypes) == 0 {
		return nil
	}
	rows := make([]SyncMetadata, 0, len(entityTypes))
	for _, entityType := range entityTypes {
		rows = append(rows, SyncMetadata{UserID: userID, EntityType: entityType})
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return fmt.Errorf("metadata: initialize: %w", err)
	}
	return nil
}

// Get returns the watermark for a single entity type.
func (s *Store) Get(ctx context.Context, userID entities.UserID, entityType entities.EntityType) (int64, error) {
	var row SyncMetadata
	err := s.db.WithContext(ctx).Where(queryUserType, userID, entityType).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrNotTracked, entityType)
	}
	if err != nil {
		return 0, fmt.Errorf("metadata: get: %w", err)
	}
	return row.LastSyncTimestamp, nil
}

// GlobalWatermark is the lowest watermark across the tracked types; a single
// pull window has to cover the most stale type.
func (s *Store) GlobalWatermark(ctx context.Context, userID entities.UserID, entityTypes []entities.EntityType) (int64, error) {
	var rows []SyncMetadata
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND entity_type IN ?", userID, entityTypes).
		Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("metadata: global watermark: %w", err)
	}
	if len(rows) < len(entityTypes) {
		return 0, nil
	}
	watermark := rows[0].LastSyncTimestamp
	for _, row := range rows[1:] {
		if row.LastSyncTimestamp < watermark {
			watermark = row.LastSyncTimestamp
		}
	}
	return watermark, nil
}

// SetAll advances the watermark of every listed type not in excluding and
// clears its last error. A watermark never moves backwards here; Reset is the
// only way down.
func (s *Store) SetAll(ctx context.Context, userID entities.UserID, entityTypes []entities.EntityType, timestamp int64, excluding map[entities.EntityType]bool) error {
	advance := make([]entities.EntityType, 0, len(entityTypes))
	for _, entityType := range entityTypes {
		if excluding[entityType] {
			continue
		}
		advance = append(advance, entityType)
	}
	if len(advance) == 0 {
		return nil
	}
	updatedAt := s.clock().UTC().UnixMilli()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&SyncMetadata{}).
			Where("user_id = ? AND entity_type IN ? AND last_error <> ?", userID, advance, "").
			Updates(map[string]any{
				"last_error":    "",
				"updated_at_ms": updatedAt,
			}).Error; err != nil {
			return err
		}
		return tx.Model(&SyncMetadata{}).
			Where("user_id = ? AND entity_type IN ? AND last_sync_ms < ?", userID, advance, timestamp).
			Updates(map[string]any{
				"last_sync_ms":  timestamp,
				"updated_at_ms": updatedAt,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("metadata: set all: %w", err)
	}
	return nil
}

// Reset forces a full re-pull of the entity type on the next cycle.
func (s *Store) Reset(ctx context.Context, userID entities.UserID, entityType entities.EntityType) error {
	err := s.db.WithContext(ctx).Model(&SyncMetadata{}).
		Where(queryUserType, userID, entityType).
		Updates(map[string]any{
			"last_sync_ms":  0,
			"updated_at_ms": s.clock().UTC().UnixMilli(),
		}).Error
	if err != nil {
		return fmt.Errorf("metadata: reset: %w", err)
	}
	s.logger.Info("watermark reset",
		zap.String("user_id", userID.String()),
		zap.String("entity_type", entityType.String()))
	return nil
}

// SetInProgress flags the listed types as syncing or idle.
func (s *Store) SetInProgress(ctx context.Context, userID entities.UserID, entityTypes []entities.EntityType, inProgress bool) error {
	err := s.db.WithContext(ctx).Model(&SyncMetadata{}).
		Where("user_id = ? AND entity_type IN ?", userID, entityTypes).
		Updates(map[string]any{"sync_in_progress": inProgress}).Error
	if err != nil {
		return fmt.Errorf("metadata: set in progress: %w", err)
	}
	return nil
}

// SetError records the last failure message for the listed types.
func (s *Store) SetError(ctx context.Context, userID entities.UserID, entityTypes []entities.EntityType, message string) error {
	err := s.db.WithContext(ctx).Model(&SyncMetadata{}).
		Where("user_id = ? AND entity_type IN ?", userID, entityTypes).
		Updates(map[string]any{
			"last_error":    message,
			"updated_at_ms": s.clock().UTC().UnixMilli(),
		}).Error
	if err != nil {
		return fmt.Errorf("metadata: set error: %w", err)
	}
	return nil
}

// AddSynced increments the applied-change counter of an entity type.
func (s *Store) AddSynced(ctx context.Context, userID entities.UserID, entityType entities.EntityType, delta int64) error {
	if delta == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&SyncMetadata{}).
		Where(queryUserType, userID, entityType).
		Update("synced_count", gorm.Expr("synced_count + ?", delta)).Error
	if err != nil {
		return fmt.Errorf("metadata: add synced: %w", err)
	}
	return nil
}

// ClearInProgress drops in-progress flags left behind by a crashed process.
func (s *Store) ClearInProgress(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&SyncMetadata{}).
		Where("sync_in_progress = ?", true).
		Update("sync_in_progress", false)
	if result.Error != nil {
		return 0, fmt.Errorf("metadata: clear in progress: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// List returns every metadata row of a user ordered by entity type.
func (s *Store) List(ctx context.Context, userID entities.UserID) ([]SyncMetadata, error) {
	var rows []SyncMetadata
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("entity_type ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("metadata: list: %w", err)
	}
	return rows, nil
}
