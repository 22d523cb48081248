package remote

import (
	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
)

// Entity is the authoritative server copy of a synced row.
type Entity struct {
	UserID     entities.UserID     `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_remote_entities_changes,priority:1"`
	EntityType entities.EntityType `gorm:"column:entity_type;primaryKey;size:64;not null"`
	EntityID   string              `gorm:"column:entity_id;primaryKey;size:190;not null"`
	Version    int64               `gorm:"column:version;not null;default:0"`
	DataJSON   string              `gorm:"column:data_json;type:text;not null"`
	IsDeleted  bool                `gorm:"column:is_deleted;not null;default:false"`
	UpdatedAt  int64               `gorm:"column:updated_at_ms;not null;index:idx_remote_entities_changes,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Entity) TableName() string {
	return "remote_entities"
}

// ProcessedOperation remembers an applied idempotency key and the version it
// produced. Keys are scoped to the user that sent them.
type ProcessedOperation struct {
	UserID         entities.UserID     `gorm:"column:user_id;primaryKey;size:190;not null"`
	IdempotencyKey string              `gorm:"column:idempotency_key;primaryKey;size:64;not null"`
	EntityType     entities.EntityType `gorm:"column:entity_type;size:64;not null"`
	EntityID       string              `gorm:"column:entity_id;size:190;not null"`
	ServerVersion  int64               `gorm:"column:server_version;not null"`
	ProcessedAt    int64               `gorm:"column:processed_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ProcessedOperation) TableName() string {
	return "processed_operations"
}

// Models lists the server tables for schema migration.
func Models() []any {
	return []any{&Entity{}, &ProcessedOperation{}}
}
