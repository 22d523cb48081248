// Package appliers writes entity state into the local tables, one applier per entity type.
package appliers

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/mileage/internal/conflict"
	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/wire"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrEntityNotFound indicates that the addressed row does not exist locally.
var ErrEntityNotFound = errors.New("appliers: entity not found")

const queryUserEntity = "user_id = ? AND id = ?"

// Applier reads and writes one entity type's local rows.
type Applier interface {
	EntityType() entities.EntityType
	Policy() *conflict.FieldPolicy
	// WithTx returns an applier bound to an outer transaction.
	WithTx(tx *gorm.DB) Applier
	// Find returns nil when the row is absent.
	Find(ctx context.Context, userID entities.UserID, entityID entities.EntityID) (*entities.Snapshot, error)
	Upsert(ctx context.Context, userID entities.UserID, snapshot entities.Snapshot) error
	Delete(ctx context.Context, userID entities.UserID, entityID entities.EntityID) error
	MarkSynced(ctx context.Context, userID entities.UserID, entityID entities.EntityID, version, serverUpdatedAt int64) error
	SetStatus(ctx context.Context, userID entities.UserID, entityID entities.EntityID, status entities.SyncStatus) error
	SetVersion(ctx context.Context, userID entities.UserID, entityID entities.EntityID, version int64) error
	// SetField replaces a single field of an existing row and leaves sync state alone.
	SetField(ctx context.Context, userID entities.UserID, entityID entities.EntityID, field string, value any) error
	ListPendingUpload(ctx context.Context, userID entities.UserID) ([]entities.Snapshot, error)
	// Resolve runs the conflict resolver with this type's merge policy.
	Resolve(local *entities.Snapshot, remote wire.ChangeRecord) conflict.Resolution
	// PayloadFields strips device-only fields before a push.
	PayloadFields(fields entities.Fields) entities.Fields
}

type modelPointer[T any] interface {
	*T
	entities.Model
}

// tableApplier implements Applier for any synced gorm model.
type tableApplier[T any, P modelPointer[T]] struct {
	entityType entities.EntityType
	policy     *conflict.FieldPolicy
	db         *gorm.DB
}

func newTableApplier[T any, P modelPointer[T]](db *gorm.DB, entityType entities.EntityType, policy *conflict.FieldPolicy) Applier {
	return &tableApplier[T, P]{entityType: entityType, policy: policy, db: db}
}

func (a *tableApplier[T, P]) EntityType() entities.EntityType {
	return a.entityType
}

func (a *tableApplier[T, P]) Policy() *conflict.FieldPolicy {
	return a.policy
}

func (a *tableApplier[T, P]) WithTx(tx *gorm.DB) Applier {
	clone := *a
	clone.db = tx
	return &clone
}

func (a *tableApplier[T, P]) Find(ctx context.Context, userID entities.UserID, entityID entities.EntityID) (*entities.Snapshot, error) {
	model := P(new(T))
	err := a.db.WithContext(ctx).Where(queryUserEntity, userID, entityID).Take(model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, a.wrap("find", err)
	}
	snapshot, err := a.snapshotOf(model)
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (a *tableApplier[T, P]) Upsert(ctx context.Context, userID entities.UserID, snapshot entities.Snapshot) error {
	model := P(new(T))
	if err := entities.DecodeFields(snapshot.Fields, model); err != nil {
		return a.wrap("upsert", err)
	}
	model.SetIdentity(userID, snapshot.EntityID)
	*model.State() = snapshot.State
	if model.State().SyncStatus == "" {
		model.State().SyncStatus = entities.SyncStatusSynced
	}
	err := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "id"}},
			UpdateAll: true,
		}).
		Create(model).Error
	if err != nil {
		return a.wrap("upsert", err)
	}
	return nil
}

func (a *tableApplier[T, P]) Delete(ctx context.Context, userID entities.UserID, entityID entities.EntityID) error {
	if err := a.db.WithContext(ctx).Where(queryUserEntity, userID, entityID).Delete(P(new(T))).Error; err != nil {
		return a.wrap("delete", err)
	}
	return nil
}

func (a *tableApplier[T, P]) MarkSynced(ctx context.Context, userID entities.UserID, entityID entities.EntityID, version, serverUpdatedAt int64) error {
	updates := map[string]any{
		"sync_status": entities.SyncStatusSynced,
		"version":     version,
	}
	if serverUpdatedAt > 0 {
		updates["server_updated_at_ms"] = serverUpdatedAt
	}
	return a.update(ctx, "mark_synced", userID, entityID, updates)
}

func (a *tableApplier[T, P]) SetStatus(ctx context.Context, userID entities.UserID, entityID entities.EntityID, status entities.SyncStatus) error {
	return a.update(ctx, "set_status", userID, entityID, map[string]any{"sync_status": status})
}

func (a *tableApplier[T, P]) SetVersion(ctx context.Context, userID entities.UserID, entityID entities.EntityID, version int64) error {
	return a.update(ctx, "set_version", userID, entityID, map[string]any{"version": version})
}

func (a *tableApplier[T, P]) SetField(ctx context.Context, userID entities.UserID, entityID entities.EntityID, field string, value any) error {
	snapshot, err := a.Find(ctx, userID, entityID)
	if err != nil {
		return err
	}
	if snapshot == nil {
		return a.wrap("set_field", fmt.Errorf("%w: %s", ErrEntityNotFound, entityID))
	}
	if snapshot.Fields == nil {
		snapshot.Fields = entities.Fields{}
	}
	snapshot.Fields[field] = value
	return a.Upsert(ctx, userID, *snapshot)
}

func (a *tableApplier[T, P]) ListPendingUpload(ctx context.Context, userID entities.UserID) ([]entities.Snapshot, error) {
	var rows []T
	if err := a.db.WithContext(ctx).
		Where("user_id = ? AND sync_status = ?", userID, entities.SyncStatusPendingUpload).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, a.wrap("list_pending", err)
	}
	snapshots := make([]entities.Snapshot, 0, len(rows))
	for index := range rows {
		snapshot, err := a.snapshotOf(P(&rows[index]))
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

func (a *tableApplier[T, P]) Resolve(local *entities.Snapshot, remote wire.ChangeRecord) conflict.Resolution {
	return conflict.Resolve(local, remote, a.policy)
}

func (a *tableApplier[T, P]) PayloadFields(fields entities.Fields) entities.Fields {
	return a.policy.StripLocalOnly(fields)
}

func (a *tableApplier[T, P]) update(ctx context.Context, operation string, userID entities.UserID, entityID entities.EntityID, updates map[string]any) error {
	result := a.db.WithContext(ctx).Model(P(new(T))).Where(queryUserEntity, userID, entityID).Updates(updates)
	if result.Error != nil {
		return a.wrap(operation, result.Error)
	}
	if result.RowsAffected == 0 {
		return a.wrap(operation, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID))
	}
	return nil
}

func (a *tableApplier[T, P]) snapshotOf(model P) (entities.Snapshot, error) {
	fields, err := entities.EncodeFields(model)
	if err != nil {
		return entities.Snapshot{}, a.wrap("encode", err)
	}
	_, entityID := model.Identity()
	return entities.Snapshot{
		EntityType: a.entityType,
		EntityID:   entityID,
		Fields:     fields,
		State:      *model.State(),
	}, nil
}

func (a *tableApplier[T, P]) wrap(operation string, err error) error {
	return fmt.Errorf("appliers: %s %s: %w", a.entityType, operation, err)
}
