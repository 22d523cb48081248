// Package remote is the authoritative store the sync engine pushes to and
// pulls from: one transaction per sync call, idempotent per operation key,
// optimistic version checks on every write.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew   = "remote.service.new"
	opSyncChanges  = "remote.sync_changes"
	fieldUserID    = "user_id"
	fieldEntityID  = "entity_id"
	fieldEntityTyp = "entity_type"
)

// ServiceError carries a stable machine-readable code for store failures.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the service dependencies.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service applies pushed operations and serves pulls.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SyncChanges applies the operations in order and returns every change of the
// user with updatedAt > since, all inside one transaction.
func (s *Service) SyncChanges(ctx context.Context, userID entities.UserID, request wire.SyncRequest) (wire.SyncResult, error) {
	if userID == "" {
		return wire.SyncResult{}, newServiceError(opSyncChanges, "missing_user_id", errMissingUserID)
	}

	result := wire.SyncResult{
		PushResults: make([]wire.PushResult, 0, len(request.Operations)),
		Changes:     wire.Changes{},
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, operation := range request.Operations {
			pushResult, err := s.applyOperation(tx, userID, operation)
			if err != nil {
				return err
			}
			result.PushResults = append(result.PushResults, pushResult)
		}

		var changed []Entity
		if err := tx.Where("user_id = ? AND updated_at_ms > ?", userID, request.Since).
			Order("updated_at_ms ASC, entity_type ASC, entity_id ASC").
			Find(&changed).Error; err != nil {
			s.logError(opSyncChanges, "pull_query_failed", err, zap.String(fieldUserID, userID.String()))
			return newServiceError(opSyncChanges, "pull_query_failed", err)
		}
		for _, row := range changed {
			record, err := changeRecordOf(row)
			if err != nil {
				s.logError(opSyncChanges, "pull_decode_failed", err, rowFields(row)...)
				return newServiceError(opSyncChanges, "pull_decode_failed", err)
			}
			result.Changes.Add(record)
			if row.UpdatedAt > result.MaxTimestamp {
				result.MaxTimestamp = row.UpdatedAt
			}
		}
		return nil
	})
	if txErr != nil {
		return wire.SyncResult{}, txErr
	}
	if result.MaxTimestamp == 0 {
		result.MaxTimestamp = s.clock().UTC().UnixMilli()
	}
	return result, nil
}

func (s *Service) applyOperation(tx *gorm.DB, userID entities.UserID, operation wire.Operation) (wire.PushResult, error) {
	pushResult := wire.PushResult{EntityType: operation.EntityType, EntityID: operation.EntityID}
	if !operation.EntityType.Valid() || operation.EntityID == "" || operation.IdempotencyKey == "" {
		pushResult.ErrorCode = wire.ErrorCodeInvalid
		pushResult.ErrorMessage = "entity type, entity id and idempotency key are required"
		return pushResult, nil
	}
	fields := []zap.Field{
		zap.String(fieldUserID, userID.String()),
		zap.String(fieldEntityTyp, operation.EntityType.String()),
		zap.String(fieldEntityID, operation.EntityID),
	}

	var processed ProcessedOperation
	err := tx.Where("user_id = ? AND idempotency_key = ?", userID, operation.IdempotencyKey).Take(&processed).Error
	if err == nil {
		pushResult.ErrorCode = wire.ErrorCodeAlreadyProcessed
		pushResult.ServerVersion = processed.ServerVersion
		return pushResult, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opSyncChanges, "idempotency_lookup_failed", err, fields...)
		return pushResult, newServiceError(opSyncChanges, "idempotency_lookup_failed", err)
	}

	var existing Entity
	var existingPtr *Entity
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND entity_type = ? AND entity_id = ?", userID, operation.EntityType, operation.EntityID).
		Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		s.logError(opSyncChanges, "entity_select_failed", err, fields...)
		return pushResult, newServiceError(opSyncChanges, "entity_select_failed", err)
	default:
		existingPtr = &existing
	}

	decision, err := decide(existingPtr, operation)
	if err != nil {
		s.logError(opSyncChanges, "decide_failed", err, fields...)
		return pushResult, newServiceError(opSyncChanges, "decide_failed", err)
	}
	pushResult.ServerVersion = decision.version
	if !decision.accepted {
		pushResult.ErrorCode = decision.errorCode
		pushResult.ErrorMessage = decision.errorMessage
		s.logger.Info("operation rejected",
			append(fields, zap.String("error_code", decision.errorCode), zap.String("error_message", decision.errorMessage))...)
		return pushResult, nil
	}

	now := s.clock().UTC().UnixMilli()
	changed := !decision.deleted
	if existingPtr != nil {
		changed = decision.version != existing.Version || decision.deleted != existing.IsDeleted
	}
	if changed {
		data := decision.data
		if data == nil {
			data = entities.Fields{}
		}
		encoded, err := json.Marshal(data)
		if err != nil {
			return pushResult, newServiceError(opSyncChanges, "encode_failed", err)
		}
		row := Entity{
			UserID:     userID,
			EntityType: operation.EntityType,
			EntityID:   operation.EntityID,
			Version:    decision.version,
			DataJSON:   string(encoded),
			IsDeleted:  decision.deleted,
			UpdatedAt:  now,
		}
		if err := tx.Save(&row).Error; err != nil {
			s.logError(opSyncChanges, "entity_save_failed", err, fields...)
			return pushResult, newServiceError(opSyncChanges, "entity_save_failed", err)
		}
	}

	if err := tx.Create(&ProcessedOperation{
		IdempotencyKey: operation.IdempotencyKey,
		UserID:         userID,
		EntityType:     operation.EntityType,
		EntityID:       operation.EntityID,
		ServerVersion:  decision.version,
		ProcessedAt:    now,
	}).Error; err != nil {
		s.logError(opSyncChanges, "processed_insert_failed", err, fields...)
		return pushResult, newServiceError(opSyncChanges, "processed_insert_failed", err)
	}
	pushResult.Success = true
	return pushResult, nil
}

func changeRecordOf(row Entity) (wire.ChangeRecord, error) {
	record := wire.ChangeRecord{
		EntityType: row.EntityType,
		EntityID:   row.EntityID,
		UpdatedAt:  row.UpdatedAt,
	}
	if row.IsDeleted {
		record.Action = wire.ChangeActionDelete
		return record, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(row.DataJSON), &data); err != nil {
		return wire.ChangeRecord{}, err
	}
	if data == nil {
		data = map[string]any{}
	}
	data[entities.FieldID] = row.EntityID
	data[entities.FieldVersion] = row.Version
	record.Action = wire.ChangeActionUpsert
	record.Data = data
	return record, nil
}

func rowFields(row Entity) []zap.Field {
	return []zap.Field{
		zap.String(fieldUserID, row.UserID.String()),
		zap.String(fieldEntityTyp, row.EntityType.String()),
		zap.String(fieldEntityID, row.EntityID),
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("remote store error", attrs...)
}
