// Package mutation records user edits: the local row and its pending
// operation are written in one transaction.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/mileage/internal/appliers"
	"github.com/MarcoPoloResearchLab/mileage/internal/attachments"
	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/queue"
	"github.com/MarcoPoloResearchLab/mileage/internal/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opSave          = "mutation.save"
	opDelete        = "mutation.delete"
	opAssignLicense = "mutation.assign_license"
	opAddAttachment = "mutation.add_attachment"

	fieldAssignedUserID = "assignedUserId"
)

var (
	errMissingDependency = errors.New("mutation: dependency is missing")
	// ErrEntityNotFound indicates that the edited row does not exist locally.
	ErrEntityNotFound = errors.New("mutation: entity not found")
)

// ServiceError carries a stable machine-readable code for mutation failures.
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

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config describes the service dependencies.
type Config struct {
	Database    *gorm.DB
	Queue       *queue.Queue
	Appliers    *appliers.Registry
	Attachments *attachments.Store
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Service applies local edits.
type Service struct {
	db          *gorm.DB
	queue       *queue.Queue
	appliers    *appliers.Registry
	attachments *attachments.Store
	clock       func() time.Time
	logger      *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Database == nil || cfg.Queue == nil || cfg.Appliers == nil {
		return nil, errMissingDependency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:          cfg.Database,
		queue:       cfg.Queue,
		appliers:    cfg.Appliers,
		attachments: cfg.Attachments,
		clock:       clock,
		logger:      logger,
	}, nil
}

type scope struct {
	queue   *queue.Queue
	applier appliers.Applier
}

func (s *Service) inTransaction(ctx context.Context, entityType entities.EntityType, fn func(scope scope) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applier, err := s.appliers.WithTx(tx).Get(entityType)
		if err != nil {
			return err
		}
		return fn(scope{queue: s.queue.WithTx(tx), applier: applier})
	})
}

// Save upserts the entity with the given fields merged over its current
// state and queues it for push.
func (s *Service) Save(ctx context.Context, userID entities.UserID, entityType entities.EntityType, entityID entities.EntityID, fields entities.Fields) (entities.Snapshot, error) {
	if err := validate(userID, entityType, entityID); err != nil {
		return entities.Snapshot{}, newServiceError(opSave, "invalid_request", err)
	}
	var saved entities.Snapshot
	err := s.inTransaction(ctx, entityType, func(scope scope) error {
		snapshot, err := s.stage(ctx, scope, userID, entityType, entityID, fields)
		if err != nil {
			return err
		}
		if _, err := scope.queue.EnqueueSnapshot(ctx, userID, snapshot, scope.applier.PayloadFields(snapshot.Fields)); err != nil {
			return err
		}
		saved = snapshot
		return nil
	})
	if err != nil {
		s.logError(opSave, "transaction_failed", err, entityFields(userID, entityType, entityID)...)
		return entities.Snapshot{}, newServiceError(opSave, "transaction_failed", err)
	}
	s.logger.Debug("local edit recorded",
		append(entityFields(userID, entityType, entityID), zap.Int64("version", saved.State.Version))...)
	return saved, nil
}

// Delete removes the entity locally and queues a DELETE. A row the server
// never saw is dropped together with its pending CREATE.
func (s *Service) Delete(ctx context.Context, userID entities.UserID, entityType entities.EntityType, entityID entities.EntityID) error {
	if err := validate(userID, entityType, entityID); err != nil {
		return newServiceError(opDelete, "invalid_request", err)
	}
	err := s.inTransaction(ctx, entityType, func(scope scope) error {
		existing, err := scope.applier.Find(ctx, userID, entityID)
		if err != nil {
			return err
		}
		pending, hasPending, err := scope.queue.FindByEntity(ctx, userID, entityType, entityID)
		if err != nil {
			return err
		}
		if existing == nil && !hasPending {
			return ErrEntityNotFound
		}
		if err := scope.applier.Delete(ctx, userID, entityID); err != nil {
			return err
		}
		if hasPending && pending.Action == wire.ActionCreate {
			return scope.queue.Delete(ctx, pending.ID)
		}

		version := int64(0)
		switch {
		case hasPending:
			version = pending.Payload.Version
		case existing != nil:
			version = existing.State.Version + 1
		}
		_, err = scope.queue.Enqueue(ctx, queue.EnqueueRequest{
			UserID:     userID,
			EntityType: entityType,
			EntityID:   entityID,
			Action:     wire.ActionDelete,
			Payload:    queue.Payload{Version: version},
		})
		return err
	})
	if errors.Is(err, ErrEntityNotFound) {
		return err
	}
	if err != nil {
		s.logError(opDelete, "transaction_failed", err, entityFields(userID, entityType, entityID)...)
		return newServiceError(opDelete, "transaction_failed", err)
	}
	return nil
}

// AssignLicense optimistically assigns a license seat. The previous holder
// and version travel in the operation so a rejected assignment can be undone.
func (s *Service) AssignLicense(ctx context.Context, userID entities.UserID, licenseID entities.EntityID, assignee string) error {
	if err := validate(userID, entities.EntityTypeLicense, licenseID); err != nil {
		return newServiceError(opAssignLicense, "invalid_request", err)
	}
	err := s.inTransaction(ctx, entities.EntityTypeLicense, func(scope scope) error {
		existing, err := scope.applier.Find(ctx, userID, licenseID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrEntityNotFound
		}
		pending, hasPending, err := scope.queue.FindByEntity(ctx, userID, entities.EntityTypeLicense, licenseID)
		if err != nil {
			return err
		}

		var rollback entities.Fields
		switch {
		case hasPending:
			rollback = pending.Payload.Rollback
		case existing.State.Version > 0:
			holder, _ := existing.Fields.String(fieldAssignedUserID)
			rollback = entities.Fields{fieldAssignedUserID: holder, entities.FieldVersion: existing.State.Version}
		}

		snapshot, err := s.stage(ctx, scope, userID, entities.EntityTypeLicense, licenseID, entities.Fields{fieldAssignedUserID: assignee})
		if err != nil {
			return err
		}
		action := wire.ActionUpdate
		if snapshot.State.Version <= 1 || (hasPending && pending.Action == wire.ActionCreate) {
			action = wire.ActionCreate
		}
		_, err = scope.queue.Enqueue(ctx, queue.EnqueueRequest{
			UserID:     userID,
			EntityType: entities.EntityTypeLicense,
			EntityID:   licenseID,
			Action:     action,
			Payload: queue.Payload{
				Version:  snapshot.State.Version,
				Fields:   scope.applier.PayloadFields(snapshot.Fields),
				Rollback: rollback,
			},
		})
		return err
	})
	if errors.Is(err, ErrEntityNotFound) {
		return err
	}
	if err != nil {
		s.logError(opAssignLicense, "transaction_failed", err, entityFields(userID, entities.EntityTypeLicense, licenseID)...)
		return newServiceError(opAssignLicense, "transaction_failed", err)
	}
	s.logger.Info("license assignment queued",
		zap.String("user_id", userID.String()),
		zap.String("entity_id", licenseID.String()),
		zap.String("assignee", assignee))
	return nil
}

// AddAttachment registers a local file for the given field of an existing entity.
func (s *Service) AddAttachment(ctx context.Context, userID entities.UserID, entityType entities.EntityType, entityID entities.EntityID, field, localRef string) (attachments.Attachment, error) {
	if s.attachments == nil {
		return attachments.Attachment{}, newServiceError(opAddAttachment, "missing_store", errMissingDependency)
	}
	if err := validate(userID, entityType, entityID); err != nil {
		return attachments.Attachment{}, newServiceError(opAddAttachment, "invalid_request", err)
	}
	applier, err := s.appliers.Get(entityType)
	if err != nil {
		return attachments.Attachment{}, newServiceError(opAddAttachment, "invalid_request", err)
	}
	existing, err := applier.Find(ctx, userID, entityID)
	if err != nil {
		return attachments.Attachment{}, newServiceError(opAddAttachment, "lookup_failed", err)
	}
	if existing == nil {
		return attachments.Attachment{}, ErrEntityNotFound
	}
	attachment, err := s.attachments.Add(ctx, attachments.AddRequest{
		UserID:     userID,
		EntityType: entityType,
		EntityID:   entityID,
		Field:      field,
		LocalRef:   localRef,
	})
	if err != nil {
		return attachments.Attachment{}, newServiceError(opAddAttachment, "insert_failed", err)
	}
	return attachment, nil
}

// stage writes the edited row as PENDING_UPLOAD. A row with an operation
// already queued keeps its target version; otherwise the version moves one
// past the last acknowledged server version.
func (s *Service) stage(ctx context.Context, scope scope, userID entities.UserID, entityType entities.EntityType, entityID entities.EntityID, fields entities.Fields) (entities.Snapshot, error) {
	existing, err := scope.applier.Find(ctx, userID, entityID)
	if err != nil {
		return entities.Snapshot{}, err
	}
	hasPending, err := scope.queue.HasPending(ctx, userID, entityType, entityID)
	if err != nil {
		return entities.Snapshot{}, err
	}

	snapshot := entities.Snapshot{EntityType: entityType, EntityID: entityID, Fields: entities.Fields{}}
	switch {
	case existing == nil:
		snapshot.State.Version = 1
	case hasPending:
		snapshot = existing.Clone()
	default:
		snapshot = existing.Clone()
		snapshot.State.Version++
	}
	if snapshot.Fields == nil {
		snapshot.Fields = entities.Fields{}
	}
	for key, value := range fields {
		if key == entities.FieldID || key == entities.FieldVersion {
			continue
		}
		snapshot.Fields[key] = value
	}
	snapshot.State.SyncStatus = entities.SyncStatusPendingUpload
	snapshot.State.LocalUpdatedAt = s.clock().UTC().UnixMilli()

	if err := scope.applier.Upsert(ctx, userID, snapshot); err != nil {
		return entities.Snapshot{}, err
	}
	return snapshot, nil
}

func validate(userID entities.UserID, entityType entities.EntityType, entityID entities.EntityID) error {
	if _, err := entities.NewUserID(userID.String()); err != nil {
		return err
	}
	if !entityType.Valid() {
		return entities.ErrUnknownEntityType
	}
	_, err := entities.NewEntityID(entityID.String())
	return err
}

func entityFields(userID entities.UserID, entityType entities.EntityType, entityID entities.EntityID) []zap.Field {
	return []zap.Field{
		zap.String("user_id", userID.String()),
		zap.String("entity_type", entityType.String()),
		zap.String("entity_id", entityID.String()),
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
	s.logger.Error("mutation service error", attrs...)
}
