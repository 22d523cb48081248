// Package queue persists local mutations until the remote store confirms them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultMaxRetryAttempts bounds per-operation retries and sync-run attempts.
const DefaultMaxRetryAttempts = 5

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errInvalidAction     = errors.New("unknown operation action")
	noOpLogger           = zap.NewNop()
)

const (
	opQueueNew       = "queue.new"
	opEnqueue        = "queue.enqueue"
	opDueForRetry    = "queue.due_for_retry"
	opMarkRetried    = "queue.mark_retried"
	opDelete         = "queue.delete"
	opLookup         = "queue.lookup"
	opCount          = "queue.count"
	opResetFailed    = "queue.reset_failed"
	queryUserEntity  = "user_id = ? AND entity_type = ? AND entity_id = ?"
	queryUserID      = "user_id = ?"
	orderPriorityAge = "priority DESC, created_at_ms ASC, id ASC"
	fieldUserID      = "user_id"
	fieldEntityType  = "entity_type"
	fieldEntityID    = "entity_id"
	fieldOperationID = "operation_id"
)

// ServiceError carries a stable machine-readable code for queue failures.
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

// Config describes the queue dependencies.
type Config struct {
	Database         *gorm.DB
	Clock            func() time.Time
	IDProvider       IDProvider
	Backoff          Backoff
	MaxRetryAttempts int
	Logger           *zap.Logger
}

// Queue is the durable operation log.
type Queue struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  IDProvider
	backoff     Backoff
	maxAttempts int
	logger      *zap.Logger
}

// New constructs a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opQueueNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	backoff := cfg.Backoff
	if backoff.Base <= 0 || backoff.Max <= 0 {
		backoff = DefaultBackoff()
	}
	maxAttempts := cfg.MaxRetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxRetryAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{
		db:          cfg.Database,
		clock:       clock,
		idProvider:  idProvider,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		logger:      logger,
	}, nil
}

// WithTx returns a queue bound to an outer transaction.
func (q *Queue) WithTx(tx *gorm.DB) *Queue {
	clone := *q
	clone.db = tx
	return &clone
}

// MaxRetryAttempts returns the retry ceiling.
func (q *Queue) MaxRetryAttempts() int {
	return q.maxAttempts
}

// Backoff returns the retry delay policy.
func (q *Queue) Backoff() Backoff {
	return q.backoff
}

// EnqueueRequest describes a local mutation to record.
type EnqueueRequest struct {
	UserID     entities.UserID
	EntityType entities.EntityType
	EntityID   entities.EntityID
	Action     wire.Action
	Payload    Payload
	// Priority overrides the entity type priority when non-zero.
	Priority int
}

// Enqueue atomically replaces any operation already queued for the entity.
func (q *Queue) Enqueue(ctx context.Context, request EnqueueRequest) (PendingOperation, error) {
	if q.idProvider == nil {
		return PendingOperation{}, newServiceError(opEnqueue, "missing_id_provider", errMissingIDProvider)
	}
	if !request.EntityType.Valid() {
		return PendingOperation{}, newServiceError(opEnqueue, "invalid_entity_type", entities.ErrUnknownEntityType)
	}
	if _, err := entities.NewEntityID(request.EntityID.String()); err != nil {
		return PendingOperation{}, newServiceError(opEnqueue, "invalid_entity_id", err)
	}
	switch request.Action {
	case wire.ActionCreate, wire.ActionUpdate, wire.ActionDelete:
	default:
		return PendingOperation{}, newServiceError(opEnqueue, "invalid_action", fmt.Errorf("%w: %q", errInvalidAction, request.Action))
	}

	operationID, err := q.idProvider.NewID()
	if err != nil {
		return PendingOperation{}, newServiceError(opEnqueue, "id_generation_failed", err)
	}
	now := q.clock().UTC()
	priority := request.Priority
	if priority == 0 {
		priority = request.EntityType.Priority()
	}
	operation := PendingOperation{
		ID:             operationID,
		UserID:         request.UserID,
		EntityType:     request.EntityType,
		EntityID:       request.EntityID,
		IdempotencyKey: NewIdempotencyKey(request.EntityType, request.EntityID, request.Action, now),
		Action:         request.Action,
		Payload:        request.Payload,
		Priority:       priority,
		EnqueuedAt:     now.UnixMilli(),
	}

	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		deleteResult := tx.Where(queryUserEntity, request.UserID, request.EntityType, request.EntityID).
			Delete(&PendingOperation{})
		if deleteResult.Error != nil {
			q.logError(opEnqueue, "delete_existing_failed", deleteResult.Error, entityFields(request)...)
			return newServiceError(opEnqueue, "delete_existing_failed", deleteResult.Error)
		}
		if err := tx.Create(&operation).Error; err != nil {
			q.logError(opEnqueue, "insert_failed", err, entityFields(request)...)
			return newServiceError(opEnqueue, "insert_failed", err)
		}
		if deleteResult.RowsAffected > 0 {
			q.logger.Debug("pending operation replaced", entityFields(request)...)
		}
		return nil
	})
	if txErr != nil {
		return PendingOperation{}, txErr
	}
	return operation, nil
}

// EnqueueSnapshot queues the current local state of an entity. A row that
// the server never acknowledged (target version 1) or that already waits
// behind a CREATE is queued as CREATE; everything else as UPDATE.
func (q *Queue) EnqueueSnapshot(ctx context.Context, userID entities.UserID, snapshot entities.Snapshot, fields entities.Fields) (PendingOperation, error) {
	action := wire.ActionUpdate
	if snapshot.State.Version <= 1 {
		action = wire.ActionCreate
	}
	existing, found, err := q.FindByEntity(ctx, userID, snapshot.EntityType, snapshot.EntityID)
	if err != nil {
		return PendingOperation{}, err
	}
	if found && existing.Action == wire.ActionCreate {
		action = wire.ActionCreate
	}
	return q.Enqueue(ctx, EnqueueRequest{
		UserID:     userID,
		EntityType: snapshot.EntityType,
		EntityID:   snapshot.EntityID,
		Action:     action,
		Payload:    Payload{Version: snapshot.State.Version, Fields: fields},
	})
}

// DueForRetry returns operations that have retries left and whose backoff has
// elapsed at now, highest priority first, then oldest first.
func (q *Queue) DueForRetry(ctx context.Context, userID entities.UserID, now time.Time, batchSize int) ([]PendingOperation, error) {
	clauses := make([]string, 0, q.maxAttempts)
	arguments := make([]any, 0, 2*q.maxAttempts)
	for retryCount := 0; retryCount < q.maxAttempts; retryCount++ {
		clauses = append(clauses, "(retry_count = ? AND (last_attempt_at_ms IS NULL OR last_attempt_at_ms < ?))")
		arguments = append(arguments, retryCount, q.backoff.Threshold(now, retryCount).UnixMilli())
	}

	query := q.db.WithContext(ctx).
		Where(queryUserID, userID).
		Where("("+strings.Join(clauses, " OR ")+")", arguments...).
		Order(orderPriorityAge)
	if batchSize > 0 {
		query = query.Limit(batchSize)
	}

	var operations []PendingOperation
	if err := query.Find(&operations).Error; err != nil {
		q.logError(opDueForRetry, "query_failed", err, zap.String(fieldUserID, userID.String()))
		return nil, newServiceError(opDueForRetry, "query_failed", err)
	}
	return operations, nil
}

// MarkRetried records a failed attempt. The operation stays queued.
func (q *Queue) MarkRetried(ctx context.Context, operationID string, attemptedAt time.Time, message string) error {
	attemptedAtMillis := attemptedAt.UTC().UnixMilli()
	result := q.db.WithContext(ctx).Model(&PendingOperation{}).
		Where("id = ?", operationID).
		Updates(map[string]any{
			"retry_count":        gorm.Expr("retry_count + 1"),
			"last_attempt_at_ms": attemptedAtMillis,
			"last_error":         message,
		})
	if result.Error != nil {
		q.logError(opMarkRetried, "update_failed", result.Error, zap.String(fieldOperationID, operationID))
		return newServiceError(opMarkRetried, "update_failed", result.Error)
	}
	return nil
}

// Delete removes an operation. Deleting a missing operation is not an error.
func (q *Queue) Delete(ctx context.Context, operationID string) error {
	if err := q.db.WithContext(ctx).Where("id = ?", operationID).Delete(&PendingOperation{}).Error; err != nil {
		q.logError(opDelete, "delete_failed", err, zap.String(fieldOperationID, operationID))
		return newServiceError(opDelete, "delete_failed", err)
	}
	return nil
}

// Get loads an operation by id.
func (q *Queue) Get(ctx context.Context, operationID string) (PendingOperation, bool, error) {
	var operation PendingOperation
	err := q.db.WithContext(ctx).Where("id = ?", operationID).Take(&operation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PendingOperation{}, false, nil
	}
	if err != nil {
		q.logError(opLookup, "query_failed", err, zap.String(fieldOperationID, operationID))
		return PendingOperation{}, false, newServiceError(opLookup, "query_failed", err)
	}
	return operation, true, nil
}

// FindByEntity loads the operation queued for an entity, if any.
func (q *Queue) FindByEntity(ctx context.Context, userID entities.UserID, entityType entities.EntityType, entityID entities.EntityID) (PendingOperation, bool, error) {
	var operation PendingOperation
	err := q.db.WithContext(ctx).Where(queryUserEntity, userID, entityType, entityID).Take(&operation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PendingOperation{}, false, nil
	}
	if err != nil {
		q.logError(opLookup, "query_failed", err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldEntityType, entityType.String()),
			zap.String(fieldEntityID, entityID.String()))
		return PendingOperation{}, false, newServiceError(opLookup, "query_failed", err)
	}
	return operation, true, nil
}

// HasPending reports whether any operation, exhausted or not, exists for the entity.
func (q *Queue) HasPending(ctx context.Context, userID entities.UserID, entityType entities.EntityType, entityID entities.EntityID) (bool, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&PendingOperation{}).
		Where(queryUserEntity, userID, entityType, entityID).
		Count(&count).Error; err != nil {
		return false, newServiceError(opLookup, "count_failed", err)
	}
	return count > 0, nil
}

// PendingCount counts operations that still have retries left.
func (q *Queue) PendingCount(ctx context.Context, userID entities.UserID) (int64, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&PendingOperation{}).
		Where("user_id = ? AND retry_count < ?", userID, q.maxAttempts).
		Count(&count).Error; err != nil {
		return 0, newServiceError(opCount, "pending_count_failed", err)
	}
	return count, nil
}

// FailedCount counts operations that exhausted their retries.
func (q *Queue) FailedCount(ctx context.Context, userID entities.UserID) (int64, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&PendingOperation{}).
		Where("user_id = ? AND retry_count >= ?", userID, q.maxAttempts).
		Count(&count).Error; err != nil {
		return 0, newServiceError(opCount, "failed_count_failed", err)
	}
	return count, nil
}

// ListFailed returns exhausted operations for user review.
func (q *Queue) ListFailed(ctx context.Context, userID entities.UserID) ([]PendingOperation, error) {
	var operations []PendingOperation
	if err := q.db.WithContext(ctx).
		Where("user_id = ? AND retry_count >= ?", userID, q.maxAttempts).
		Order(orderPriorityAge).
		Find(&operations).Error; err != nil {
		return nil, newServiceError(opCount, "failed_list_failed", err)
	}
	return operations, nil
}

// ResetFailed gives exhausted operations a fresh retry budget.
func (q *Queue) ResetFailed(ctx context.Context, userID entities.UserID) (int64, error) {
	result := q.db.WithContext(ctx).Model(&PendingOperation{}).
		Where("user_id = ? AND retry_count >= ?", userID, q.maxAttempts).
		Updates(map[string]any{
			"retry_count":        0,
			"last_attempt_at_ms": nil,
			"last_error":         "",
		})
	if result.Error != nil {
		q.logError(opResetFailed, "update_failed", result.Error, zap.String(fieldUserID, userID.String()))
		return 0, newServiceError(opResetFailed, "update_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		q.logger.Info("failed operations reset",
			zap.String(fieldUserID, userID.String()),
			zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

func entityFields(request EnqueueRequest) []zap.Field {
	return []zap.Field{
		zap.String(fieldUserID, request.UserID.String()),
		zap.String(fieldEntityType, request.EntityType.String()),
		zap.String(fieldEntityID, request.EntityID.String()),
		zap.String("action", string(request.Action)),
	}
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("operation queue error", attrs...)
}
