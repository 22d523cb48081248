package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/mileage/internal/appliers"
	"github.com/MarcoPoloResearchLab/mileage/internal/conflict"
	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/metadata"
	"github.com/MarcoPoloResearchLab/mileage/internal/queue"
	"github.com/MarcoPoloResearchLab/mileage/internal/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const missingResultMessage = "no push result returned"

// txScope bundles the stores bound to one local transaction.
type txScope struct {
	queue    *queue.Queue
	metadata *metadata.Store
	applier  appliers.Applier
}

func (o *Orchestrator) inTransaction(ctx context.Context, entityType entities.EntityType, fn func(scope txScope) error) error {
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applier, err := o.appliers.WithTx(tx).Get(entityType)
		if err != nil {
			return err
		}
		return fn(txScope{
			queue:    o.queue.WithTx(tx),
			metadata: o.metadata.WithTx(tx),
			applier:  applier,
		})
	})
}

// applyPushResult settles one pushed operation in its own transaction.
func (o *Orchestrator) applyPushResult(ctx context.Context, userID entities.UserID, operation queue.PendingOperation, result wire.PushResult, found bool, conflicted map[entities.EntityType]bool, outcome *Outcome) error {
	fields := []zap.Field{
		zap.String("user_id", userID.String()),
		zap.String("entity_type", operation.EntityType.String()),
		zap.String("entity_id", operation.EntityID.String()),
		zap.String("action", string(operation.Action)),
	}
	now := o.clock().UTC()

	return o.inTransaction(ctx, operation.EntityType, func(scope txScope) error {
		current, exists, err := scope.queue.Get(ctx, operation.ID)
		if err != nil {
			return err
		}

		switch {
		case !found:
			outcome.FailedOperations++
			o.logger.Warn("push result missing", fields...)
			if !exists {
				return nil
			}
			return o.markFailed(ctx, userID, scope, current, missingResultMessage, now)

		case result.Success || result.ErrorCode == wire.ErrorCodeAlreadyProcessed:
			settled, err := o.confirm(ctx, userID, scope, operation, exists, result, now)
			if err != nil {
				return err
			}
			if settled {
				outcome.Pushed++
			}
			return nil

		case result.ErrorCode == wire.ErrorCodeVersionConflict:
			conflicted[operation.EntityType] = true
			if err := scope.metadata.Reset(ctx, userID, operation.EntityType); err != nil {
				return err
			}
			policy := ConflictPolicyFor(operation.EntityType)
			o.logger.Info("version conflict",
				append(fields, zap.Int64("server_version", result.ServerVersion), zap.String("policy", policy.String()))...)
			if policy == PolicyRequeue {
				return o.requeue(ctx, userID, scope, operation, result.ServerVersion)
			}
			return o.discard(ctx, userID, scope, operation, exists)

		case IsTerminalRejection(operation.EntityType, result):
			if !exists {
				o.logger.Warn("push rejected; superseded by a newer local write", append(fields, zap.String("message", result.ErrorMessage))...)
				return nil
			}
			outcome.RolledBack++
			o.logger.Warn("push rejected; rolling back", append(fields, zap.String("message", result.ErrorMessage))...)
			rolledBackType, err := o.rollback(ctx, userID, scope, operation, now)
			if err != nil {
				return err
			}
			if rolledBackType {
				conflicted[operation.EntityType] = true
			}
			return scope.queue.Delete(ctx, operation.ID)

		default:
			outcome.FailedOperations++
			message := result.ErrorMessage
			if message == "" {
				message = result.ErrorCode
			}
			o.logger.Warn("push failed", append(fields, zap.String("error_code", result.ErrorCode), zap.String("message", message))...)
			if !exists {
				return nil
			}
			return o.markFailed(ctx, userID, scope, current, message, now)
		}
	})
}

// confirm removes an acknowledged operation and records the server version.
// A newer local write queued while the call was in flight is rebased onto it.
// It reports false when the acknowledgement was already settled.
func (o *Orchestrator) confirm(ctx context.Context, userID entities.UserID, scope txScope, operation queue.PendingOperation, exists bool, result wire.PushResult, now time.Time) (bool, error) {
	version := result.ServerVersion
	if version <= 0 {
		version = operation.Payload.Version
	}

	if exists {
		if err := scope.queue.Delete(ctx, operation.ID); err != nil {
			return false, err
		}
		if operation.Action == wire.ActionDelete {
			return true, nil
		}
		return true, ignoreMissing(scope.applier.MarkSynced(ctx, userID, operation.EntityID, version, now.UnixMilli()))
	}

	if operation.Action == wire.ActionDelete {
		return false, nil
	}
	newer, found, err := scope.queue.FindByEntity(ctx, userID, operation.EntityType, operation.EntityID)
	if err != nil || !found {
		return false, err
	}
	if newer.Payload.Version > version {
		return false, nil
	}
	if newer.Action == wire.ActionDelete {
		newer.Payload.Version = version + 1
		_, err := scope.queue.Enqueue(ctx, queue.EnqueueRequest{
			UserID:     userID,
			EntityType: newer.EntityType,
			EntityID:   newer.EntityID,
			Action:     wire.ActionDelete,
			Payload:    newer.Payload,
			Priority:   newer.Priority,
		})
		return true, err
	}
	payload := newer.Payload
	payload.Version = version + 1
	if _, err := scope.queue.Enqueue(ctx, queue.EnqueueRequest{
		UserID:     userID,
		EntityType: newer.EntityType,
		EntityID:   newer.EntityID,
		Action:     wire.ActionUpdate,
		Payload:    payload,
		Priority:   newer.Priority,
	}); err != nil {
		return false, err
	}
	o.logger.Debug("newer local write rebased",
		zap.String("entity_type", operation.EntityType.String()),
		zap.String("entity_id", operation.EntityID.String()),
		zap.Int64("version", payload.Version))
	return true, ignoreMissing(scope.applier.SetVersion(ctx, userID, operation.EntityID, payload.Version))
}

// requeue rebases the local write onto the server version and queues it again.
func (o *Orchestrator) requeue(ctx context.Context, userID entities.UserID, scope txScope, operation queue.PendingOperation, serverVersion int64) error {
	target := serverVersion + 1
	if operation.Action == wire.ActionDelete {
		_, err := scope.queue.Enqueue(ctx, queue.EnqueueRequest{
			UserID:     userID,
			EntityType: operation.EntityType,
			EntityID:   operation.EntityID,
			Action:     wire.ActionDelete,
			Payload:    queue.Payload{Version: target},
		})
		return err
	}

	snapshot, err := scope.applier.Find(ctx, userID, operation.EntityID)
	if err != nil {
		return err
	}
	if snapshot == nil {
		return scope.queue.Delete(ctx, operation.ID)
	}
	if _, err := scope.queue.Enqueue(ctx, queue.EnqueueRequest{
		UserID:     userID,
		EntityType: operation.EntityType,
		EntityID:   operation.EntityID,
		Action:     wire.ActionUpdate,
		Payload: queue.Payload{
			Version:  target,
			Fields:   scope.applier.PayloadFields(snapshot.Fields),
			Rollback: operation.Payload.Rollback,
		},
	}); err != nil {
		return err
	}
	if err := scope.applier.SetVersion(ctx, userID, operation.EntityID, target); err != nil {
		return err
	}
	return scope.applier.SetStatus(ctx, userID, operation.EntityID, entities.SyncStatusPendingUpload)
}

// discard drops the local write; the reset watermark restores server state on the next pull.
func (o *Orchestrator) discard(ctx context.Context, userID entities.UserID, scope txScope, operation queue.PendingOperation, exists bool) error {
	if !exists {
		return nil
	}
	if err := scope.queue.Delete(ctx, operation.ID); err != nil {
		return err
	}
	return ignoreMissing(scope.applier.SetStatus(ctx, userID, operation.EntityID, entities.SyncStatusSynced))
}

// rollback undoes an optimistic change the server will never accept. It
// reports whether the type needs a full pull to restore server state.
func (o *Orchestrator) rollback(ctx context.Context, userID entities.UserID, scope txScope, operation queue.PendingOperation, now time.Time) (bool, error) {
	if rollback := operation.Payload.Rollback; rollback != nil {
		version, _ := rollback.Int64(entities.FieldVersion)
		restored := rollback.Clone()
		delete(restored, entities.FieldVersion)
		delete(restored, entities.FieldID)
		existing, err := scope.applier.Find(ctx, userID, operation.EntityID)
		if err != nil {
			return false, err
		}
		state := entities.SyncState{SyncStatus: entities.SyncStatusSynced, Version: version, LocalUpdatedAt: now.UnixMilli()}
		if existing != nil {
			state.ServerUpdatedAt = existing.State.ServerUpdatedAt
			merged := existing.Fields.Clone()
			for key, value := range restored {
				merged[key] = value
			}
			restored = merged
		}
		return false, scope.applier.Upsert(ctx, userID, entities.Snapshot{
			EntityType: operation.EntityType,
			EntityID:   operation.EntityID,
			Fields:     restored,
			State:      state,
		})
	}
	if operation.Action == wire.ActionCreate {
		return false, scope.applier.Delete(ctx, userID, operation.EntityID)
	}
	if err := ignoreMissing(scope.applier.SetStatus(ctx, userID, operation.EntityID, entities.SyncStatusSynced)); err != nil {
		return false, err
	}
	return true, scope.metadata.Reset(ctx, userID, operation.EntityType)
}

func (o *Orchestrator) markFailed(ctx context.Context, userID entities.UserID, scope txScope, current queue.PendingOperation, message string, now time.Time) error {
	if err := scope.queue.MarkRetried(ctx, current.ID, o.clock(), message); err != nil {
		return err
	}
	if current.RetryCount+1 < scope.queue.MaxRetryAttempts() {
		return nil
	}
	o.logger.Warn("pending operation exhausted its retries",
		zap.String("user_id", userID.String()),
		zap.String("entity_type", current.EntityType.String()),
		zap.String("entity_id", current.EntityID.String()),
		zap.Int64("at", now.UnixMilli()))
	return ignoreMissing(scope.applier.SetStatus(ctx, userID, current.EntityID, entities.SyncStatusError))
}

// applyChange applies one pulled record in its own transaction.
func (o *Orchestrator) applyChange(ctx context.Context, userID entities.UserID, applier appliers.Applier, record wire.ChangeRecord, outcome *Outcome) error {
	entityType := applier.EntityType()
	entityID, err := entities.NewEntityID(record.EntityID)
	if err != nil {
		o.logger.Warn("pulled change without a valid id", zap.String("entity_type", entityType.String()), zap.Error(err))
		return nil
	}
	record.EntityType = entityType
	fields := []zap.Field{
		zap.String("user_id", userID.String()),
		zap.String("entity_type", entityType.String()),
		zap.String("entity_id", entityID.String()),
	}

	return o.inTransaction(ctx, entityType, func(scope txScope) error {
		if record.Action == wire.ChangeActionDelete {
			if err := scope.applier.Delete(ctx, userID, entityID); err != nil {
				return err
			}
			if pending, found, err := scope.queue.FindByEntity(ctx, userID, entityType, entityID); err != nil {
				return err
			} else if found {
				if err := scope.queue.Delete(ctx, pending.ID); err != nil {
					return err
				}
			}
			outcome.Pulled++
			return scope.metadata.AddSynced(ctx, userID, entityType, 1)
		}

		pending, err := scope.queue.HasPending(ctx, userID, entityType, entityID)
		if err != nil {
			return err
		}
		if pending {
			outcome.Skipped++
			o.logger.Info("pulled change skipped: local operation pending", fields...)
			return nil
		}

		local, err := scope.applier.Find(ctx, userID, entityID)
		if err != nil {
			return err
		}
		resolution := scope.applier.Resolve(local, record)
		switch resolution.Decision {
		case conflict.DecisionAcceptRemote, conflict.DecisionMerge:
			if err := scope.applier.Upsert(ctx, userID, resolution.Result); err != nil {
				return err
			}
			if resolution.Preserved {
				if _, err := scope.queue.EnqueueSnapshot(ctx, userID, resolution.Result, scope.applier.PayloadFields(resolution.Result.Fields)); err != nil {
					return err
				}
				o.logger.Info("merged remote change; local edits requeued", fields...)
			}
		case conflict.DecisionMarkConflict:
			o.logger.Warn("pulled change conflicts with local edits", fields...)
			return scope.applier.SetStatus(ctx, userID, entityID, entities.SyncStatusConflict)
		default:
			return nil
		}
		outcome.Pulled++
		return scope.metadata.AddSynced(ctx, userID, entityType, 1)
	})
}

func ignoreMissing(err error) error {
	if errors.Is(err, appliers.ErrEntityNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("syncer: %w", err)
	}
	return nil
}
