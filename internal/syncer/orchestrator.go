// Package syncer runs the offline-first sync cycle: reconcile the local queue,
// upload attachments, push and pull in one call, apply both sides and
// advance the pull watermarks.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/mileage/internal/appliers"
	"github.com/MarcoPoloResearchLab/mileage/internal/attachments"
	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/metadata"
	"github.com/MarcoPoloResearchLab/mileage/internal/queue"
	"github.com/MarcoPoloResearchLab/mileage/internal/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultBatchSize bounds the operations pushed per run.
const DefaultBatchSize = 50

var errMissingDependency = errors.New("syncer: dependency is missing")

const (
	opRunSync       = "syncer.run_sync"
	opReconcile     = "syncer.reconcile_queue"
	opPushResults   = "syncer.apply_push_results"
	opPulledChanges = "syncer.apply_pulled_changes"
	opWatermarks    = "syncer.advance_watermarks"
)

// Transport performs the atomic push+pull call against the remote store.
type Transport interface {
	SyncChanges(ctx context.Context, operations []wire.Operation, since int64) (wire.SyncResult, error)
}

// SessionProvider reports whether the device can authenticate a sync call.
type SessionProvider interface {
	EnsureValid(ctx context.Context) (bool, error)
}

// AttachmentPhase uploads local files before their entities are pushed.
type AttachmentPhase interface {
	Run(ctx context.Context, userID entities.UserID) (attachments.Report, error)
	PendingCount(ctx context.Context, userID entities.UserID) (int64, error)
}

// Config describes the orchestrator dependencies.
type Config struct {
	Database       *gorm.DB
	Queue          *queue.Queue
	Metadata       *metadata.Store
	Appliers       *appliers.Registry
	Attachments    AttachmentPhase
	Transport      Transport
	Session        SessionProvider
	Clock          func() time.Time
	Logger         *zap.Logger
	BatchSize      int
	MaxRunAttempts int
	// FollowUp is called after a successful run that left due operations behind.
	FollowUp func(userID entities.UserID)
}

// Orchestrator owns the sync state machine. One run at a time holds the
// sync slot; a second caller waits for it or for its own context.
type Orchestrator struct {
	db          *gorm.DB
	queue       *queue.Queue
	metadata    *metadata.Store
	appliers    *appliers.Registry
	attachments AttachmentPhase
	transport   Transport
	session     SessionProvider
	clock       func() time.Time
	logger      *zap.Logger
	batchSize   int
	maxAttempts int
	followUp    func(userID entities.UserID)

	slot chan struct{}

	stateMutex sync.Mutex
	state      State

	attemptsMutex sync.Mutex
	attempts      map[entities.UserID]int
}

// New constructs an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Database == nil:
		return nil, fmt.Errorf("%w: database", errMissingDependency)
	case cfg.Queue == nil:
		return nil, fmt.Errorf("%w: queue", errMissingDependency)
	case cfg.Metadata == nil:
		return nil, fmt.Errorf("%w: metadata", errMissingDependency)
	case cfg.Appliers == nil:
		return nil, fmt.Errorf("%w: appliers", errMissingDependency)
	case cfg.Transport == nil:
		return nil, fmt.Errorf("%w: transport", errMissingDependency)
	case cfg.Session == nil:
		return nil, fmt.Errorf("%w: session", errMissingDependency)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	maxAttempts := cfg.MaxRunAttempts
	if maxAttempts <= 0 {
		maxAttempts = queue.DefaultMaxRetryAttempts
	}
	return &Orchestrator{
		db:          cfg.Database,
		queue:       cfg.Queue,
		metadata:    cfg.Metadata,
		appliers:    cfg.Appliers,
		attachments: cfg.Attachments,
		transport:   cfg.Transport,
		session:     cfg.Session,
		clock:       clock,
		logger:      logger,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		followUp:    cfg.FollowUp,
		slot:        make(chan struct{}, 1),
		state:       StateIdle,
		attempts:    make(map[entities.UserID]int),
	}, nil
}

// State returns the current state of the machine.
func (o *Orchestrator) State() State {
	o.stateMutex.Lock()
	defer o.stateMutex.Unlock()
	return o.state
}

func (o *Orchestrator) setState(state State) {
	o.stateMutex.Lock()
	o.state = state
	o.stateMutex.Unlock()
}

// RunSync runs one attempt, numbering it from the consecutive unsuccessful
// runs of the user. Cancellation is returned as an error, not as an outcome.
func (o *Orchestrator) RunSync(ctx context.Context, userID entities.UserID) (Outcome, error) {
	o.attemptsMutex.Lock()
	attempt := o.attempts[userID] + 1
	o.attemptsMutex.Unlock()

	outcome, err := o.RunAttempt(ctx, userID, attempt)
	if err != nil {
		return outcome, err
	}

	o.attemptsMutex.Lock()
	if outcome.Status == StatusRetry {
		o.attempts[userID] = attempt
	} else {
		delete(o.attempts, userID)
	}
	o.attemptsMutex.Unlock()
	return outcome, nil
}

// RunAttempt runs one sync for the user with a host-supplied attempt number.
func (o *Orchestrator) RunAttempt(ctx context.Context, userID entities.UserID, attempt int) (Outcome, error) {
	outcome := Outcome{Attempt: attempt}
	types := o.appliers.Types()
	userField := zap.String("user_id", userID.String())

	if attempt > o.maxAttempts {
		o.setState(StateFailed)
		outcome.Status = StatusFailure
		outcome.Reason = fmt.Sprintf("sync attempts exhausted (%d > %d)", attempt, o.maxAttempts)
		o.logger.Warn("sync abandoned", userField, zap.Int("attempt", attempt))
		o.recordError(ctx, userID, types, outcome.Reason)
		return outcome, nil
	}

	o.setState(StateValidatingSession)
	valid, err := o.session.EnsureValid(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return o.cancelled(ctxErr)
		}
		return o.retry(outcome, fmt.Sprintf("session check failed: %v", err)), nil
	}
	if !valid {
		return o.retry(outcome, "session invalid"), nil
	}

	if err := o.metadata.InitializeIfAbsent(ctx, userID, types); err != nil {
		return o.storeFailure(ctx, userID, types, outcome, opRunSync, err)
	}

	o.setState(StateReconcilingQueue)
	reconciled, err := o.reconcileQueue(ctx, userID)
	if err != nil {
		return o.storeFailure(ctx, userID, types, outcome, opReconcile, err)
	}
	outcome.Reconciled = reconciled

	if o.attachments != nil {
		o.setState(StateUploadingAttachments)
		report, err := o.attachments.Run(ctx, userID)
		if err != nil {
			return o.storeFailure(ctx, userID, types, outcome, opRunSync, err)
		}
		if report.AllFailed() {
			outcome.AttachmentsFailed = report.Failed
			o.recordError(ctx, userID, types, "attachment uploads failed")
			return o.retry(outcome, "all attachment uploads failed"), nil
		}
		outcome.AttachmentsFailed = report.Failed
	}

	select {
	case o.slot <- struct{}{}:
	case <-ctx.Done():
		return o.cancelled(ctx.Err())
	}
	outcome, err = o.syncLocked(ctx, userID, types, outcome)
	<-o.slot
	if err != nil {
		return outcome, err
	}

	if outcome.Status == StatusSuccess {
		o.setState(StateIdle)
		due, err := o.queue.DueForRetry(ctx, userID, o.clock(), 1)
		if err == nil && len(due) > 0 {
			outcome.FollowUp = true
			if o.followUp != nil {
				o.followUp(userID)
			}
		}
	}
	return outcome, nil
}

// syncLocked runs the exclusive part of the cycle: gather, transport, apply, advance.
func (o *Orchestrator) syncLocked(ctx context.Context, userID entities.UserID, types []entities.EntityType, outcome Outcome) (Outcome, error) {
	if err := o.metadata.SetInProgress(ctx, userID, types, true); err != nil {
		return o.storeFailure(ctx, userID, types, outcome, opRunSync, err)
	}
	defer func() {
		if err := o.metadata.SetInProgress(context.WithoutCancel(ctx), userID, types, false); err != nil {
			o.logError(opRunSync, "clear_in_progress_failed", err, zap.String("user_id", userID.String()))
		}
	}()

	o.setState(StateSyncing)
	operations, err := o.queue.DueForRetry(ctx, userID, o.clock(), o.batchSize)
	if err != nil {
		return o.storeFailure(ctx, userID, types, outcome, opRunSync, err)
	}
	since, err := o.metadata.GlobalWatermark(ctx, userID, types)
	if err != nil {
		return o.storeFailure(ctx, userID, types, outcome, opRunSync, err)
	}
	wireOperations := make([]wire.Operation, 0, len(operations))
	for _, operation := range operations {
		wireOperation, err := operation.Wire()
		if err != nil {
			return o.storeFailure(ctx, userID, types, outcome, opRunSync, err)
		}
		wireOperations = append(wireOperations, wireOperation)
	}

	result, err := o.transport.SyncChanges(ctx, wireOperations, since)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return o.cancelled(ctxErr)
		}
		o.logger.Warn("sync call failed",
			zap.String("user_id", userID.String()),
			zap.Int("operations", len(wireOperations)),
			zap.Error(err))
		o.recordError(ctx, userID, types, err.Error())
		return o.retry(outcome, fmt.Sprintf("transport: %v", err)), nil
	}

	o.setState(StateApplyingPushResults)
	conflicted := make(map[entities.EntityType]bool)
	results := make(map[string]wire.PushResult, len(result.PushResults))
	for _, pushResult := range result.PushResults {
		results[pushResult.Key()] = pushResult
	}
	for _, operation := range operations {
		if err := ctx.Err(); err != nil {
			return o.cancelled(err)
		}
		pushResult, found := results[operation.Key()]
		if err := o.applyPushResult(ctx, userID, operation, pushResult, found, conflicted, &outcome); err != nil {
			return o.storeFailure(ctx, userID, types, outcome, opPushResults, err)
		}
	}

	o.setState(StateApplyingPulledChanges)
	for key := range result.Changes {
		if _, known := entities.EntityTypeForChangesKey(key); !known {
			o.logger.Warn("ignoring unknown change list", zap.String("key", key))
		}
	}
	for _, applier := range o.appliers.Ordered() {
		for _, record := range result.Changes.For(applier.EntityType()) {
			if err := ctx.Err(); err != nil {
				return o.cancelled(err)
			}
			if err := o.applyChange(ctx, userID, applier, record, &outcome); err != nil {
				return o.storeFailure(ctx, userID, types, outcome, opPulledChanges, err)
			}
		}
	}

	o.setState(StateAdvancingWatermarks)
	watermark := result.MaxTimestamp
	if watermark <= 0 {
		watermark = o.clock().UTC().UnixMilli()
	}
	if err := o.metadata.SetAll(ctx, userID, types, watermark, conflicted); err != nil {
		return o.storeFailure(ctx, userID, types, outcome, opWatermarks, err)
	}
	for _, entityType := range types {
		if conflicted[entityType] {
			outcome.Conflicted = append(outcome.Conflicted, entityType)
		}
	}

	outcome.Status = StatusSuccess
	if outcome.AttachmentsFailed > 0 {
		outcome.Status = StatusRetry
		outcome.Reason = "some attachment uploads failed"
	}
	o.logger.Info("sync completed",
		zap.String("user_id", userID.String()),
		zap.Int("attempt", outcome.Attempt),
		zap.Int("pushed", outcome.Pushed),
		zap.Int("failed_operations", outcome.FailedOperations),
		zap.Int("pulled", outcome.Pulled),
		zap.Int("skipped", outcome.Skipped),
		zap.Int("conflicted_types", len(outcome.Conflicted)),
		zap.Int64("watermark", watermark))
	return outcome, nil
}

// reconcileQueue gives every PENDING_UPLOAD row without an operation a fresh one.
func (o *Orchestrator) reconcileQueue(ctx context.Context, userID entities.UserID) (int, error) {
	reconciled := 0
	for _, applier := range o.appliers.Ordered() {
		pending, err := applier.ListPendingUpload(ctx, userID)
		if err != nil {
			return reconciled, err
		}
		for _, listed := range pending {
			err := o.inTransaction(ctx, listed.EntityType, func(scope txScope) error {
				exists, err := scope.queue.HasPending(ctx, userID, listed.EntityType, listed.EntityID)
				if err != nil || exists {
					return err
				}
				// The row may have been settled since it was listed.
				snapshot, err := scope.applier.Find(ctx, userID, listed.EntityID)
				if err != nil {
					return err
				}
				if snapshot == nil || snapshot.State.SyncStatus != entities.SyncStatusPendingUpload {
					return nil
				}
				if _, err := scope.queue.EnqueueSnapshot(ctx, userID, *snapshot, scope.applier.PayloadFields(snapshot.Fields)); err != nil {
					return err
				}
				reconciled++
				o.logger.Info("orphaned pending row requeued",
					zap.String("user_id", userID.String()),
					zap.String("entity_type", snapshot.EntityType.String()),
					zap.String("entity_id", snapshot.EntityID.String()))
				return nil
			})
			if err != nil {
				return reconciled, err
			}
		}
	}
	return reconciled, nil
}

func (o *Orchestrator) retry(outcome Outcome, reason string) Outcome {
	o.setState(StateIdle)
	outcome.Status = StatusRetry
	outcome.Reason = reason
	return outcome
}

func (o *Orchestrator) cancelled(err error) (Outcome, error) {
	o.setState(StateIdle)
	return Outcome{}, err
}

func (o *Orchestrator) storeFailure(ctx context.Context, userID entities.UserID, types []entities.EntityType, outcome Outcome, operation string, err error) (Outcome, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return o.cancelled(ctxErr)
	}
	o.logError(operation, "store_failed", err, zap.String("user_id", userID.String()))
	o.recordError(ctx, userID, types, err.Error())
	return o.retry(outcome, fmt.Sprintf("%s: %v", operation, err)), nil
}

func (o *Orchestrator) recordError(ctx context.Context, userID entities.UserID, types []entities.EntityType, message string) {
	if err := o.metadata.SetError(context.WithoutCancel(ctx), userID, types, message); err != nil {
		o.logError(opRunSync, "record_error_failed", err, zap.String("user_id", userID.String()))
	}
}

// Status reports queue sizes and per-type watermarks for the user.
func (o *Orchestrator) Status(ctx context.Context, userID entities.UserID) (StatusReport, error) {
	report := StatusReport{State: o.State()}
	var err error
	if report.PendingOperations, err = o.queue.PendingCount(ctx, userID); err != nil {
		return StatusReport{}, err
	}
	if report.FailedOperations, err = o.queue.FailedCount(ctx, userID); err != nil {
		return StatusReport{}, err
	}
	if o.attachments != nil {
		if report.PendingAttachments, err = o.attachments.PendingCount(ctx, userID); err != nil {
			return StatusReport{}, err
		}
	}
	if report.Types, err = o.metadata.List(ctx, userID); err != nil {
		return StatusReport{}, err
	}
	return report, nil
}

func (o *Orchestrator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	o.logger.Error("sync orchestrator error", attrs...)
}
