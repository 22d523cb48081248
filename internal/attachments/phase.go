package attachments

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/mileage/internal/appliers"
	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// DefaultConcurrency bounds parallel uploads.
const DefaultConcurrency = 3

var errMissingDependency = errors.New("attachments: phase dependency is missing")

// Uploader sends a local file to remote storage and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, localRef string) (string, error)
}

// PhaseConfig describes the upload phase dependencies.
type PhaseConfig struct {
	Database    *gorm.DB
	Store       *Store
	Queue       *queue.Queue
	Appliers    *appliers.Registry
	Uploader    Uploader
	Concurrency int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Phase uploads due attachments and stages the owning entities for push.
type Phase struct {
	db          *gorm.DB
	store       *Store
	queue       *queue.Queue
	appliers    *appliers.Registry
	uploader    Uploader
	concurrency int
	clock       func() time.Time
	logger      *zap.Logger
}

// Report summarizes one phase run.
type Report struct {
	Attempted int
	Succeeded int
	Failed    int
}

// AllFailed reports whether every attempted upload failed.
func (r Report) AllFailed() bool {
	return r.Attempted > 0 && r.Succeeded == 0
}

// NewPhase constructs a Phase.
func NewPhase(cfg PhaseConfig) (*Phase, error) {
	if cfg.Database == nil || cfg.Store == nil || cfg.Queue == nil || cfg.Appliers == nil || cfg.Uploader == nil {
		return nil, errMissingDependency
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Phase{
		db:          cfg.Database,
		store:       cfg.Store,
		queue:       cfg.Queue,
		appliers:    cfg.Appliers,
		uploader:    cfg.Uploader,
		concurrency: concurrency,
		clock:       clock,
		logger:      logger,
	}, nil
}

type uploadResult struct {
	attachment Attachment
	remoteURL  string
	err        error
}

// Run uploads every due attachment of the user. Upload failures are recorded
// per attachment and reported; only store failures and cancellation return an error.
func (p *Phase) Run(ctx context.Context, userID entities.UserID) (Report, error) {
	due, err := p.store.Due(ctx, userID, p.clock())
	if err != nil {
		return Report{}, err
	}
	if len(due) == 0 {
		return Report{}, nil
	}

	var (
		mutex   sync.Mutex
		results = make([]uploadResult, 0, len(due))
		group   errgroup.Group
	)
	group.SetLimit(p.concurrency)
	for _, attachment := range due {
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			remoteURL, uploadErr := p.uploader.Upload(ctx, attachment.LocalRef)
			mutex.Lock()
			results = append(results, uploadResult{attachment: attachment, remoteURL: remoteURL, err: uploadErr})
			mutex.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Report{}, err
	}
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	report := Report{Attempted: len(results)}
	for _, result := range results {
		if result.err != nil {
			report.Failed++
			p.logger.Warn("attachment upload failed",
				zap.String("attachment_id", result.attachment.ID),
				zap.String("entity_type", result.attachment.EntityType.String()),
				zap.String("entity_id", result.attachment.EntityID.String()),
				zap.Error(result.err))
			if err := p.store.MarkRetried(ctx, result.attachment.ID, p.clock(), result.err.Error()); err != nil {
				return report, err
			}
			continue
		}
		if err := p.stage(ctx, result.attachment, result.remoteURL); err != nil {
			return report, err
		}
		report.Succeeded++
	}
	return report, nil
}

// stage links the uploaded URL into the owning entity and queues the entity for push.
func (p *Phase) stage(ctx context.Context, attachment Attachment, remoteURL string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.store.WithTx(tx).MarkUploaded(ctx, attachment.ID, remoteURL); err != nil {
			return err
		}
		applier, err := p.appliers.WithTx(tx).Get(attachment.EntityType)
		if err != nil {
			return err
		}
		err = applier.SetField(ctx, attachment.UserID, attachment.EntityID, attachment.Field, remoteURL)
		if errors.Is(err, appliers.ErrEntityNotFound) {
			p.logger.Info("attachment owner no longer exists",
				zap.String("attachment_id", attachment.ID),
				zap.String("entity_id", attachment.EntityID.String()))
			return nil
		}
		if err != nil {
			return err
		}
		snapshot, err := applier.Find(ctx, attachment.UserID, attachment.EntityID)
		if err != nil {
			return err
		}
		if snapshot.State.SyncStatus != entities.SyncStatusPendingUpload {
			snapshot.State.Version++
			snapshot.State.SyncStatus = entities.SyncStatusPendingUpload
		}
		snapshot.State.LocalUpdatedAt = p.clock().UTC().UnixMilli()
		if err := applier.Upsert(ctx, attachment.UserID, *snapshot); err != nil {
			return err
		}
		_, err = p.queue.WithTx(tx).EnqueueSnapshot(ctx, attachment.UserID, *snapshot, applier.PayloadFields(snapshot.Fields))
		return err
	})
}

// PendingCount counts the user's attachments still waiting for upload.
func (p *Phase) PendingCount(ctx context.Context, userID entities.UserID) (int64, error) {
	return p.store.PendingCount(ctx, userID)
}
