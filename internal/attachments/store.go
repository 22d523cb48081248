// Package attachments queues local files referenced by entities and uploads
// them before the entity itself is pushed.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Status tracks an attachment's upload state.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusUploaded Status = "UPLOADED"
)

var (
	// ErrMissingDatabase indicates that the store was built without a database handle.
	ErrMissingDatabase = errors.New("attachments: database handle is required")
	// ErrInvalidAttachment indicates a registration without an owner, field or file reference.
	ErrInvalidAttachment = errors.New("attachments: invalid attachment")
)

// Attachment is a local file waiting to be uploaded for an entity field.
type Attachment struct {
	ID            string              `gorm:"column:id;primaryKey;size:64;not null"`
	UserID        entities.UserID     `gorm:"column:user_id;size:190;not null;index:idx_attachments_due,priority:1"`
	EntityType    entities.EntityType `gorm:"column:entity_type;size:64;not null"`
	EntityID      entities.EntityID   `gorm:"column:entity_id;size:190;not null"`
	Field         string              `gorm:"column:field;size:64;not null"`
	LocalRef      string              `gorm:"column:local_ref;type:text;not null"`
	RemoteURL     string              `gorm:"column:remote_url;type:text;not null;default:''"`
	Status        Status              `gorm:"column:status;size:16;not null;default:PENDING;index:idx_attachments_due,priority:2"`
	RetryCount    int                 `gorm:"column:retry_count;not null;default:0"`
	LastAttemptAt *int64              `gorm:"column:last_attempt_at_ms"`
	LastError     string              `gorm:"column:last_error;type:text;not null;default:''"`
	CreatedAt     int64               `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Attachment) TableName() string {
	return "pending_attachments"
}

// StoreConfig describes the store dependencies.
type StoreConfig struct {
	Database         *gorm.DB
	Clock            func() time.Time
	Backoff          queue.Backoff
	MaxRetryAttempts int
	Logger           *zap.Logger
}

// Store owns the pending_attachments table.
type Store struct {
	db          *gorm.DB
	clock       func() time.Time
	backoff     queue.Backoff
	maxAttempts int
	logger      *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	backoff := cfg.Backoff
	if backoff.Base <= 0 || backoff.Max <= 0 {
		backoff = queue.DefaultBackoff()
	}
	maxAttempts := cfg.MaxRetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = queue.DefaultMaxRetryAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, backoff: backoff, maxAttempts: maxAttempts, logger: logger}, nil
}

// WithTx returns a store bound to an outer transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	clone := *s
	clone.db = tx
	return &clone
}

// AddRequest registers a local file for upload.
type AddRequest struct {
	UserID     entities.UserID
	EntityType entities.EntityType
	EntityID   entities.EntityID
	Field      string
	LocalRef   string
}

// Add records a pending upload.
func (s *Store) Add(ctx context.Context, request AddRequest) (Attachment, error) {
	if !request.EntityType.Valid() {
		return Attachment{}, fmt.Errorf("%w: %v", ErrInvalidAttachment, entities.ErrUnknownEntityType)
	}
	if strings.TrimSpace(request.EntityID.String()) == "" || strings.TrimSpace(request.Field) == "" || strings.TrimSpace(request.LocalRef) == "" {
		return Attachment{}, ErrInvalidAttachment
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Attachment{}, fmt.Errorf("attachments: generate id: %w", err)
	}
	attachment := Attachment{
		ID:         id.String(),
		UserID:     request.UserID,
		EntityType: request.EntityType,
		EntityID:   request.EntityID,
		Field:      request.Field,
		LocalRef:   request.LocalRef,
		Status:     StatusPending,
		CreatedAt:  s.clock().UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&attachment).Error; err != nil {
		return Attachment{}, fmt.Errorf("attachments: add: %w", err)
	}
	return attachment, nil
}

// Due returns pending attachments whose backoff has elapsed, oldest first.
func (s *Store) Due(ctx context.Context, userID entities.UserID, now time.Time) ([]Attachment, error) {
	clauses := make([]string, 0, s.maxAttempts)
	arguments := make([]any, 0, 2*s.maxAttempts)
	for retryCount := 0; retryCount < s.maxAttempts; retryCount++ {
		clauses = append(clauses, "(retry_count = ? AND (last_attempt_at_ms IS NULL OR last_attempt_at_ms < ?))")
		arguments = append(arguments, retryCount, s.backoff.Threshold(now, retryCount).UnixMilli())
	}
	var due []Attachment
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, StatusPending).
		Where("("+strings.Join(clauses, " OR ")+")", arguments...).
		Order("created_at_ms ASC, id ASC").
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("attachments: due: %w", err)
	}
	return due, nil
}

// MarkUploaded records the remote URL of a finished upload.
func (s *Store) MarkUploaded(ctx context.Context, id, remoteURL string) error {
	err := s.db.WithContext(ctx).Model(&Attachment{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     StatusUploaded,
			"remote_url": remoteURL,
			"last_error": "",
		}).Error
	if err != nil {
		return fmt.Errorf("attachments: mark uploaded: %w", err)
	}
	return nil
}

// MarkRetried records a failed upload attempt.
func (s *Store) MarkRetried(ctx context.Context, id string, attemptedAt time.Time, message string) error {
	err := s.db.WithContext(ctx).Model(&Attachment{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"retry_count":        gorm.Expr("retry_count + 1"),
			"last_attempt_at_ms": attemptedAt.UTC().UnixMilli(),
			"last_error":         message,
		}).Error
	if err != nil {
		return fmt.Errorf("attachments: mark retried: %w", err)
	}
	return nil
}

// PendingCount counts attachments not uploaded yet.
func (s *Store) PendingCount(ctx context.Context, userID entities.UserID) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Attachment{}).
		Where("user_id = ? AND status = ?", userID, StatusPending).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("attachments: count: %w", err)
	}
	return count, nil
}
