package main

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/mileage/internal/appliers"
	"github.com/MarcoPoloResearchLab/mileage/internal/attachments"
	"github.com/MarcoPoloResearchLab/mileage/internal/auth"
	"github.com/MarcoPoloResearchLab/mileage/internal/config"
	"github.com/MarcoPoloResearchLab/mileage/internal/database"
	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/logging"
	"github.com/MarcoPoloResearchLab/mileage/internal/metadata"
	"github.com/MarcoPoloResearchLab/mileage/internal/queue"
	"github.com/MarcoPoloResearchLab/mileage/internal/syncer"
	"github.com/MarcoPoloResearchLab/mileage/internal/transport"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// device is the client side of the engine opened against the local database.
type device struct {
	config       config.AppConfig
	userID       entities.UserID
	logger       *zap.Logger
	db           *gorm.DB
	queue        *queue.Queue
	metadata     *metadata.Store
	orchestrator *syncer.Orchestrator
}

// openDevice loads the client configuration and wires every client component.
// followUp may be nil.
func openDevice(ctx context.Context, followUp func(entities.UserID)) (*device, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if err := appConfig.ValidateClient(); err != nil {
		return nil, err
	}
	userID, err := entities.NewUserID(appConfig.UserID)
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, "client")
	if err != nil {
		return nil, err
	}

	db, err := database.OpenLocal(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	metadataStore, err := metadata.NewStore(metadata.Config{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	cleared, err := metadataStore.ClearInProgress(ctx)
	if err != nil {
		return nil, err
	}
	if cleared > 0 {
		logger.Info("cleared stale in-progress flags", zap.Int64("rows", cleared))
	}

	operations, err := queue.New(queue.Config{
		Database:         db,
		MaxRetryAttempts: appConfig.MaxRetryAttempts,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	var refresher auth.Refresher
	if appConfig.SigningSecret != "" {
		issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(appConfig.SigningSecret),
			Issuer:        auth.DefaultIssuer,
			Audience:      auth.DefaultAudience,
			TokenTTL:      appConfig.TokenTTL,
		})
		if err != nil {
			return nil, err
		}
		refresher = issuer.Refresher(userID)
	}
	session := auth.NewSession(auth.SessionConfig{
		Token:     appConfig.AuthToken,
		Refresher: refresher,
		Logger:    logger,
	})

	client, err := transport.NewClient(transport.Config{
		BaseURL: appConfig.RemoteBaseURL,
		Tokens:  session,
		Timeout: appConfig.RemoteTimeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	registry := appliers.NewRegistry(db)
	attachmentStore, err := attachments.NewStore(attachments.StoreConfig{
		Database:         db,
		MaxRetryAttempts: appConfig.MaxRetryAttempts,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}
	phase, err := attachments.NewPhase(attachments.PhaseConfig{
		Database:    db,
		Store:       attachmentStore,
		Queue:       operations,
		Appliers:    registry,
		Uploader:    client,
		Concurrency: appConfig.AttachmentConcurrency,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	orchestrator, err := syncer.New(syncer.Config{
		Database:       db,
		Queue:          operations,
		Metadata:       metadataStore,
		Appliers:       registry,
		Attachments:    phase,
		Transport:      client,
		Session:        session,
		Logger:         logger,
		BatchSize:      appConfig.BatchSize,
		MaxRunAttempts: appConfig.MaxRetryAttempts,
		FollowUp:       followUp,
	})
	if err != nil {
		return nil, fmt.Errorf("construct orchestrator: %w", err)
	}

	return &device{
		config:       appConfig,
		userID:       userID,
		logger:       logger,
		db:           db,
		queue:        operations,
		metadata:     metadataStore,
		orchestrator: orchestrator,
	}, nil
}

func (d *device) Close() {
	if sqlDB, err := d.db.DB(); err == nil {
		sqlDB.Close()
	}
	d.logger.Sync() //nolint:errcheck
}
