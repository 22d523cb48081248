package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/mileage/internal/auth"
	"github.com/MarcoPoloResearchLab/mileage/internal/config"
	"github.com/MarcoPoloResearchLab/mileage/internal/database"
	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/logging"
	"github.com/MarcoPoloResearchLab/mileage/internal/remote"
	"github.com/MarcoPoloResearchLab/mileage/internal/scheduler"
	"github.com/MarcoPoloResearchLab/mileage/internal/server"
	"github.com/MarcoPoloResearchLab/mileage/internal/syncer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			device, err := openDevice(ctx, nil)
			if err != nil {
				return err
			}
			defer device.Close()

			outcome, err := device.orchestrator.RunSync(ctx, device.userID)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), outcome); err != nil {
				return err
			}
			if outcome.Status == syncer.StatusFailure {
				return errors.New(outcome.Reason)
			}
			return nil
		},
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Sync periodically and whenever work is left behind",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var runner *scheduler.Runner
			device, err := openDevice(ctx, func(userID entities.UserID) {
				if runner != nil {
					runner.FollowUp(userID)
				}
			})
			if err != nil {
				return err
			}
			defer device.Close()

			runner, err = scheduler.NewRunner(scheduler.Config{
				Syncer:   device.orchestrator,
				UserID:   device.userID,
				Interval: device.config.SyncInterval,
				Logger:   device.logger,
			})
			if err != nil {
				return err
			}
			runner.Start(ctx)
			runner.Trigger()

			<-ctx.Done()
			runner.Stop()
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth, failures and watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := openDevice(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer device.Close()

			report, err := device.orchestrator.Status(cmd.Context(), device.userID)
			if err != nil {
				return err
			}
			failed, err := device.queue.ListFailed(cmd.Context(), device.userID)
			if err != nil {
				return err
			}
			type failedOperation struct {
				EntityType entities.EntityType `json:"entityType"`
				EntityID   string              `json:"entityId"`
				Action     string              `json:"action"`
				RetryCount int                 `json:"retryCount"`
				LastError  string              `json:"lastError"`
			}
			view := struct {
				syncer.StatusReport
				Failed []failedOperation `json:"failed"`
			}{StatusReport: report, Failed: make([]failedOperation, 0, len(failed))}
			for _, operation := range failed {
				view.Failed = append(view.Failed, failedOperation{
					EntityType: operation.EntityType,
					EntityID:   operation.EntityID.String(),
					Action:     string(operation.Action),
					RetryCount: operation.RetryCount,
					LastError:  operation.LastError,
				})
			}
			return writeJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newResetFailedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-failed",
		Short: "Give failed operations a fresh retry budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := openDevice(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer device.Close()

			reset, err := device.queue.ResetFailed(cmd.Context(), device.userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d failed operations\n", reset)
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Issue a device token for --user-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			userID, err := entities.NewUserID(appConfig.UserID)
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        auth.DefaultIssuer,
				Audience:      auth.DefaultAudience,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueDeviceToken(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"access_token": token,
				"expires_in":   expiresIn,
				"token_type":   "Bearer",
			})
		},
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reference sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if err := appConfig.ValidateServer(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, "server")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenRemote(appConfig.ServerDatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := os.MkdirAll(appConfig.AttachmentsDir, 0o755); err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	store, err := remote.NewService(remote.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         tokenIssuer,
		Store:          store,
		AttachmentsDir: appConfig.AttachmentsDir,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
