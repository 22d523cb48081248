// Package scheduler hosts the sync orchestrator: a periodic ticker and an
// on-demand trigger channel, each served by its own goroutine.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/syncer"
	"go.uber.org/zap"
)

// DefaultInterval is the periodic sync cadence.
const DefaultInterval = 15 * time.Minute

var errMissingSyncer = errors.New("scheduler: syncer is required")

// Syncer runs one sync for a user.
type Syncer interface {
	RunSync(ctx context.Context, userID entities.UserID) (syncer.Outcome, error)
}

// Config describes the runner.
type Config struct {
	Syncer   Syncer
	UserID   entities.UserID
	Interval time.Duration
	Logger   *zap.Logger
	// OnOutcome observes every finished run.
	OnOutcome func(outcome syncer.Outcome, err error)
}

// Runner triggers syncs periodically and on demand until stopped.
type Runner struct {
	syncer    Syncer
	userID    entities.UserID
	interval  time.Duration
	logger    *zap.Logger
	onOutcome func(outcome syncer.Outcome, err error)

	triggers chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewRunner constructs a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Syncer == nil {
		return nil, errMissingSyncer
	}
	if _, err := entities.NewUserID(cfg.UserID.String()); err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		syncer:    cfg.Syncer,
		userID:    cfg.UserID,
		interval:  interval,
		logger:    logger,
		onOutcome: cfg.OnOutcome,
		triggers:  make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the periodic and on-demand loops. Calling Start twice is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(2)
	go r.periodicLoop(ctx)
	go r.triggerLoop(ctx)

	r.logger.Info("sync scheduler started",
		zap.String("user_id", r.userID.String()),
		zap.Duration("interval", r.interval))
}

// Stop signals both loops and waits for the run in flight to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("sync scheduler stopped", zap.String("user_id", r.userID.String()))
}

// Trigger requests a sync as soon as possible. Requests coalesce while one is pending.
func (r *Runner) Trigger() {
	select {
	case r.triggers <- struct{}{}:
	default:
	}
}

// FollowUp adapts Trigger to the orchestrator follow-up callback.
func (r *Runner) FollowUp(userID entities.UserID) {
	if userID == r.userID {
		r.Trigger()
	}
}

func (r *Runner) periodicLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.run(ctx, "periodic")
		}
	}
}

func (r *Runner) triggerLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-r.triggers:
			r.run(ctx, "on_demand")
		}
	}
}

func (r *Runner) run(ctx context.Context, source string) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	outcome, err := r.syncer.RunSync(runCtx, r.userID)
	fields := []zap.Field{
		zap.String("user_id", r.userID.String()),
		zap.String("source", source),
	}
	switch {
	case err != nil:
		r.logger.Info("sync interrupted", append(fields, zap.Error(err))...)
	case outcome.Status == syncer.StatusFailure:
		r.logger.Warn("sync gave up", append(fields, zap.Int("attempt", outcome.Attempt), zap.String("reason", outcome.Reason))...)
	case outcome.Status == syncer.StatusRetry:
		r.logger.Info("sync will be retried", append(fields, zap.Int("attempt", outcome.Attempt), zap.String("reason", outcome.Reason))...)
	default:
		r.logger.Debug("sync finished", append(fields, zap.Int("pushed", outcome.Pushed), zap.Int("pulled", outcome.Pulled))...)
	}
	if r.onOutcome != nil {
		r.onOutcome(outcome, err)
	}
}
