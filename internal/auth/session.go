package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const defaultRefreshLeeway = time.Minute

var (
	ErrMissingSessionToken = errors.New("session: token required")
	ErrInvalidSessionToken = errors.New("session: invalid token")
	ErrExpiredSessionToken = errors.New("session: token expired")
)

// Refresher obtains a fresh device token.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// RefresherFunc adapts a function into a Refresher.
type RefresherFunc func(ctx context.Context) (string, error)

// Refresh implements Refresher.
func (f RefresherFunc) Refresh(ctx context.Context) (string, error) {
	return f(ctx)
}

// SessionConfig describes the client session.
type SessionConfig struct {
	Token     string
	Refresher Refresher
	// Leeway refreshes a token this long before it expires.
	Leeway time.Duration
	Clock  func() time.Time
	Logger *zap.Logger
}

// Session holds the device token used for sync calls. The signature is not
// checked on the client; only expiry decides whether a sync may start.
type Session struct {
	mutex     sync.Mutex
	token     string
	refresher Refresher
	leeway    time.Duration
	clock     func() time.Time
	logger    *zap.Logger
	parser    *jwt.Parser
}

// NewSession constructs a Session. A session without token and refresher is
// valid to construct and reports itself invalid on EnsureValid.
func NewSession(cfg SessionConfig) *Session {
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultRefreshLeeway
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		token:     strings.TrimSpace(cfg.Token),
		refresher: cfg.Refresher,
		leeway:    leeway,
		clock:     clock,
		logger:    logger,
		parser:    jwt.NewParser(),
	}
}

// Token returns the current token.
func (s *Session) Token() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.token
}

// EnsureValid reports whether the session can authenticate a sync call,
// refreshing the token when it is missing or about to expire.
func (s *Session) EnsureValid(ctx context.Context) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	err := s.check(s.token)
	if err == nil {
		return true, nil
	}
	if s.refresher == nil {
		s.logger.Info("session invalid", zap.Error(err))
		return false, nil
	}

	refreshed, refreshErr := s.refresher.Refresh(ctx)
	if refreshErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		s.logger.Warn("session refresh failed", zap.Error(refreshErr))
		return false, nil
	}
	if err := s.check(refreshed); err != nil {
		s.logger.Warn("refreshed session token unusable", zap.Error(err))
		return false, nil
	}
	s.token = strings.TrimSpace(refreshed)
	return true, nil
}

func (s *Session) check(token string) error {
	if token == "" {
		return ErrMissingSessionToken
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := s.parser.ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if claims.ExpiresAt == nil {
		return nil
	}
	if !s.clock().Add(s.leeway).Before(claims.ExpiresAt.Time) {
		return ErrExpiredSessionToken
	}
	return nil
}
