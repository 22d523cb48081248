package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSessionEnsureValid(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	issuer := newTestIssuer(t, clock)
	fresh, _, err := issuer.IssueDeviceToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	t.Run("valid-token", func(t *testing.T) {
		session := NewSession(SessionConfig{Token: fresh, Clock: clock})
		valid, err := session.EnsureValid(context.Background())
		if err != nil || !valid {
			t.Fatalf("expected valid session, got %v, %v", valid, err)
		}
	})

	t.Run("missing-token-without-refresher", func(t *testing.T) {
		session := NewSession(SessionConfig{Clock: clock})
		valid, err := session.EnsureValid(context.Background())
		if err != nil || valid {
			t.Fatalf("expected invalid session without error, got %v, %v", valid, err)
		}
	})

	t.Run("garbage-token", func(t *testing.T) {
		session := NewSession(SessionConfig{Token: "not-a-jwt", Clock: clock})
		if valid, _ := session.EnsureValid(context.Background()); valid {
			t.Fatalf("expected malformed token to be invalid")
		}
	})

	t.Run("expiring-token-is-refreshed", func(t *testing.T) {
		later := now.Add(29*time.Minute + 30*time.Second)
		refreshIssuer := newTestIssuer(t, func() time.Time { return later })
		session := NewSession(SessionConfig{
			Token:     fresh,
			Refresher: refreshIssuer.Refresher("user-1"),
			Clock:     func() time.Time { return later },
		})
		valid, err := session.EnsureValid(context.Background())
		if err != nil || !valid {
			t.Fatalf("expected refreshed session, got %v, %v", valid, err)
		}
		if session.Token() == fresh {
			t.Fatalf("expected the token to be replaced")
		}
	})

	t.Run("refresh-failure-is-invalid", func(t *testing.T) {
		session := NewSession(SessionConfig{
			Refresher: RefresherFunc(func(context.Context) (string, error) { return "", errors.New("offline") }),
			Clock:     clock,
		})
		valid, err := session.EnsureValid(context.Background())
		if err != nil || valid {
			t.Fatalf("expected invalid session without error, got %v, %v", valid, err)
		}
	})

	t.Run("cancelled-refresh-returns-context-error", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		session := NewSession(SessionConfig{
			Refresher: RefresherFunc(func(ctx context.Context) (string, error) { return "", ctx.Err() }),
			Clock:     clock,
		})
		if _, err := session.EnsureValid(ctx); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancellation, got %v", err)
		}
	})
}
