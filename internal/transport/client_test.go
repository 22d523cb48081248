package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/wire"
)

type staticTokens string

func (s staticTokens) Token() string {
	return string(s)
}

func TestSyncChangesSendsContractAndDecodesResult(t *testing.T) {
	var received wire.SyncRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != SyncPath {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer device-token" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"pushResults": [{"entityType": "trip", "entityId": "T1", "success": true, "serverVersion": 1}],
			"changes": {"vehicles": [{"entityType": "vehicle", "entityId": "V1", "action": "UPSERT", "data": {"name": "Car", "version": 3}, "updatedAt": 1700000000123}]},
			"maxTimestamp": 1700000000123
		}`)
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL + "/", Tokens: staticTokens("device-token")})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}

	operations := []wire.Operation{{
		IdempotencyKey: "key-1",
		EntityType:     entities.EntityTypeTrip,
		EntityID:       "T1",
		Action:         wire.ActionCreate,
		Payload:        json.RawMessage(`{"notes":"a","version":1}`),
		CreatedAt:      1700000000000,
	}}
	result, err := client.SyncChanges(context.Background(), operations, 42)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if received.Since != 42 || len(received.Operations) != 1 || received.Operations[0].IdempotencyKey != "key-1" {
		t.Fatalf("unexpected request body %+v", received)
	}
	if len(result.PushResults) != 1 || !result.PushResults[0].Success {
		t.Fatalf("unexpected push results %+v", result.PushResults)
	}
	vehicles := result.Changes.For(entities.EntityTypeVehicle)
	if len(vehicles) != 1 || vehicles[0].Version() != 3 {
		t.Fatalf("unexpected vehicle changes %+v", vehicles)
	}
	if result.MaxTimestamp != 1700000000123 {
		t.Fatalf("unexpected max timestamp %d", result.MaxTimestamp)
	}
}

func TestSyncChangesSurfacesHTTPFailures(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		unauthorized bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, unauthorized: true},
		{name: "server-error", status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":"nope"}`)
			}))
			defer server.Close()

			client, err := NewClient(Config{BaseURL: server.URL})
			if err != nil {
				t.Fatalf("failed to construct client: %v", err)
			}
			_, err = client.SyncChanges(context.Background(), nil, 0)
			if err == nil {
				t.Fatalf("expected error")
			}
			if errors.Is(err, ErrUnauthorized) != tt.unauthorized {
				t.Fatalf("unexpected unauthorized classification: %v", err)
			}
			if !tt.unauthorized {
				var statusErr *StatusError
				if !errors.As(err, &statusErr) || statusErr.StatusCode != tt.status {
					t.Fatalf("expected status error %d, got %v", tt.status, err)
				}
			}
		})
	}
}

func TestUploadStreamsFile(t *testing.T) {
	var uploaded string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || !strings.HasPrefix(r.URL.Path, AttachmentsPath) || !strings.HasSuffix(r.URL.Path, ".jpg") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		uploaded = string(body)
		_, _ = io.WriteString(w, `{"url":"https://files.example.com/receipt.jpg"}`)
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "receipt.JPG")
	if err := os.WriteFile(path, []byte("jpeg-bytes"), 0o600); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	client, err := NewClient(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	remoteURL, err := client.Upload(context.Background(), path)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if remoteURL != "https://files.example.com/receipt.jpg" || uploaded != "jpeg-bytes" {
		t.Fatalf("unexpected upload result %q / %q", remoteURL, uploaded)
	}

	if _, err := client.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.jpg")); err == nil {
		t.Fatalf("expected error for a missing file")
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "  "}); err == nil {
		t.Fatalf("expected error for blank base url")
	}
}
