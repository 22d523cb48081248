package server

import (
	"bytes"
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
	"github.com/gin-gonic/gin"
)

type recordingStore struct {
	userID  entities.UserID
	request wire.SyncRequest
	result  wire.SyncResult
	err     error
}

func (s *recordingStore) SyncChanges(_ context.Context, userID entities.UserID, request wire.SyncRequest) (wire.SyncResult, error) {
	s.userID = userID
	s.request = request
	return s.result, s.err
}

func newTestRouter(t *testing.T, store SyncStore) (http.Handler, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	handler, err := NewHTTPHandler(Dependencies{
		Tokens:         stubTokenValidator{subject: "user-1"},
		Store:          store,
		AttachmentsDir: dir,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return handler, dir
}

func authorized(request *http.Request) *http.Request {
	request.Header.Set("Authorization", "Bearer device-token")
	return request
}

func TestSyncRouteForwardsToStore(t *testing.T) {
	store := &recordingStore{result: wire.SyncResult{
		PushResults:  []wire.PushResult{{EntityType: entities.EntityTypeTrip, EntityID: "T1", Success: true, ServerVersion: 1}},
		Changes:      wire.Changes{},
		MaxTimestamp: 42,
	}}
	router, _ := newTestRouter(t, store)

	body := `{"operations":[{"idempotencyKey":"k1","entityType":"trip","entityId":"T1","action":"CREATE","payload":{"version":1},"createdAt":5}],"since":7}`
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, authorized(httptest.NewRequest(http.MethodPost, syncRoute, strings.NewReader(body))))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if store.userID != "user-1" || store.request.Since != 7 || len(store.request.Operations) != 1 {
		t.Fatalf("unexpected forwarded call %q %+v", store.userID, store.request)
	}
	var decoded wire.SyncResult
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if decoded.MaxTimestamp != 42 || len(decoded.PushResults) != 1 || !decoded.PushResults[0].Success {
		t.Fatalf("unexpected response %+v", decoded)
	}
}

func TestSyncRouteRejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed-json", body: `{"operations":`},
		{name: "negative-since", body: `{"operations":[],"since":-1}`},
		{name: "unknown-type", body: `{"operations":[{"idempotencyKey":"k","entityType":"boat","entityId":"B","action":"CREATE"}],"since":0}`},
		{name: "missing-key", body: `{"operations":[{"entityType":"trip","entityId":"T","action":"CREATE"}],"since":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &recordingStore{}
			router, _ := newTestRouter(t, store)
			recorder := httptest.NewRecorder()
			router.ServeHTTP(recorder, authorized(httptest.NewRequest(http.MethodPost, syncRoute, strings.NewReader(tt.body))))
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", recorder.Code)
			}
			if store.userID != "" {
				t.Fatalf("store must not be called for an invalid request")
			}
		})
	}
}

func TestSyncRouteReportsStoreFailure(t *testing.T) {
	router, _ := newTestRouter(t, &recordingStore{err: errors.New("database locked")})
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, authorized(httptest.NewRequest(http.MethodPost, syncRoute, strings.NewReader(`{"operations":[],"since":0}`))))
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
}

func TestAttachmentRoundTrip(t *testing.T) {
	router, dir := newTestRouter(t, &recordingStore{})

	request := authorized(httptest.NewRequest(http.MethodPut, "/v1/attachments/receipt.jpg", bytes.NewReader([]byte("jpeg-bytes"))))
	request.Host = "sync.example.com"
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var decoded struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if decoded.URL != "http://sync.example.com/v1/attachments/receipt.jpg" {
		t.Fatalf("unexpected url %q", decoded.URL)
	}
	stored, err := os.ReadFile(filepath.Join(dir, "user-1", "receipt.jpg"))
	if err != nil || string(stored) != "jpeg-bytes" {
		t.Fatalf("expected stored file, got %q (%v)", stored, err)
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, authorized(httptest.NewRequest(http.MethodGet, "/v1/attachments/receipt.jpg", http.NoBody)))
	body, _ := io.ReadAll(recorder.Body)
	if recorder.Code != http.StatusOK || string(body) != "jpeg-bytes" {
		t.Fatalf("expected the stored bytes back, got %d %q", recorder.Code, body)
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, authorized(httptest.NewRequest(http.MethodGet, "/v1/attachments/missing.jpg", http.NoBody)))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing attachment, got %d", recorder.Code)
	}
}

func TestAttachmentUploadRejectsUnsafeNames(t *testing.T) {
	router, _ := newTestRouter(t, &recordingStore{})
	for _, name := range []string{".hidden", ".upload-1", "%20"} {
		t.Run(name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			router.ServeHTTP(recorder, authorized(httptest.NewRequest(http.MethodPut, "/v1/attachments/"+name, strings.NewReader("x"))))
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected 400 for %q, got %d", name, recorder.Code)
			}
		})
	}
}

func TestHealthRouteNeedsNoToken(t *testing.T) {
	router, _ := newTestRouter(t, &recordingStore{})
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, healthRoute, http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, syncRoute, strings.NewReader(`{}`)))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", recorder.Code)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	tests := []struct {
		name string
		deps Dependencies
		want error
	}{
		{name: "tokens", deps: Dependencies{Store: &recordingStore{}, AttachmentsDir: "x"}, want: errMissingTokenValidator},
		{name: "store", deps: Dependencies{Tokens: stubTokenValidator{}, AttachmentsDir: "x"}, want: errMissingSyncStore},
		{name: "attachments-dir", deps: Dependencies{Tokens: stubTokenValidator{}, Store: &recordingStore{}}, want: errMissingAttachmentsDir},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewHTTPHandler(tt.deps); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
