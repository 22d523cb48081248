// Package transport talks to the remote store over HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/mileage/internal/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// SyncPath is the atomic push+pull endpoint.
	SyncPath = "/v1/sync"
	// AttachmentsPath prefixes attachment uploads; the attachment name follows.
	AttachmentsPath = "/v1/attachments/"

	defaultTimeout   = 30 * time.Second
	maxErrorBodySize = 4 << 10
)

var (
	errMissingBaseURL = errors.New("transport: base url is required")
	// ErrUnauthorized reports a rejected device token.
	ErrUnauthorized = errors.New("transport: unauthorized")
)

// StatusError reports a non-success HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: unexpected status %d: %s", e.StatusCode, e.Body)
}

// TokenSource supplies the bearer token for each call.
type TokenSource interface {
	Token() string
}

// Config describes the HTTP client.
type Config struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client implements the sync transport and the attachment uploader.
type Client struct {
	baseURL *url.URL
	tokens  TokenSource
	http    *http.Client
	logger  *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, tokens: cfg.Tokens, http: httpClient, logger: logger}, nil
}

// SyncChanges pushes operations and pulls changes since the watermark in one call.
func (c *Client) SyncChanges(ctx context.Context, operations []wire.Operation, since int64) (wire.SyncResult, error) {
	if operations == nil {
		operations = []wire.Operation{}
	}
	body, err := json.Marshal(wire.SyncRequest{Operations: operations, Since: since})
	if err != nil {
		return wire.SyncResult{}, fmt.Errorf("transport: encode request: %w", err)
	}
	request, err := c.newRequest(ctx, http.MethodPost, SyncPath, bytes.NewReader(body))
	if err != nil {
		return wire.SyncResult{}, err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.http.Do(request)
	if err != nil {
		return wire.SyncResult{}, fmt.Errorf("transport: sync call: %w", err)
	}
	defer response.Body.Close()
	if err := checkStatus(response); err != nil {
		return wire.SyncResult{}, err
	}

	var result wire.SyncResult
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return wire.SyncResult{}, fmt.Errorf("transport: decode response: %w", err)
	}
	if result.Changes == nil {
		result.Changes = wire.Changes{}
	}
	c.logger.Debug("sync call completed",
		zap.Int("operations", len(operations)),
		zap.Int("push_results", len(result.PushResults)),
		zap.Int("changes", result.Changes.Count()),
		zap.Int64("max_timestamp", result.MaxTimestamp))
	return result, nil
}

type uploadResponse struct {
	URL string `json:"url"`
}

// Upload streams a local file to the attachment endpoint and returns its remote URL.
func (c *Client) Upload(ctx context.Context, localRef string) (string, error) {
	file, err := os.Open(localRef)
	if err != nil {
		return "", fmt.Errorf("transport: open attachment: %w", err)
	}
	defer file.Close()

	name := uuid.NewString() + strings.ToLower(filepath.Ext(localRef))
	request, err := c.newRequest(ctx, http.MethodPut, AttachmentsPath+url.PathEscape(name), file)
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/octet-stream")

	response, err := c.http.Do(request)
	if err != nil {
		return "", fmt.Errorf("transport: upload: %w", err)
	}
	defer response.Body.Close()
	if err := checkStatus(response); err != nil {
		return "", err
	}
	var decoded uploadResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("transport: decode upload response: %w", err)
	}
	if decoded.URL == "" {
		return "", fmt.Errorf("transport: upload response without url")
	}
	return decoded.URL, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	target := c.baseURL.String() + path
	request, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return request, nil
}

func checkStatus(response *http.Response) error {
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodySize))
	statusErr := &StatusError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(snippet))}
	if response.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %v", ErrUnauthorized, statusErr)
	}
	return statusErr
}
