// Package server exposes the reference remote store over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/wire"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "mileage_user_id"

	syncRoute        = "/v1/sync"
	attachmentsRoute = "/v1/attachments/:name"
	healthRoute      = "/healthz"

	maxAttachmentSize = 25 << 20
	maxSyncBodySize   = 8 << 20
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingSyncStore      = errors.New("sync store dependency required")
	errMissingAttachmentsDir = errors.New("attachments directory required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
	errInvalidAttachmentName = errors.New("invalid attachment name")
)

// TokenValidator verifies a bearer token and returns its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// SyncStore applies one atomic push+pull for a user.
type SyncStore interface {
	SyncChanges(ctx context.Context, userID entities.UserID, request wire.SyncRequest) (wire.SyncResult, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Tokens         TokenValidator
	Store          SyncStore
	AttachmentsDir string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Store == nil {
		return nil, errMissingSyncStore
	}
	if strings.TrimSpace(deps.AttachmentsDir) == "" {
		return nil, errMissingAttachmentsDir
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:         deps.Tokens,
		store:          deps.Store,
		attachmentsDir: deps.AttachmentsDir,
		logger:         logger,
	}

	router.GET(healthRoute, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST(syncRoute, handler.handleSync)
	protected.PUT(attachmentsRoute, handler.handleAttachmentUpload)
	protected.GET(attachmentsRoute, handler.handleAttachmentDownload)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens         TokenValidator
	store          SyncStore
	attachmentsDir string
	logger         *zap.Logger
}

func (h *httpHandler) handleSync(c *gin.Context) {
	userID := entities.UserID(c.GetString(userIDContextKey))
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSyncBodySize)
	var request wire.SyncRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Since < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	for _, operation := range request.Operations {
		if strings.TrimSpace(operation.IdempotencyKey) == "" || !operation.EntityType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
			return
		}
	}

	result, err := h.store.SyncChanges(c.Request.Context(), userID, request)
	if err != nil {
		h.logger.Error("failed to apply sync call",
			zap.String("user_id", userID.String()),
			zap.Int("operations", len(request.Operations)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleAttachmentUpload(c *gin.Context) {
	userID := entities.UserID(c.GetString(userIDContextKey))
	target, err := h.attachmentPath(userID, c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_attachment_name"})
		return
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		h.logger.Error("failed to prepare attachment directory", zap.String("user_id", userID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxAttachmentSize)
	written, err := writeFile(target, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "attachment_too_large"})
			return
		}
		h.logger.Error("failed to store attachment",
			zap.String("user_id", userID.String()),
			zap.String("name", c.Param("name")),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}

	h.logger.Debug("attachment stored",
		zap.String("user_id", userID.String()),
		zap.String("name", c.Param("name")),
		zap.Int64("bytes", written))
	c.JSON(http.StatusCreated, gin.H{"url": attachmentURL(c.Request, c.Param("name"))})
}

func (h *httpHandler) handleAttachmentDownload(c *gin.Context) {
	userID := entities.UserID(c.GetString(userIDContextKey))
	target, err := h.attachmentPath(userID, c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_attachment_name"})
		return
	}
	if _, err := os.Stat(target); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.File(target)
}

func (h *httpHandler) attachmentPath(userID entities.UserID, name string) (string, error) {
	if userID == "" {
		return "", errInvalidAttachmentName
	}
	cleaned := strings.TrimSpace(name)
	if cleaned == "" || cleaned != filepath.Base(cleaned) || strings.HasPrefix(cleaned, ".") {
		return "", errInvalidAttachmentName
	}
	owner := filepath.Base(userID.String())
	if owner == "." || owner == ".." || owner != userID.String() {
		return "", errInvalidAttachmentName
	}
	return filepath.Join(h.attachmentsDir, owner, cleaned), nil
}

func writeFile(target string, body io.Reader) (int64, error) {
	temporary, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return 0, err
	}
	written, copyErr := io.Copy(temporary, body)
	closeErr := temporary.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(temporary.Name())
		return 0, errors.Join(copyErr, closeErr)
	}
	if err := os.Rename(temporary.Name(), target); err != nil {
		os.Remove(temporary.Name())
		return 0, err
	}
	return written, nil
}

func attachmentURL(request *http.Request, name string) string {
	scheme := "http"
	if request.TLS != nil {
		scheme = "https"
	}
	if forwarded := request.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return fmt.Sprintf("%s://%s/v1/attachments/%s", scheme, request.Host, name)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
