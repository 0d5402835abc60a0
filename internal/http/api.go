package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"account-sync/internal/auth"
	"account-sync/internal/domain"
	"account-sync/internal/snapshot"
	"account-sync/internal/storage"
)

const claimsKey = "claims"

// AccountRegistry is the registry surface exposed to the admin API.
type AccountRegistry interface {
	Register(ctx context.Context, in domain.RegisterInput) (string, error)
	Merge(ctx context.Context, records []domain.Account) (int, error)
	ListAll(ctx context.Context) ([]domain.Account, error)
	ForceSync(ctx context.Context) (domain.SyncStatus, error)
	Status(ctx context.Context) (domain.Status, error)
}

type Authenticator interface {
	Login(username, password string) (string, time.Time, error)
	Verify(token string) (*auth.Claims, error)
}

// Handler wires HTTP routes to the account registry.
type Handler struct {
	accounts  AccountRegistry
	auth      Authenticator
	snapshots *snapshot.Exporter
}

// NewHandler builds the admin API. snapshots may be nil when no bucket is configured.
func NewHandler(accounts AccountRegistry, authenticator Authenticator, snapshots *snapshot.Exporter) *Handler {
	return &Handler{
		accounts:  accounts,
		auth:      authenticator,
		snapshots: snapshots,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
		api.POST("/admin/login", h.login)

		admin := api.Group("")
		admin.Use(h.requireAdmin())
		admin.GET("/accounts", h.listAccounts)
		admin.GET("/accounts/:username", h.getAccount)
		admin.POST("/accounts", h.registerAccount)
		admin.POST("/accounts/merge", h.mergeAccounts)
		admin.POST("/sync", h.forceSync)
		admin.GET("/status", h.status)
		admin.GET("/snapshots", h.listSnapshots)
		admin.POST("/snapshots", h.exportSnapshot)
		admin.POST("/snapshots/restore", h.restoreSnapshot)
		admin.GET("/snapshots/url", h.snapshotURL)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (h *Handler) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := h.auth.Verify(strings.TrimSpace(token))
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, expires, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loginResponse{Token: token, ExpiresAt: expires.UTC().Format(time.RFC3339)})
}

func (h *Handler) listAccounts(c *gin.Context) {
	accounts, err := h.accounts.ListAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	if q := strings.ToLower(strings.TrimSpace(c.Query("q"))); q != "" {
		filtered := make([]domain.Account, 0, len(accounts))
		for _, a := range accounts {
			if strings.Contains(strings.ToLower(a.Username), q) || strings.Contains(strings.ToLower(a.Email), q) {
				filtered = append(filtered, a)
			}
		}
		accounts = filtered
	}
	c.JSON(http.StatusOK, gin.H{"users": accounts, "total": len(accounts)})
}

func (h *Handler) getAccount(c *gin.Context) {
	username := c.Param("username")
	accounts, err := h.accounts.ListAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	for _, a := range accounts {
		if a.Username == username {
			c.JSON(http.StatusOK, a)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
}

type registerRequest struct {
	Username    string               `json:"username"`
	Email       string               `json:"email"`
	Balance     float64              `json:"balance"`
	GameBalance float64              `json:"gameBalance"`
	Status      domain.AccountStatus `json:"status"`
	Source      string               `json:"source"`
}

func (h *Handler) registerAccount(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source := req.Source
	if source == "" {
		source = "admin"
	}
	id, err := h.accounts.Register(c.Request.Context(), domain.RegisterInput{
		Username:    req.Username,
		Email:       req.Email,
		Balance:     req.Balance,
		GameBalance: req.GameBalance,
		Status:      req.Status,
		Source:      source,
		UserAgent:   c.Request.UserAgent(),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

type mergeRequest struct {
	Users []domain.Account `json:"users" binding:"required"`
}

func (h *Handler) mergeAccounts(c *gin.Context) {
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	merged, err := h.accounts.Merge(c.Request.Context(), req.Users)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"merged": merged})
}

func (h *Handler) forceSync(c *gin.Context) {
	status, err := h.accounts.ForceSync(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) status(c *gin.Context) {
	status, err := h.accounts.Status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) listSnapshots(c *gin.Context) {
	objects, err := h.snapshots.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) exportSnapshot(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Minute)
	defer cancel()

	res, err := h.snapshots.Export(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type restoreRequest struct {
	Key string `json:"key"`
}

func (h *Handler) restoreSnapshot(c *gin.Context) {
	var req restoreRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Minute)
	defer cancel()
	merged, err := h.snapshots.Restore(ctx, req.Key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"merged": merged})
}

func (h *Handler) snapshotURL(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}
	url, err := h.snapshots.URL(c.Request.Context(), key, 15*time.Minute)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, snapshot.ErrInvalidKey):
		status = http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, snapshot.ErrNoSnapshots):
		status = http.StatusNotFound
	case errors.Is(err, auth.ErrNotConfigured), errors.Is(err, snapshot.ErrDisabled):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}
