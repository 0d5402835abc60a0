package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-sync/internal/auth"
	"account-sync/internal/domain"
	"account-sync/internal/registry"
	"account-sync/internal/repository/memory"
	"account-sync/internal/snapshot"
)

const testPassword = "correct horse"

type testServer struct {
	router   *gin.Engine
	registry *registry.Registry
	token    string
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New(memory.NewMedium().Open("admin"), registry.Config{
		Logger:    quietLogger(),
		MarkerTTL: time.Millisecond,
	})
	t.Cleanup(reg.Shutdown)

	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)
	authenticator := auth.NewAuthenticator("admin", hash, "test-secret", time.Hour)

	router := gin.New()
	NewHandler(reg, authenticator, snapshot.NewExporter(snapshot.Config{Logger: quietLogger()}, reg, nil)).RegisterRoutes(router)

	s := &testServer{router: router, registry: reg}
	rec := s.do(t, http.MethodPost, "/api/admin/login", gin.H{"username": "admin", "password": testPassword})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var login loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	s.token = login.Token
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	s.token = ""
	rec := s.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	s.token = ""
	rec := s.do(t, http.MethodGet, "/api/accounts", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	s.token = "garbage"
	rec = s.do(t, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/admin/login", gin.H{"username": "admin", "password": "nope-nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/admin/login", gin.H{"username": "admin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterAndListAccounts(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/accounts", gin.H{"username": "alice", "email": "a@x.com", "balance": 12.5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)

	rec = s.do(t, http.MethodGet, "/api/accounts?q=ALI", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Users []domain.Account `json:"users"`
		Total int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, created.ID, list.Users[0].ID)
	assert.Equal(t, "admin", list.Users[0].Source)

	rec = s.do(t, http.MethodGet, "/api/accounts/alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/accounts/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterValidationIsBadRequest(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/accounts", gin.H{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "email")

	accounts, err := s.registry.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestMergeSyncAndStatus(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/accounts/merge", gin.H{"users": []gin.H{
		{"username": "bob", "email": "b@x.com"},
		{"username": "carol", "email": "c@x.com"},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"merged":2}`, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var synced domain.SyncStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &synced))
	assert.Equal(t, 2, synced.Total)

	rec = s.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status domain.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 2, status.Partitions[registry.CanonicalKey])
	assert.Equal(t, "admin", status.InstanceID)
}

func TestSnapshotsUnavailableWithoutBucket(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/snapshots", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/snapshots/url", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
