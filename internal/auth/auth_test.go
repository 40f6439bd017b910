package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsAdmin(r.Context()) {
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAPIKeyRejectsMissingKey(t *testing.T) {
	m := New("secret", "")
	req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	m.RequireAPIKey(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAPIKeyAcceptsXAPIKeyHeader(t *testing.T) {
	m := New("secret", "")
	req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	req.Header.Set("x-api-key", "secret")
	rec := httptest.NewRecorder()
	m.RequireAPIKey(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAPIKeyAcceptsBearerHeader(t *testing.T) {
	m := New("secret", "")
	req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	m.RequireAPIKey(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAPIKeyAcceptsAdminKeyAndMarksContext(t *testing.T) {
	m := New("secret", "admin-secret")
	req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	req.Header.Set("x-api-key", "admin-secret")
	rec := httptest.NewRecorder()
	m.RequireAPIKey(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRequireAdminKeyRejectsWhenUnconfigured(t *testing.T) {
	m := New("secret", "")
	req := httptest.NewRequest(http.MethodGet, "/api/admin/credentials", nil)
	req.Header.Set("x-api-key", "whatever")
	rec := httptest.NewRecorder()
	m.RequireAdminKey(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireAdminKeyAcceptsConfiguredKey(t *testing.T) {
	m := New("secret", "admin-secret")
	req := httptest.NewRequest(http.MethodGet, "/api/admin/credentials", nil)
	req.Header.Set("x-api-key", "admin-secret")
	rec := httptest.NewRecorder()
	m.RequireAdminKey(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}
