package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/asset-market/internal/i18n"
	"github.com/javajoker/asset-market/internal/repository"
	"github.com/javajoker/asset-market/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func decode(t *testing.T, w *httptest.ResponseRecorder) utils.APIResponse {
	var response utils.APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

func TestAuthRequired(t *testing.T) {
	utils.SetJWTSecret("middleware-test")
	userID := uuid.New()

	router := gin.New()
	router.Use(I18nMiddleware("en"))
	router.GET("/me", AuthRequired(), func(c *gin.Context) {
		id, _ := utils.GetUserIDFromContext(c)
		userType, _ := utils.GetUserTypeFromContext(c)
		c.JSON(http.StatusOK, gin.H{"id": id.String(), "type": userType})
	})
	router.GET("/admin", AuthRequired(), AdminRequired(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	body := decode(t, w)
	assert.False(t, body.Success)
	assert.Equal(t, "UNAUTHORIZED", body.Error.Code)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Token abc")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := utils.GenerateJWT(userID, "collector", "buyer", 1)
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), userID.String())

	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	adminToken, err := utils.GenerateJWT(uuid.New(), "ops", "admin", 1)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestNegotiateLanguage(t *testing.T) {
	require.NoError(t, i18n.Initialize("", "en"))

	tests := map[string]string{
		"":                          "en",
		"zh-TW,zh;q=0.9,en;q=0.8":   "zh_TW",
		"zh-Hant":                   "zh_TW",
		"en-GB,en;q=0.9":            "en",
		"fr-FR,fr;q=0.9":            "en",
		" zh-TW ; q=1.0, en;q=0.5 ": "zh_TW",
		"fr-FR, zh-Hant;q=0.8":      "zh_TW",
		"de, en-US;q=0.7":           "en",
	}
	for header, want := range tests {
		assert.Equal(t, want, NegotiateLanguage(header, "en"), header)
	}
}

func downloadRouter(limit gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.POST("/v1/downloads/:token/consume", limit, func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func consume(router *gin.Engine) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/downloads/abc/consume", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	router.ServeHTTP(w, req)
	return w
}

func TestDownloadRateLimitLocal(t *testing.T) {
	router := downloadRouter(DownloadRateLimit(nil, NewRateLimiter(PerMinute(2), 2), 2, quietLogger()))

	assert.Equal(t, http.StatusOK, consume(router).Code)
	assert.Equal(t, http.StatusOK, consume(router).Code)

	w := consume(router)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", decode(t, w).Error.Code)
}

type fakeWindow struct {
	count int
	err   error
	calls int
}

func (f *fakeWindow) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	f.calls++
	if f.err != nil {
		return 0, 0, f.err
	}
	f.count++
	return f.count, 42, nil
}

func TestDownloadRateLimitShared(t *testing.T) {
	shared := &fakeWindow{}
	router := downloadRouter(DownloadRateLimit(shared, nil, 1, quietLogger()))

	assert.Equal(t, http.StatusOK, consume(router).Code)
	w := consume(router)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "42", w.Header().Get("Retry-After"))
	assert.Equal(t, 2, shared.calls)
}

func TestDownloadRateLimitFallsBackWhenSharedFails(t *testing.T) {
	shared := &fakeWindow{err: errors.New("connection refused")}
	router := downloadRouter(DownloadRateLimit(shared, NewRateLimiter(PerMinute(1), 1), 1, quietLogger()))

	assert.Equal(t, http.StatusOK, consume(router).Code)
	assert.Equal(t, http.StatusTooManyRequests, consume(router).Code)
}

func TestRateLimiterEvictsIdleVisitors(t *testing.T) {
	rl := NewRateLimiter(PerMinute(10), 1)
	rl.getVisitor("198.51.100.1")

	rl.evictIdle(time.Now())
	assert.Len(t, rl.visitors, 1)

	rl.evictIdle(time.Now().Add(time.Hour))
	assert.Empty(t, rl.visitors)
}

func TestAuditLogMiddleware(t *testing.T) {
	store := repository.NewMemoryStore()

	router := gin.New()
	router.Use(AuditLogMiddleware(store, quietLogger()))
	router.POST("/v1/downloads/:token/consume", func(c *gin.Context) {
		c.Status(http.StatusGone)
	})
	router.GET("/v1/downloads/:token", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/downloads/secret-token", nil))

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/downloads/secret-token/consume", strings.NewReader(`{"note":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Eventually(t, func() bool { return len(store.AuditLogs()) == 1 }, time.Second, 10*time.Millisecond)

	entry := store.AuditLogs()[0]
	assert.Equal(t, "POST /v1/downloads/:token/consume", entry.Action)
	assert.Equal(t, "downloads", entry.ResourceType)
	assert.Equal(t, utils.Fingerprint("secret-token"), entry.ResourceID)
	assert.Equal(t, http.StatusGone, entry.StatusCode)
	assert.Equal(t, "x", entry.NewValues["note"])
	assert.NotContains(t, entry.Action, "secret-token")
}

func TestExtractResourceType(t *testing.T) {
	assert.Equal(t, "purchases", extractResourceType("/v1/purchases/:id"))
	assert.Equal(t, "batches", extractResourceType("/v1/admin/batches/:id/retry"))
	assert.Equal(t, "health", extractResourceType("/health"))
	assert.Equal(t, "unknown", extractResourceType("/"))
}
