package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kcx-hq/kcx-01-sub007/internal/memstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func ok(c *gin.Context) { c.String(http.StatusOK, "ok") }

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ContextRequestID)) })

	w := serve(r, "/", nil)
	id := w.Header().Get(HeaderRequestID)
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, id, w.Body.String())

	inbound := uuid.NewString()
	w = serve(r, "/", map[string]string{HeaderRequestID: inbound})
	assert.Equal(t, inbound, w.Header().Get(HeaderRequestID))

	w = serve(r, "/", map[string]string{HeaderRequestID: "not-a-uuid"})
	assert.NotEqual(t, "not-a-uuid", w.Header().Get(HeaderRequestID))
}

func TestLoggingMiddleware_Levels(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := gin.New()
	r.Use(LoggingMiddleware(zap.New(core)))
	r.GET("/ok", ok)
	r.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	serve(r, "/ok?period=7", nil)
	serve(r, "/bad", nil)
	serve(r, "/boom", nil)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, "/ok?period=7", entries[0].ContextMap()["path"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, zap.ErrorLevel, entries[2].Level)
}

func TestRecoveryMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RecoveryMiddleware(nil))
	r.GET("/", func(*gin.Context) { panic("boom") })

	w := serve(r, "/", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, w.Body.String())
}

type fakeLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (f *fakeLimiter) RateLimitCheck(_ context.Context, key string, _ int64, _ time.Duration) (bool, error) {
	f.keys = append(f.keys, key)
	return f.allowed, f.err
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		limiter *fakeLimiter
		want    int
	}{
		{"allowed", &fakeLimiter{allowed: true}, http.StatusOK},
		{"exceeded", &fakeLimiter{allowed: false}, http.StatusTooManyRequests},
		{"limiter error fails open", &fakeLimiter{err: errors.New("redis down")}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(RateLimitMiddleware(tt.limiter, 10, time.Minute, nil))
			r.GET("/", ok)

			w := serve(r, "/", map[string]string{HeaderClientID: "acme"})
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, []string{"acme"}, tt.limiter.keys)
		})
	}
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	r := gin.New()
	r.Use(RateLimitMiddleware(nil, 10, time.Minute, nil))
	r.GET("/", ok)
	assert.Equal(t, http.StatusOK, serve(r, "/", nil).Code)
}

type failingChecker struct{}

func (failingChecker) AssertUploadScope(context.Context, string, []string) error {
	return errors.New("connection refused")
}

func TestUploadScope(t *testing.T) {
	store := memstore.New(memstore.SampleDataset())

	tests := []struct {
		name   string
		target string
		client string
		want   int
	}{
		{"missing client", "/?uploadIds=u-acme-1", "", http.StatusUnauthorized},
		{"owned uploads", "/?uploadIds=u-acme-1,u-acme-2", memstore.SampleClient, http.StatusOK},
		{"repeated params", "/?uploadIds=u-acme-1&uploadIds=u-acme-2", memstore.SampleClient, http.StatusOK},
		{"foreign upload", "/?uploadIds=u-acme-1,u-globex-1", memstore.SampleClient, http.StatusForbidden},
		{"unknown upload", "/?uploadIds=u-nope", memstore.SampleClient, http.StatusForbidden},
		{"no uploads", "/", memstore.SampleClient, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(UploadScope(store, nil))
			r.GET("/", ok)

			headers := map[string]string{}
			if tt.client != "" {
				headers[HeaderClientID] = tt.client
			}
			assert.Equal(t, tt.want, serve(r, tt.target, headers).Code)
		})
	}
}

func TestUploadScope_CheckerError(t *testing.T) {
	r := gin.New()
	r.Use(UploadScope(failingChecker{}, nil))
	r.GET("/", ok)

	w := serve(r, "/?uploadIds=u1", map[string]string{HeaderClientID: "acme"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestQueryUploadIDs(t *testing.T) {
	r := gin.New()
	var got []string
	r.GET("/", func(c *gin.Context) { got = QueryUploadIDs(c) })

	serve(r, "/?uploadIds=a,%20b,,&uploadIds=c", nil)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
