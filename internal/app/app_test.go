package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tammerofficial/workshop01-sub008/internal/shared"
	_ "github.com/tammerofficial/workshop01-sub008/testing"
)

func TestInTestMode(t *testing.T) {
	RefreshTestMode()
	assert.True(t, InTestMode())

	for value, want := range map[string]bool{"true": true, "0": false, "maybe": false, "": false} {
		t.Setenv(testModeEnv, value)
		RefreshTestMode()
		assert.Equal(t, want, InTestMode(), value)
	}
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s3cret")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.PolicyTimeout)
	assert.Equal(t, 2*time.Second, cfg.AuditWriteTimeout)
	assert.Equal(t, 5, cfg.BruteForceThreshold)
	assert.Equal(t, 15*time.Minute, cfg.BruteForceWindow)
	assert.Equal(t, "administrator", cfg.AdministratorRole)
	assert.False(t, cfg.PolicyStrictConditions)
	assert.False(t, cfg.IsProduction())
}

func TestConfigValidate(t *testing.T) {
	base := Config{
		SessionSecret:       "x",
		PolicyTimeout:       time.Second,
		AuditWriteTimeout:   time.Second,
		AuditRetentionDays:  30,
		EventsRetentionDays: 30,
		BruteForceThreshold: 5,
		BruteForceWindow:    time.Minute,
	}
	require.NoError(t, base.Validate())

	bad := base
	bad.PolicyTimeout = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.SessionSecret = ""
	assert.Error(t, bad.Validate())

	bad = base
	bad.BruteForceThreshold = 0
	assert.Error(t, bad.Validate())
}

func TestConnectionOptions(t *testing.T) {
	cfg := Config{
		PGMaxConns:        20,
		PGMaxConnLifetime: time.Hour,
		RedisAddr:         "redis:6379",
		RedisPassword:     "pw",
		RedisDB:           2,
	}
	dbOpts := cfg.DBOptions("workshop-api")
	assert.Equal(t, int32(20), dbOpts.MaxConns)
	assert.Equal(t, time.Hour, dbOpts.MaxConnLifetime)
	assert.Equal(t, "workshop-api", dbOpts.ApplicationName)

	redisOpts := cfg.RedisOptions()
	assert.Equal(t, "redis:6379", redisOpts.Addr)
	assert.Equal(t, 2, redisOpts.DB)
	assert.Equal(t, "pw", cfg.AsynqRedis().Password)
}

func TestLoggerHonoursFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &Config{LogFormat: "json", LogLevel: "warn", AppEnv: "staging"}, "workshop-api")

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logger.Warn("shown", slog.String("permission", "sales.refund"))
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "workshop-api", line["service"])
	assert.Equal(t, "staging", line["env"])
	assert.Equal(t, "sales.refund", line["permission"])
}

func TestRequestContextMiddleware(t *testing.T) {
	var got shared.RequestContext
	h := middleware.RequestID(RequestContextMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = shared.RequestFromContext(r.Context())
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.23:5123"
	req.Header.Set("User-Agent", "workshop-test")
	sess := &shared.Session{ID: "sess-1"}
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "198.51.100.23", got.IPAddress)
	assert.Equal(t, "workshop-test", got.UserAgent)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.NotEmpty(t, got.RequestID)
}

func TestRouterHealthAndSessionCookie(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := shared.NewSessionManager(client, "workshop_session", "secret", time.Hour, false)

	router := NewRouter(RouterParams{Logger: logger, Config: &Config{}, SessionManager: sessions})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, rec.Header().Get("Set-Cookie"), "anonymous sessions are not persisted")
	assert.Empty(t, mr.Keys())
}
