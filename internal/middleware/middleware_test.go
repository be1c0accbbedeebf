package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neora-go/internal/config"
	"neora-go/internal/model"
	"neora-go/internal/repository"
	"neora-go/internal/testutil"
	"neora-go/pkg/token"
)

var jwtCfg = config.JWTConfig{
	AccessCookie:  "access_token",
	RefreshCookie: "refresh_token",
	QueryParam:    "token",
}

type resolverFixture struct {
	resolver *CredentialResolver
	jwt      *token.JWTManager
	user     *model.User
}

func newResolverFixture(t *testing.T) *resolverFixture {
	t.Helper()
	db := testutil.NewDB(t)
	jwt := token.NewJWTManager("test-secret", 10*time.Minute, 14*24*time.Hour)
	return &resolverFixture{
		resolver: NewCredentialResolver(jwt, repository.NewUserRepository(db), jwtCfg),
		jwt:      jwt,
		user:     testutil.CreateUser(t, db, "a@example.com"),
	}
}

func (f *resolverFixture) access(t *testing.T, userID string) string {
	t.Helper()
	tok, err := f.jwt.GenerateToken(userID, "")
	require.NoError(t, err)
	return tok
}

func (f *resolverFixture) refresh(t *testing.T, userID string) string {
	t.Helper()
	tok, err := f.jwt.GenerateRefreshToken(userID, "")
	require.NoError(t, err)
	return tok
}

func TestCredentialResolver_Resolve(t *testing.T) {
	f := newResolverFixture(t)
	expired := token.NewJWTManager("test-secret", -time.Minute, time.Hour)
	stale, err := expired.GenerateToken(f.user.ID, "")
	require.NoError(t, err)

	tests := []struct {
		name    string
		url     string
		cookies map[string]string
		source  string // 空表示匿名
	}{
		{name: "no credentials", url: "/ws/stream"},
		{name: "access cookie", url: "/ws/stream", cookies: map[string]string{"access_token": f.access(t, f.user.ID)}, source: SourceCookie},
		{name: "query parameter", url: "/ws/stream?token=" + f.access(t, f.user.ID), source: SourceQuery},
		{name: "cookie wins over query", url: "/ws/stream?token=garbage", cookies: map[string]string{"access_token": f.access(t, f.user.ID)}, source: SourceCookie},
		{name: "refresh fallback", url: "/ws/stream", cookies: map[string]string{"refresh_token": f.refresh(t, f.user.ID)}, source: SourceRefresh},
		{name: "invalid access does not fall back to refresh", url: "/ws/stream", cookies: map[string]string{"access_token": stale, "refresh_token": f.refresh(t, f.user.ID)}},
		{name: "access token in refresh cookie", url: "/ws/stream", cookies: map[string]string{"refresh_token": f.access(t, f.user.ID)}},
		{name: "refresh token as access", url: "/ws/stream?token=" + f.refresh(t, f.user.ID)},
		{name: "malformed", url: "/ws/stream?token=not.a.jwt"},
		{name: "unknown user", url: "/ws/stream", cookies: map[string]string{"access_token": f.access(t, "ghost")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			for k, v := range tt.cookies {
				req.AddCookie(&http.Cookie{Name: k, Value: v})
			}
			identity := f.resolver.Resolve(req)
			if tt.source == "" {
				assert.Nil(t, identity)
				return
			}
			require.NotNil(t, identity)
			assert.Equal(t, tt.source, identity.Source)
			assert.Equal(t, f.user.ID, identity.User.ID)
		})
	}
}

func newAuthRouter(f *resolverFixture, rl config.RateLimitConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(f.resolver), RateLimit(rl))
	r.GET("/me", func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": user.ID})
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	f := newResolverFixture(t)
	r := newAuthRouter(f, config.RateLimitConfig{RPS: 100, Burst: 100})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+f.access(t, f.user.ID))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), f.user.ID)

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: f.access(t, f.user.ID)})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// REST 不接受仅有 refresh 凭证的请求
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: "refresh_token", Value: f.refresh(t, f.user.ID)})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimit(t *testing.T) {
	f := newResolverFixture(t)
	r := newAuthRouter(f, config.RateLimitConfig{RPS: 0.001, Burst: 2})
	tok := f.access(t, f.user.ID)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestLimiterPool_EvictsIdleKeys(t *testing.T) {
	p := newLimiterPool(config.RateLimitConfig{RPS: 0.001, Burst: 1})
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	assert.True(t, p.Allow("user:a"))
	assert.False(t, p.Allow("user:a"))
	assert.True(t, p.Allow("user:b"))

	clock = clock.Add(5 * time.Minute)
	assert.False(t, p.Allow("user:b"))

	// a 空闲超过 TTL 被回收，b 仍在使用，保留原有桶
	clock = clock.Add(6 * time.Minute)
	assert.Equal(t, 2, p.size())
	assert.True(t, p.Allow("user:a"))
	assert.False(t, p.Allow("user:b"))
	assert.Equal(t, 2, p.size())

	clock = clock.Add(limiterIdleTTL)
	p.Allow("user:c")
	assert.Equal(t, 1, p.size())
}

func TestRequestLogger_PreservesBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger())
	r.POST("/echo", func(c *gin.Context) {
		var body map[string]string
		require.NoError(t, c.ShouldBindJSON(&body))
		c.JSON(http.StatusOK, body)
	})

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"text":"hi"}`, w.Body.String())
}
