package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"baton-attendance/backend/config"
	"baton-attendance/backend/pkg/jwt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestJWT() *jwt.Manager {
	return jwt.NewManager(&config.AuthConfig{
		JWTSecret:      "test-secret-key-for-unit-testing-2026",
		AccessTokenTTL: 15 * time.Minute,
	})
}

func echoUser(c *gin.Context) {
	c.String(http.StatusOK, c.GetString("user_id")+"|"+c.GetString("role"))
}

// ── JWTAuth ──

func TestJWTAuth_BearerToken(t *testing.T) {
	mgr := newTestJWT()
	token, err := mgr.GenerateAccessToken("S1001", jwt.RoleStudent)
	if err != nil {
		t.Fatalf("签发失败: %v", err)
	}

	r := gin.New()
	r.GET("/me", JWTAuth(mgr), echoUser)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "S1001|student" {
		t.Errorf("expected 200 S1001|student, got %d %s", w.Code, w.Body.String())
	}
}

func TestJWTAuth_Rejects(t *testing.T) {
	mgr := newTestJWT()
	r := gin.New()
	r.GET("/me", JWTAuth(mgr), echoUser)

	tests := []struct {
		name   string
		header string
	}{
		{"缺少认证头", ""},
		{"格式错误", "Token abc"},
		{"无效 Token", "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			r.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", w.Code)
			}
		})
	}
}

func TestJWTAuth_QueryTokenOnlyForWebSocket(t *testing.T) {
	mgr := newTestJWT()
	token, _ := mgr.GenerateAccessToken("t-001", jwt.RoleTeacher)

	r := gin.New()
	r.GET("/events", JWTAuth(mgr), echoUser)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/events?access_token="+token, nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("普通请求不应接受 query token，got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/events?access_token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("WebSocket 握手应接受 query token，got %d", w.Code)
	}
}

// ── RoleAuth ──

func TestRoleAuth(t *testing.T) {
	withRole := func(role string) gin.HandlerFunc {
		return func(c *gin.Context) {
			if role != "" {
				c.Set("role", role)
			}
			c.Next()
		}
	}
	tests := []struct {
		role string
		want int
	}{
		{jwt.RoleTeacher, http.StatusOK},
		{jwt.RoleStudent, http.StatusForbidden},
		{"", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		r := gin.New()
		r.GET("/x", withRole(tt.role), RoleAuth(jwt.RoleTeacher), echoUser)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
		if w.Code != tt.want {
			t.Errorf("role=%q: expected %d, got %d", tt.role, tt.want, w.Code)
		}
	}
}

// ── RateLimit ──

type fakeWindow struct {
	allowed bool
	err     error
	calls   int
}

func (f *fakeWindow) CheckRateLimit(_ context.Context, _ string, _ int, _ time.Duration) (bool, error) {
	f.calls++
	return f.allowed, f.err
}

func rateLimitedRouter(rdb SlidingWindow, limit int) *gin.Engine {
	r := gin.New()
	r.POST("/scan/chain", func(c *gin.Context) {
		c.Set("user_id", "S1")
		c.Next()
	}, RateLimit(rdb, limit, time.Minute, zap.NewNop()), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func hit(r *gin.Engine) int {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/scan/chain", nil))
	return w.Code
}

func TestRateLimit_LocalFallback(t *testing.T) {
	r := rateLimitedRouter(nil, 3)
	for i := 0; i < 3; i++ {
		if code := hit(r); code != http.StatusOK {
			t.Fatalf("第 %d 次请求应放行，got %d", i+1, code)
		}
	}
	if code := hit(r); code != http.StatusTooManyRequests {
		t.Errorf("超出配额应返回 429，got %d", code)
	}
}

func TestRateLimit_Redis(t *testing.T) {
	deny := &fakeWindow{allowed: false}
	if code := hit(rateLimitedRouter(deny, 3)); code != http.StatusTooManyRequests {
		t.Errorf("Redis 拒绝时应返回 429，got %d", code)
	}

	broken := &fakeWindow{err: errors.New("connection refused")}
	r := rateLimitedRouter(broken, 1)
	if code := hit(r); code != http.StatusOK {
		t.Errorf("Redis 出错时应退回本地限流，got %d", code)
	}
	if code := hit(r); code != http.StatusTooManyRequests {
		t.Errorf("本地限流应生效，got %d", code)
	}
	if broken.calls != 2 {
		t.Errorf("每次请求都应先尝试 Redis，calls=%d", broken.calls)
	}
}

// ── 其他 ──

func TestBodyLimit(t *testing.T) {
	r := gin.New()
	r.POST("/x", BodyLimit(8), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/x", strings.NewReader(strings.Repeat("a", 32))))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.GET("/x", RequestID(), func(c *gin.Context) { c.String(http.StatusOK, c.GetString(requestIDKey)) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("X-Request-ID", "rid-1")
	r.ServeHTTP(w, req)
	if w.Header().Get("X-Request-ID") != "rid-1" || w.Body.String() != "rid-1" {
		t.Errorf("应沿用请求头中的 ID，got %s", w.Header().Get("X-Request-ID"))
	}

	for _, bad := range []string{strings.Repeat("x", 100), "rid 1", "rid\tinjected"} {
		w = httptest.NewRecorder()
		req = httptest.NewRequest("GET", "/x", nil)
		req.Header.Set("X-Request-ID", bad)
		r.ServeHTTP(w, req)
		if got := w.Header().Get("X-Request-ID"); len(got) != 36 || got == bad {
			t.Errorf("非法 ID %q 应被替换为 UUID，got %s", bad, got)
		}
	}
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS(config.CORSConfig{AllowOrigins: []string{"https://dash.example.edu/"}, MaxAge: time.Hour}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/x", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := preflight("https://dash.example.edu")
	if w.Code != http.StatusNoContent {
		t.Fatalf("白名单来源预检期望 204，得到 %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "https://dash.example.edu" ||
		w.Header().Get("Access-Control-Max-Age") != "3600" {
		t.Errorf("预检响应头不符: %v", w.Header())
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("不应下发 Allow-Credentials")
	}

	if w := preflight("https://evil.example.com"); w.Code != http.StatusForbidden {
		t.Errorf("白名单外来源预检期望 403，得到 %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("白名单外来源的普通请求不应带 CORS 头: %d %v", w.Code, w.Header())
	}
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/api/v1/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/x", nil))
	if w.Header().Get("Cache-Control") != "no-store" || w.Header().Get("X-Frame-Options") != "DENY" {
		t.Errorf("API 响应头不符: %v", w.Header())
	}
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Error("明文连接不应下发 HSTS")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Header().Get("Cache-Control") != "" {
		t.Error("非 API 路径不应强制 no-store")
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("所有响应都应携带 nosniff")
	}
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := gin.New()
	r.Use(RequestID(), Logger(zap.New(core)))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/v1/sessions/:id/events", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(path string) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	do("/health")
	if logs.Len() != 0 {
		t.Fatalf("探活成功时不应记日志，实际 %d 条", logs.Len())
	}

	do("/api/v1/sessions/s1/events?access_token=secret")
	do("/nope")

	entries := logs.TakeAll()
	if len(entries) != 2 {
		t.Fatalf("期望 2 条访问日志，实际 %d", len(entries))
	}
	ok := entries[0].ContextMap()
	if ok["route"] != "/api/v1/sessions/:id/events" || strings.Contains(ok["query"].(string), "secret") {
		t.Errorf("访问日志字段不符: %v", ok)
	}
	if ok["request_id"] == "" {
		t.Error("访问日志应带 request_id")
	}
	if entries[1].Level != zap.WarnLevel || entries[1].ContextMap()["route"] != "unmatched" {
		t.Errorf("未命中路由应记为 Warn/unmatched: %v %v", entries[1].Level, entries[1].ContextMap())
	}
}

func TestRedactQuery(t *testing.T) {
	if got := redactQuery("access_token=secret&x=1"); strings.Contains(got, "secret") {
		t.Errorf("access_token 未被隐去: %s", got)
	}
	if got := redactQuery("count=3"); got != "count=3" {
		t.Errorf("不含 token 时应原样返回: %s", got)
	}
}
