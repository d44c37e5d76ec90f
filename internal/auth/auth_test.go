package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

func newRouter(t *testing.T, creds Credentials) *gin.Engine {
	t.Helper()
	return routerFor(NewManager(creds, zerolog.Nop()))
}

func routerFor(m *Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte("test-secret"))))
	r.POST("/login", m.Login)
	protected := r.Group("/api", m.RequireLogin(), m.VerifyCSRF())
	protected.POST("/echo", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextUserKey))
	})
	protected.POST("/logout", m.Logout)
	return r
}

func testCredentials(t *testing.T) Credentials {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return Credentials{Username: "admin", PasswordHash: string(hash)}
}

func login(r *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLoginThenCallProtectedRoute(t *testing.T) {
	r := newRouter(t, testCredentials(t))

	w := login(r, `{"username":"admin","password":"pass"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	token := w.Header().Get(csrfHeader)
	cookies := w.Result().Cookies()
	if token == "" || len(cookies) == 0 {
		t.Fatalf("login should set csrf token and session cookie")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/echo", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("missing csrf header should be rejected, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/echo", nil)
	req.Header.Set(csrfHeader, token)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "admin" {
		t.Fatalf("expected 200 admin, got %d %q", w.Code, w.Body.String())
	}
}

func TestProtectedRouteRequiresLogin(t *testing.T) {
	r := newRouter(t, testCredentials(t))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/echo", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestLoginLocksAfterRepeatedFailures(t *testing.T) {
	r := newRouter(t, testCredentials(t))
	for i := 0; i < DefaultPolicy.MaxAttempts; i++ {
		if w := login(r, `{"username":"admin","password":"wrong"}`); w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, w.Code)
		}
	}
	w := login(r, `{"username":"admin","password":"pass"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after lock, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header should be set")
	}
}

func TestAnonymousModeSkipsLogin(t *testing.T) {
	r := newRouter(t, Credentials{AllowAnonymous: true})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/echo", nil))
	if w.Code != http.StatusOK || w.Body.String() != AnonymousUser {
		t.Fatalf("expected anonymous access, got %d %q", w.Code, w.Body.String())
	}

	if w := login(r, `{"username":"x","password":"y"}`); w.Code != http.StatusInternalServerError {
		t.Fatalf("login without configured credentials should fail, got %d", w.Code)
	}
}

func TestIdleSessionIsRejected(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(testCredentials(t), zerolog.Nop())
	m.now = func() time.Time { return now }
	r := routerFor(m)

	w := login(r, `{"username":"admin","password":"pass"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	token := w.Header().Get(csrfHeader)
	cookies := w.Result().Cookies()

	now = now.Add(DefaultPolicy.IdleTimeout + time.Minute)
	req := httptest.NewRequest(http.MethodPost, "/api/echo", nil)
	req.Header.Set(csrfHeader, token)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), "SESSION_IDLE_TIMEOUT") {
		t.Fatalf("expected idle timeout, got %d %s", w.Code, w.Body.String())
	}
}

func TestThrottleWindowAndLock(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	th := newThrottle(3, time.Minute, 5*time.Minute)

	if remaining, locked := th.fail("10.0.0.1", start); remaining != 2 || locked {
		t.Fatalf("first failure: remaining=%d locked=%v", remaining, locked)
	}
	// 期間を過ぎた失敗は数え直す。
	if remaining, _ := th.fail("10.0.0.1", start.Add(2*time.Minute)); remaining != 2 {
		t.Fatalf("window should restart, remaining=%d", remaining)
	}
	th.fail("10.0.0.1", start.Add(2*time.Minute+time.Second))
	if _, locked := th.fail("10.0.0.1", start.Add(2*time.Minute+2*time.Second)); !locked {
		t.Fatal("third failure in window should lock")
	}
	if wait := th.locked("10.0.0.1", start.Add(3*time.Minute)); wait <= 0 {
		t.Fatal("client should still be locked")
	}
	if wait := th.locked("10.0.0.2", start.Add(3*time.Minute)); wait != 0 {
		t.Fatal("other clients must not be locked")
	}
	if wait := th.locked("10.0.0.1", start.Add(8*time.Minute)); wait != 0 {
		t.Fatalf("lock should expire, still %s", wait)
	}
}
