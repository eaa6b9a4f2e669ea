package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func newTestRouter(m *Manager, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handlers := append([]gin.HandlerFunc{m.RequireUser()}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})
	router.GET("/me", handlers...)
	return router
}

func TestRequireUserAcceptsBearerToken(t *testing.T) {
	m := NewManager("secret")
	token, err := m.IssueToken("user-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	router := newTestRouter(m)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "user-1" {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestRequireUserAcceptsQueryToken(t *testing.T) {
	m := NewManager("secret")
	token, _ := m.IssueToken("user-2", time.Hour)

	router := newTestRouter(m)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me?token="+token, nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "user-2" {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestRequireUserRejects(t *testing.T) {
	m := NewManager("secret")
	expired, _ := (&Manager{secret: []byte("secret"), now: func() time.Time { return time.Now().Add(-2 * time.Hour) }}).IssueToken("user-1", time.Hour)
	foreign, _ := NewManager("other-secret").IssueToken("user-1", time.Hour)
	noneAlg, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user-1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"expired", "Bearer " + expired},
		{"wrong secret", "Bearer " + foreign},
		{"alg none", "Bearer " + noneAlg},
	}
	router := newTestRouter(m)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestRequireUserWithoutSecret(t *testing.T) {
	router := newTestRouter(NewManager(""))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestRateLimiterPerUser(t *testing.T) {
	l := NewRateLimiter(2)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("user-1"); !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	ok, wait := l.Allow("user-1")
	if ok || wait <= 0 {
		t.Fatalf("third request ok=%v wait=%v, want denied", ok, wait)
	}
	if ok, _ := l.Allow("user-2"); !ok {
		t.Fatal("other users have their own bucket")
	}

	now = now.Add(30 * time.Second)
	if ok, _ := l.Allow("user-1"); !ok {
		t.Fatal("bucket should refill after 30s")
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	m := NewManager("secret")
	token, _ := m.IssueToken("user-1", time.Hour)
	router := newTestRouter(m, NewRateLimiter(1).Middleware())

	codes := make([]int, 2)
	for i := range codes {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes[i] = rec.Code
		if i == 1 && rec.Header().Get("Retry-After") == "" {
			t.Error("Retry-After header missing")
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v, want [200 429]", codes)
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	l := NewRateLimiter(0)
	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow("user-1"); !ok {
			t.Fatal("unlimited limiter denied a request")
		}
	}
}
