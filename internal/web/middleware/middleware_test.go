package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kozaktomas/face-auth/internal/auth"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTokenManager_IssueAndParse(t *testing.T) {
	tm, err := NewTokenManager(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	token, expiresAt, err := tm.Issue("alice@example.com", "0001")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if time.Until(expiresAt) <= 59*time.Minute {
		t.Errorf("expiresAt = %v", expiresAt)
	}

	claims, err := tm.Parse(token)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if claims.Subject != "alice@example.com" || claims.FaceID != "0001" || claims.ID == "" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestTokenManager_Rejects(t *testing.T) {
	tm, _ := NewTokenManager(testSecret, time.Hour)
	other, _ := NewTokenManager("ffffffffffffffffffffffffffffffff", time.Hour)
	foreign, _, _ := other.Issue("a", "0001")

	expired, _ := NewTokenManager(testSecret, time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	old, _, _ := expired.Issue("a", "0001")

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.token"},
		{"wrong secret", foreign},
		{"expired", old},
		{"alg none", "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJzdWIiOiJhIiwiZmlkIjoiMDAwMSJ9."},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tm.Parse(tc.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Parse() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestNewTokenManager_Validation(t *testing.T) {
	if _, err := NewTokenManager("", time.Hour); err == nil {
		t.Error("empty secret should be rejected")
	}
	if _, err := NewTokenManager(testSecret, 0); err == nil {
		t.Error("zero ttl should be rejected")
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
		url   string
		want  string
	}{
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, "/", "abc"},
		{"lowercase scheme", func(r *http.Request) { r.Header.Set("Authorization", "bearer abc") }, "/", "abc"},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: TokenCookieName, Value: "c"}) }, "/", "c"},
		{"query", func(*http.Request) {}, "/me?token=q", "q"},
		{"header wins", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer h")
			r.AddCookie(&http.Cookie{Name: TokenCookieName, Value: "c"})
		}, "/me?token=q", "h"},
		{"basic auth ignored", func(r *http.Request) { r.Header.Set("Authorization", "Basic xyz") }, "/", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tc.url, nil)
			tc.setup(r)
			if got := TokenFromRequest(r); got != tc.want {
				t.Errorf("TokenFromRequest() = %q, want %q", got, tc.want)
			}
		})
	}
}

type failingDenylist struct{}

func (failingDenylist) Revoke(context.Context, string, time.Time) error { return nil }
func (failingDenylist) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestRequireToken(t *testing.T) {
	tm, _ := NewTokenManager(testSecret, time.Hour)
	denylist := auth.NewMemoryDenylist()
	valid, _, _ := tm.Issue("alice@example.com", "0001")
	revoked, exp, _ := tm.Issue("alice@example.com", "0001")
	claims, _ := tm.Parse(revoked)
	_ = denylist.Revoke(context.Background(), claims.ID, exp)

	var seen *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name     string
		token    string
		denylist auth.Denylist
		want     int
	}{
		{"valid", valid, denylist, http.StatusOK},
		{"missing", "", denylist, http.StatusUnauthorized},
		{"revoked", revoked, denylist, http.StatusUnauthorized},
		{"denylist down", valid, failingDenylist{}, http.StatusServiceUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			h := RequireToken(tm, tc.denylist, quietLogger())(next)
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.token != "" {
				r.Header.Set("Authorization", "Bearer "+tc.token)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
			if tc.want == http.StatusOK && (seen == nil || seen.FaceID != "0001") {
				t.Errorf("claims in context = %+v", seen)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"https://app.example.com", true},
		{"http://localhost:5173", true},
		{"http://localhost", true},
		{"http://localhost.evil.com", false},
		{"https://evil.example.com", false},
		{"", false},
	}

	for _, tc := range tests {
		t.Run(tc.origin, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			got := w.Header().Get("Access-Control-Allow-Origin")
			if tc.allowed && got != tc.origin {
				t.Errorf("Allow-Origin = %q, want %q", got, tc.origin)
			}
			if !tc.allowed && got != "" {
				t.Errorf("Allow-Origin = %q, want none", got)
			}
		})
	}

	r := httptest.NewRequest(http.MethodOptions, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("preflight status = %d, want 200", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst requests should pass")
	}
	if rl.Allow("a") {
		t.Error("third request within a second should be limited")
	}
	if !rl.Allow("b") {
		t.Error("other clients have their own bucket")
	}

	now = now.Add(time.Second)
	if !rl.Allow("a") {
		t.Error("bucket should refill after a second")
	}

	now = now.Add(idleLimiterTTL + time.Second)
	rl.Allow("c")
	if _, ok := rl.clients["a"]; ok {
		t.Error("idle limiters should be pruned")
	}

	if !NewRateLimiter(0, 0).Allow("x") {
		t.Error("rps 0 disables limiting")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 2)
	for i := range codes {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		codes[i] = w.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v", codes)
	}
}

func TestRecoverer(t *testing.T) {
	h := Recoverer(quietLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}
