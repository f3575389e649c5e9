package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/radiusdt/newsdesk/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestClientIP_WithoutRealIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "[2001:db8::1]:443"
	r.Header.Set("X-Forwarded-For", "203.0.113.7")
	assert.Equal(t, "2001:db8::1", ClientIP(r), "headers are ignored until resolved")
}

func TestRealIPMiddleware(t *testing.T) {
	m := NewRealIPMiddleware([]string{"10.0.0.0/8", "not-a-proxy"}, zap.NewNop())

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"untrusted peer ignores forwarded", map[string]string{"X-Forwarded-For": "198.51.100.77"}, "192.0.2.1:41234", "192.0.2.1"},
		{"untrusted peer ignores real ip", map[string]string{"X-Real-IP": "198.51.100.4"}, "192.0.2.1:41234", "192.0.2.1"},
		{"trusted peer single hop", map[string]string{"X-Forwarded-For": "203.0.113.7"}, "10.0.0.2:5000", "203.0.113.7"},
		{"spoofed left hop is skipped", map[string]string{"X-Forwarded-For": "198.51.100.77, 203.0.113.7"}, "10.0.0.2:5000", "203.0.113.7"},
		{"trusted hops are walked", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.1.1.1, 10.2.2.2"}, "10.0.0.2:5000", "203.0.113.7"},
		{"all hops trusted", map[string]string{"X-Forwarded-For": "10.1.1.1"}, "10.0.0.2:5000", "10.1.1.1"},
		{"malformed hop stops the walk", map[string]string{"X-Forwarded-For": "203.0.113.7, garbage"}, "10.0.0.2:5000", "10.0.0.2"},
		{"trusted peer real ip", map[string]string{"X-Real-IP": "198.51.100.4"}, "10.0.0.2:5000", "198.51.100.4"},
		{"remote addr", nil, "192.0.2.1:41234", "192.0.2.1"},
		{"ipv6 remote", nil, "[2001:db8::1]:443", "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = ClientIP(r)
			}))
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			h.ServeHTTP(httptest.NewRecorder(), r)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRealIPMiddleware_NoTrustedProxies(t *testing.T) {
	var got string
	h := NewRealIPMiddleware(nil, zap.NewNop()).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIP(r)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "127.0.0.1:9000"
	r.Header.Set("X-Forwarded-For", "203.0.113.7")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "127.0.0.1", got)
}

func TestAuthMiddleware(t *testing.T) {
	auth := NewAuthMiddleware(config.AuthConfig{
		Enabled:     true,
		MasterKey:   "s3cret",
		AdminPrefix: "/admin/",
	}, zap.NewNop())
	h := auth.Handler(ok)

	tests := []struct {
		name string
		path string
		key  string
		want int
	}{
		{"public path", "/articles/a1/comments", "", http.StatusNoContent},
		{"missing key", "/admin/comments", "", http.StatusUnauthorized},
		{"wrong key", "/admin/comments", "nope", http.StatusUnauthorized},
		{"valid key", "/admin/comments", "s3cret", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				r.Header.Set(AuthHeaderName, tt.key)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	h := NewAuthMiddleware(config.AuthConfig{AdminPrefix: "/admin/"}, zap.NewNop()).Handler(ok)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/ads/status", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := NewRecoveryMiddleware(zap.NewNop()).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, w.Body.String())
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled:  true,
		RPS:      1000,
		Burst:    1000,
		IPRPS:    0.001,
		IPBurst:  2,
		Prefixes: []string{"/track/"},
	}, zap.NewNop(), nil)
	h := rl.Handler(ok)

	send := func(path, ip string) int {
		r := httptest.NewRequest(http.MethodPost, path, nil)
		r.RemoteAddr = ip + ":40000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, send("/track/views", "203.0.113.1"))
	assert.Equal(t, http.StatusNoContent, send("/track/views", "203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("/track/views", "203.0.113.1"))

	assert.Equal(t, http.StatusNoContent, send("/track/views", "203.0.113.2"), "other IPs keep their own bucket")
	assert.Equal(t, http.StatusNoContent, send("/admin/comments", "203.0.113.1"), "unlisted prefixes are not limited")
}

func TestRateLimitMiddleware_ExemptSuffixes(t *testing.T) {
	h := NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled:        true,
		RPS:            1000,
		Burst:          1000,
		IPRPS:          0.001,
		IPBurst:        1,
		Prefixes:       []string{"/track/"},
		ExemptSuffixes: []string{"/click"},
	}, zap.NewNop(), nil).Handler(ok)

	send := func(method, path string) int {
		r := httptest.NewRequest(method, path, nil)
		r.RemoteAddr = "198.51.100.1:40000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	require.Equal(t, http.StatusNoContent, send(http.MethodPost, "/track/ads/ad-1/impression"))
	require.Equal(t, http.StatusTooManyRequests, send(http.MethodPost, "/track/ads/ad-1/impression"))
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusNoContent, send(http.MethodGet, "/track/ads/ad-1/click"), "click %d", i)
	}
}

func TestRateLimitMiddleware_Global(t *testing.T) {
	h := NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled:  true,
		RPS:      0.001,
		Burst:    1,
		IPRPS:    1000,
		IPBurst:  1000,
		Prefixes: []string{"/track/"},
	}, zap.NewNop(), nil).Handler(ok)

	codes := make([]int, 0, 2)
	for _, ip := range []string{"192.0.2.1", "192.0.2.2"} {
		r := httptest.NewRequest(http.MethodPost, "/track/views", nil)
		r.RemoteAddr = ip + ":40000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusTooManyRequests}, codes)
}

func TestCleanupIPLimiters(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{IPRPS: 1, IPBurst: 1}, zap.NewNop(), nil)
	rl.getIPLimiter("192.0.2.1")
	rl.getIPLimiter("192.0.2.2")

	rl.mu.Lock()
	rl.ipLimiters["192.0.2.1"].lastSeen = time.Now().Add(-2 * time.Hour)
	rl.mu.Unlock()

	assert.Equal(t, 1, rl.CleanupIPLimiters(time.Hour))
	assert.Len(t, rl.ipLimiters, 1)
}
