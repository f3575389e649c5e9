package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/radiusdt/newsdesk/internal/config"
	"github.com/radiusdt/newsdesk/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware applies a global token bucket and a per-IP token
// bucket to the public tracking and comment endpoints. Paths ending in one
// of ExemptSuffixes, such as ad click-throughs, always pass.
type RateLimitMiddleware struct {
	cfg     config.RateLimitConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	global  *rate.Limiter

	mu         sync.Mutex
	ipLimiters map[string]*ipLimiter
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimitMiddleware creates a new rate limiting middleware.
func NewRateLimitMiddleware(cfg config.RateLimitConfig, logger *zap.Logger, m *metrics.Metrics) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		global:     rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		ipLimiters: make(map[string]*ipLimiter),
	}
}

// Handler wraps an http.Handler with rate limiting.
func (rl *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled || !rl.limited(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if !rl.global.Allow() {
			rl.reject(w, r, "global")
			return
		}

		if !rl.getIPLimiter(ClientIP(r)).Allow() {
			rl.reject(w, r, "ip")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) limited(path string) bool {
	for _, suffix := range rl.cfg.ExemptSuffixes {
		if strings.HasSuffix(path, suffix) {
			return false
		}
	}
	for _, p := range rl.cfg.Prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// getIPLimiter returns or creates a rate limiter for the given IP.
func (rl *RateLimitMiddleware) getIPLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.ipLimiters[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rl.cfg.IPRPS), rl.cfg.IPBurst)}
		rl.ipLimiters[ip] = l
	}
	l.lastSeen = time.Now()
	return l.limiter
}

func (rl *RateLimitMiddleware) reject(w http.ResponseWriter, r *http.Request, scope string) {
	rl.logger.Warn("rate limit exceeded",
		zap.String("scope", scope),
		zap.String("path", r.URL.Path),
		zap.String("client_ip", ClientIP(r)),
	)
	rl.metrics.RecordRateLimitHit(scope)
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

// CleanupIPLimiters drops limiters not used within idle and returns how
// many were removed.
func (rl *RateLimitMiddleware) CleanupIPLimiters(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-idle)
	removed := 0
	for ip, l := range rl.ipLimiters {
		if l.lastSeen.Before(cutoff) {
			delete(rl.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("cleaned up IP rate limiters", zap.Int("removed", removed))
	}
	return removed
}
