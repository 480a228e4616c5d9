package middleware

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/technosupport/ts-fleet/internal/metrics"
	"github.com/technosupport/ts-fleet/internal/ratelimit"
)

type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	config  *Config
}

type Config struct {
	Enabled   bool                             `yaml:"enabled"`
	GlobalIP  ratelimit.LimitConfig            `yaml:"global_ip"`
	Worker    ratelimit.LimitConfig            `yaml:"worker"`
	Endpoints map[string]ratelimit.LimitConfig `yaml:"endpoints"`
}

func NewRateLimitMiddleware(l *ratelimit.Limiter, c Config) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: l, config: &c}
}

// GlobalLimiter applies the per-IP limit, then a per-worker limit when the
// caller identifies itself, then any endpoint-specific limit. Redis being
// down fails open: dropping fleet traffic to protect a rate limiter is the
// wrong trade.
func (m *RateLimitMiddleware) GlobalLimiter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		ip := strings.Split(r.RemoteAddr, ":")[0]
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ip = strings.Split(xff, ",")[0]
		}
		ipHash := m.limiter.HashIP(ip)

		if !m.check(w, r, fmt.Sprintf("rl:ip:%s", ipHash), ratelimit.ScopeGlobalIP, m.config.GlobalIP) {
			return
		}

		if workerID := r.Header.Get("X-Worker-ID"); workerID != "" && m.config.Worker.Rate > 0 {
			if !m.check(w, r, fmt.Sprintf("rl:worker:%s", workerID), ratelimit.ScopeWorker, m.config.Worker) {
				return
			}
		}

		if epConfig, found := m.config.Endpoints[r.URL.Path]; found {
			key := fmt.Sprintf("rl:ep:%s:%s", ipHash, r.URL.Path)
			if !m.check(w, r, key, ratelimit.ScopeEndpoint, epConfig) {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// check runs one limit; returns false when the response was already written.
func (m *RateLimitMiddleware) check(w http.ResponseWriter, r *http.Request, key string, scope ratelimit.Scope, cfg ratelimit.LimitConfig) bool {
	decision, err := m.limiter.CheckRateLimit(r.Context(), key, cfg)
	if err != nil {
		log.Printf("[WARN] RateLimit: redis check failed (fail open): %v", err)
		metrics.RateLimitDecisions.WithLabelValues(string(scope), "error").Inc()
		return true
	}
	if !decision.Allowed {
		metrics.RateLimitDecisions.WithLabelValues(string(scope), "blocked").Inc()
		writeRateLimitHeaders(w, decision)
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return false
	}
	metrics.RateLimitDecisions.WithLabelValues(string(scope), "allowed").Inc()
	return true
}

func writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}
