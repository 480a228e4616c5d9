package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-fleet/internal/middleware"
	"github.com/technosupport/ts-fleet/internal/ratelimit"
)

func setupMiddleware(t *testing.T, cfg middleware.Config) (*miniredis.Miniredis, http.Handler) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewLimiter(rdb, "test-salt")
	m := middleware.NewRateLimitMiddleware(limiter, cfg)

	handler := m.GlobalLimiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	return mr, handler
}

func doRequest(handler http.Handler, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil)
	req.RemoteAddr = "203.0.113.7:52000"
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_GlobalIP(t *testing.T) {
	_, handler := setupMiddleware(t, middleware.Config{
		Enabled:  true,
		GlobalIP: ratelimit.LimitConfig{Rate: 3, Window: time.Minute},
	})

	for i := 0; i < 3; i++ {
		if rec := doRequest(handler, nil); rec.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := doRequest(handler, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("Remaining header = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Errorf("Retry-After header missing on 429")
	}
}

func TestRateLimit_SeparateIPsSeparateBudgets(t *testing.T) {
	_, handler := setupMiddleware(t, middleware.Config{
		Enabled:  true,
		GlobalIP: ratelimit.LimitConfig{Rate: 1, Window: time.Minute},
	})

	if rec := doRequest(handler, nil); rec.Code != http.StatusOK {
		t.Fatalf("First IP: expected 200, got %d", rec.Code)
	}
	if rec := doRequest(handler, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("First IP second request: expected 429, got %d", rec.Code)
	}

	rec := doRequest(handler, func(r *http.Request) {
		r.RemoteAddr = "198.51.100.9:41000"
	})
	if rec.Code != http.StatusOK {
		t.Errorf("Second IP: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_WorkerScope(t *testing.T) {
	_, handler := setupMiddleware(t, middleware.Config{
		Enabled:  true,
		GlobalIP: ratelimit.LimitConfig{Rate: 100, Window: time.Minute},
		Worker:   ratelimit.LimitConfig{Rate: 2, Window: time.Minute},
	})

	withWorker := func(r *http.Request) { r.Header.Set("X-Worker-ID", "worker-a") }

	for i := 0; i < 2; i++ {
		if rec := doRequest(handler, withWorker); rec.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	if rec := doRequest(handler, withWorker); rec.Code != http.StatusTooManyRequests {
		t.Errorf("Worker over budget: expected 429, got %d", rec.Code)
	}

	// requests without the header only consume the IP budget
	if rec := doRequest(handler, nil); rec.Code != http.StatusOK {
		t.Errorf("Anonymous request: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_EndpointScope(t *testing.T) {
	_, handler := setupMiddleware(t, middleware.Config{
		Enabled:  true,
		GlobalIP: ratelimit.LimitConfig{Rate: 100, Window: time.Minute},
		Endpoints: map[string]ratelimit.LimitConfig{
			"/api/v1/events": {Rate: 1, Window: time.Minute},
		},
	})

	toEvents := func(r *http.Request) { r.URL.Path = "/api/v1/events" }

	if rec := doRequest(handler, toEvents); rec.Code != http.StatusOK {
		t.Fatalf("First event post: expected 200, got %d", rec.Code)
	}
	if rec := doRequest(handler, toEvents); rec.Code != http.StatusTooManyRequests {
		t.Errorf("Second event post: expected 429, got %d", rec.Code)
	}

	// other endpoints are untouched by the events limit
	if rec := doRequest(handler, nil); rec.Code != http.StatusOK {
		t.Errorf("Other endpoint: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_WindowResets(t *testing.T) {
	mr, handler := setupMiddleware(t, middleware.Config{
		Enabled:  true,
		GlobalIP: ratelimit.LimitConfig{Rate: 1, Window: time.Minute},
	})

	if rec := doRequest(handler, nil); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if rec := doRequest(handler, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", rec.Code)
	}

	mr.FastForward(61 * time.Second)

	if rec := doRequest(handler, nil); rec.Code != http.StatusOK {
		t.Errorf("After window reset: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	_, handler := setupMiddleware(t, middleware.Config{
		Enabled:  false,
		GlobalIP: ratelimit.LimitConfig{Rate: 1, Window: time.Minute},
	})

	for i := 0; i < 5; i++ {
		if rec := doRequest(handler, nil); rec.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200 with limiting disabled, got %d", i+1, rec.Code)
		}
	}
}

func TestRateLimit_FailsOpenWhenRedisDown(t *testing.T) {
	mr, handler := setupMiddleware(t, middleware.Config{
		Enabled:  true,
		GlobalIP: ratelimit.LimitConfig{Rate: 1, Window: time.Minute},
	})

	mr.Close()

	for i := 0; i < 3; i++ {
		if rec := doRequest(handler, nil); rec.Code != http.StatusOK {
			t.Errorf("Request %d: expected fail-open 200, got %d", i+1, rec.Code)
		}
	}
}
