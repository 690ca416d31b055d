package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"mentorlive/internal/api"
	"mentorlive/internal/auth"
	"mentorlive/internal/broadcast"
	"mentorlive/internal/observability/metrics"
	"mentorlive/internal/pool"
	"mentorlive/internal/session"
	"mentorlive/internal/storage"
)

func newTestHandler(t *testing.T) (*api.Handler, *storage.Storage) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	gateway := &broadcast.NoopGateway{}
	allocator := pool.NewAllocator(store, gateway, pool.NewMemoryQueue(8), nil, metrics.New())
	lc, err := session.NewLifecycle(session.Config{
		Repo:      store,
		Allocator: allocator,
		Gateway:   gateway,
		Recorder:  metrics.New(),
	})
	if err != nil {
		t.Fatalf("NewLifecycle error: %v", err)
	}
	guard, err := auth.NewOperatorGuard("test-operator-key")
	if err != nil {
		t.Fatalf("NewOperatorGuard error: %v", err)
	}
	return api.NewHandler(store, lc, allocator, gateway, guard), store
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, Config{})
	if err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
}

func TestServerRoutesSessions(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv, err := New(handler, Config{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("X-Presenter-Id", "alice")
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from session list, got %d: %s", rec.Code, rec.Body.String())
	}
	var sessions []json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode session list: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected empty session list, got %d entries", len(sessions))
	}
}

func TestServerRoutesAdminChannels(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv, err := New(handler, Config{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/channels", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without operator key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/channels", nil)
	req.Header.Set("Authorization", "Bearer test-operator-key")
	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with operator key, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServerExposesMetricsEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)
	recorder := metrics.New()
	srv, err := New(handler, Config{Addr: "127.0.0.1:0", Metrics: recorder})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics, got %d", rec.Code)
	}
}

func TestRateLimitMiddlewareThrottlesStartAttempts(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{StartLimit: 1, StartWindow: time.Minute})
	handler := rateLimitMiddleware(rl, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req1 := httptest.NewRequest(http.MethodPost, "/api/sessions/sess-1/start", nil)
	req1.Header.Set("X-Presenter-Id", "alice")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusNoContent {
		t.Fatalf("expected first start to pass, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/sessions/sess-2/start", nil)
	req2.Header.Set("X-Presenter-Id", "alice")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second start to be throttled, got %d", rec2.Code)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on throttled response")
	}
}

func TestRateLimitMiddlewareLeavesOtherRoutesAlone(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{StartLimit: 1, StartWindow: time.Minute})
	handler := rateLimitMiddleware(rl, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
		req.Header.Set("X-Presenter-Id", "alice")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d unexpectedly limited: %d", i, rec.Code)
		}
	}
}

func TestIsStartPath(t *testing.T) {
	cases := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodPost, "/api/sessions/abc/start", true},
		{http.MethodPost, "/api/sessions/abc/start/", true},
		{http.MethodGet, "/api/sessions/abc/start", false},
		{http.MethodPost, "/api/sessions/abc/end", false},
		{http.MethodPost, "/api/sessions", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if got := isStartPath(req); got != tc.want {
			t.Errorf("isStartPath(%s %s) = %v, want %v", tc.method, tc.path, got, tc.want)
		}
	}
}

func TestExtractClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.10:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if ip := extractClientIP(req); ip != "203.0.113.5" {
		t.Fatalf("expected forwarded ip, got %q", ip)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.RemoteAddr = "198.51.100.10:1234"
	if ip := extractClientIP(req2); ip != "198.51.100.10" {
		t.Fatalf("expected remote addr host, got %q", ip)
	}
}
