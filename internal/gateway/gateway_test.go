package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mailgun/holster/v4/clock"

	"github.com/samudra-paket/gateway/internal/config"
	"github.com/samudra-paket/gateway/internal/gateway/cache"
	"github.com/samudra-paket/gateway/internal/metrics"
)

const testSecret = "gateway-test-secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signToken(t *testing.T, subject, role string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"id":   subject,
		"role": role,
		"iat":  time.Now().Add(-time.Minute).Unix(),
		"exp":  time.Now().Add(ttl).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func testConfig(routes map[string]config.RouteConfig) config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Auth.Secret = testSecret
	cfg.Routes = routes
	for name, route := range cfg.Routes {
		if route.Rewrite.From == "" {
			route.Rewrite = config.RewriteConfig{From: "/" + name, To: "/api"}
			cfg.Routes[name] = route
		}
	}
	return cfg
}

func newTestGateway(t *testing.T, cfg config.Config) *Gateway {
	t.Helper()
	store := cache.NewMemory(cfg.Server.Cache.CacheTTL())
	g, err := New(cfg, store, metrics.NewRecorder(nil), discardLogger())
	if err != nil {
		t.Fatalf("build gateway: %v", err)
	}
	return g
}

func decodeEnvelope(t *testing.T, body io.Reader) errorEnvelope {
	t.Helper()
	var envelope errorEnvelope
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return envelope
}

func boolPtr(v bool) *bool { return &v }

func TestUnknownPathReturnsEnvelope(t *testing.T) {
	g := newTestGateway(t, testConfig(map[string]config.RouteConfig{
		"core": {Upstream: "http://localhost:3002"},
	}))

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/unknown", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	envelope := decodeEnvelope(t, rec.Body)
	if envelope.Status != "error" || envelope.Code != "NOT_FOUND" {
		t.Fatalf("envelope = %+v", envelope)
	}
	if envelope.RequestID == "" {
		t.Fatalf("envelope must carry a request id")
	}
}

func TestProtectedRouteWithoutToken(t *testing.T) {
	g := newTestGateway(t, testConfig(map[string]config.RouteConfig{
		"core": {Upstream: "http://localhost:3002"},
	}))

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/core/employees", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if envelope := decodeEnvelope(t, rec.Body); envelope.Code != "AUTH_MISSING" {
		t.Fatalf("code = %q", envelope.Code)
	}
}

func TestProtectedRouteWithExpiredToken(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	g := newTestGateway(t, testConfig(map[string]config.RouteConfig{
		"core": {Upstream: upstream.URL},
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/core/employees", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "emp-1", "MANAGER", -time.Minute))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if envelope := decodeEnvelope(t, rec.Body); envelope.Code != "AUTH_INVALID" {
		t.Fatalf("code = %q", envelope.Code)
	}
	if hits.Load() != 0 {
		t.Fatalf("upstream must never be contacted on auth failure")
	}
}

func TestRoleGateDeniesAndAdminBypasses(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	g := newTestGateway(t, testConfig(map[string]config.RouteConfig{
		"finance": {Upstream: upstream.URL, Roles: []string{"FINANCE", "MANAGER"}},
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/finance/invoices", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "emp-1", "warehouse", time.Hour))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("warehouse role must be denied, got %d", rec.Code)
	}
	if envelope := decodeEnvelope(t, rec.Body); envelope.Code != "FORBIDDEN" {
		t.Fatalf("code = %q", envelope.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/finance/invoices", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "emp-2", "admin", time.Hour))
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin must bypass the role gate, got %d", rec.Code)
	}
}

func TestOpenRouteRewritesPath(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"token":"issued"}`)); err != nil {
			t.Errorf("write: %v", err)
		}
	}))
	defer upstream.Close()

	g := newTestGateway(t, testConfig(map[string]config.RouteConfig{
		"auth": {Upstream: upstream.URL, AuthRequired: boolPtr(false)},
	}))

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{}`)))

	if gotPath != "/api/login" {
		t.Fatalf("upstream path = %q, want /api/login", gotPath)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := rec.Body.String(); body != `{"token":"issued"}` {
		t.Fatalf("body = %q", body)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("response must carry the correlation header")
	}
}

func TestUnversionedPrefixAlsoRoutes(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer upstream.Close()

	g := newTestGateway(t, testConfig(map[string]config.RouteConfig{
		"auth": {Upstream: upstream.URL, AuthRequired: boolPtr(false)},
	}))

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
	if gotPath != "/api/login" {
		t.Fatalf("upstream path = %q", gotPath)
	}
}

func TestIdentityHeadersReachUpstream(t *testing.T) {
	var gotUser, gotRole, gotRequestID string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get("X-User-Id")
		gotRole = r.Header.Get("X-User-Role")
		gotRequestID = r.Header.Get("X-Request-Id")
	}))
	defer upstream.Close()

	g := newTestGateway(t, testConfig(map[string]config.RouteConfig{
		"core": {Upstream: upstream.URL},
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/core/employees", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "emp-042", "manager", time.Hour))
	req.Header.Set("X-Request-Id", "req-up-1")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if gotUser != "emp-042" {
		t.Fatalf("X-User-Id = %q", gotUser)
	}
	if gotRole != "MANAGER" {
		t.Fatalf("X-User-Role = %q", gotRole)
	}
	if gotRequestID != "req-up-1" {
		t.Fatalf("X-Request-Id = %q", gotRequestID)
	}
}

func TestSecondGetServedFromCache(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"employees":[]}`)); err != nil {
			t.Errorf("write: %v", err)
		}
	}))
	defer upstream.Close()

	g := newTestGateway(t, testConfig(map[string]config.RouteConfig{
		"core": {Upstream: upstream.URL, Cache: &config.RouteCacheConfig{TTLSeconds: 60}},
	}))

	token := signToken(t, "emp-1", "manager", time.Hour)
	send := func(method string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/api/v1/core/employees?page=1", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, req)
		return rec
	}

	first := send(http.MethodGet)
	if first.Code != http.StatusOK || first.Header().Get("X-Cache") == "HIT" {
		t.Fatalf("first request must reach the upstream: code=%d", first.Code)
	}

	second := send(http.MethodGet)
	if second.Code != http.StatusOK {
		t.Fatalf("second request status = %d", second.Code)
	}
	if second.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("second identical GET must be a cache hit")
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("cached body differs")
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("upstream hit %d times, want 1", got)
	}

	// Non-idempotent methods always pass through.
	send(http.MethodPost)
	send(http.MethodPost)
	if got := hits.Load(); got != 3 {
		t.Fatalf("POST must bypass the cache, upstream hits = %d", got)
	}
}

func TestCachedReplayKeepsRepeatedHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "session=a1")
		w.Header().Add("Set-Cookie", "theme=dark")
		if _, err := w.Write([]byte(`{"ok":true}`)); err != nil {
			t.Errorf("write: %v", err)
		}
	}))
	defer upstream.Close()

	g := newTestGateway(t, testConfig(map[string]config.RouteConfig{
		"core": {Upstream: upstream.URL, Cache: &config.RouteCacheConfig{TTLSeconds: 60}},
	}))

	token := signToken(t, "emp-1", "manager", time.Hour)
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/core/session", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, req)
		return rec
	}

	send()
	replay := send()
	if replay.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("second GET must replay from the cache")
	}
	cookies := replay.Header().Values("Set-Cookie")
	if len(cookies) != 2 || cookies[0] != "session=a1" || cookies[1] != "theme=dark" {
		t.Fatalf("replay dropped repeated headers: %v", cookies)
	}
}

func TestCacheEntryExpiresAndRefreshes(t *testing.T) {
	defer clock.Freeze(clock.Now()).Unfreeze()

	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	g := newTestGateway(t, testConfig(map[string]config.RouteConfig{
		"reporting": {
			Upstream:     upstream.URL,
			AuthRequired: boolPtr(false),
			Cache:        &config.RouteCacheConfig{TTLSeconds: 60},
		},
	}))

	send := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reporting/daily", nil))
		return rec
	}

	send()
	if rec := send(); rec.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("expected a cache hit inside the TTL window")
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("upstream hits = %d, want 1", got)
	}

	clock.Advance(61 * time.Second)
	if rec := send(); rec.Header().Get("X-Cache") == "HIT" {
		t.Fatalf("expired entry must not be served")
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("upstream hits after expiry = %d, want 2", got)
	}

	// The refreshed entry serves again.
	if rec := send(); rec.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("refreshed entry must be served from cache")
	}
}

func TestBreakerOpensAfterConsecutiveRefusals(t *testing.T) {
	defer clock.Freeze(clock.Now()).Unfreeze()

	cfg := testConfig(map[string]config.RouteConfig{
		"notification": {
			// Port 1 on loopback refuses connections.
			Upstream:     "http://127.0.0.1:1",
			AuthRequired: boolPtr(false),
			Breaker:      &config.RouteBreakerConfig{FailureThreshold: 5},
		},
	})
	g := newTestGateway(t, cfg)

	send := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/notification/send", nil))
		return rec
	}

	for i := 0; i < 5; i++ {
		if rec := send(); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("call %d status = %d", i+1, rec.Code)
		}
	}

	health := g.HealthSnapshot(t.Context())
	if len(health.Breakers) != 1 || health.Breakers[0].State != "open" {
		t.Fatalf("breaker must be open after five refusals: %+v", health.Breakers)
	}
	if health.Status != "degraded" {
		t.Fatalf("health status = %q", health.Status)
	}

	// Sixth call is rejected without a network attempt.
	rec := send()
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if envelope := decodeEnvelope(t, rec.Body); envelope.Code != "SERVICE_UNAVAILABLE" {
		t.Fatalf("code = %q", envelope.Code)
	}
}

func TestBreakerRecoversThroughHalfOpenTrial(t *testing.T) {
	defer clock.Freeze(clock.Now()).Unfreeze()

	var healthy atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	g := newTestGateway(t, testConfig(map[string]config.RouteConfig{
		"operations": {
			Upstream:     upstream.URL,
			AuthRequired: boolPtr(false),
			Breaker:      &config.RouteBreakerConfig{FailureThreshold: 1, ResetTimeoutSeconds: 30},
		},
	}))

	send := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/operations/shipments", nil))
		return rec
	}

	// A 5xx reply is relayed verbatim but trips the single-failure threshold.
	if rec := send(); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := send(); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("open circuit must reject, got %d", rec.Code)
	}

	healthy.Store(true)
	clock.Advance(31 * time.Second)

	if rec := send(); rec.Code != http.StatusOK {
		t.Fatalf("trial call must pass through, got %d", rec.Code)
	}
	health := g.HealthSnapshot(t.Context())
	if health.Breakers[0].State != "closed" {
		t.Fatalf("breaker must close after a successful trial: %+v", health.Breakers[0])
	}
}

func TestCORSPreflightForConfiguredOrigin(t *testing.T) {
	cfg := testConfig(map[string]config.RouteConfig{
		"core": {Upstream: "http://localhost:3002"},
	})
	cfg.Server.Clients.WebOrigin = "https://erp.samudra.example"

	g := newTestGateway(t, cfg)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/core/employees", nil)
	req.Header.Set("Origin", "https://erp.samudra.example")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://erp.samudra.example" {
		t.Fatalf("allow-origin = %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatalf("preflight must list allowed methods")
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/core/employees", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unlisted origin must not be reflected")
	}
}
