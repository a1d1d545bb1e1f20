package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/samudra-paket/gateway/internal/config"
	"github.com/samudra-paket/gateway/internal/gateway/authn"
	"github.com/samudra-paket/gateway/internal/gateway/authz"
	"github.com/samudra-paket/gateway/internal/gateway/breaker"
	"github.com/samudra-paket/gateway/internal/gateway/cache"
	"github.com/samudra-paket/gateway/internal/gateway/pipeline"
	"github.com/samudra-paket/gateway/internal/gateway/proxy"
	"github.com/samudra-paket/gateway/internal/metrics"
)

// apiPrefixes are the URL roots under which every route is mounted. Both the
// versioned and the unversioned forms are accepted, versioned first so the
// longest prefix wins.
var apiPrefixes = []string{"/api/v1", "/api"}

// route is one immutable entry of the routing table: the mounted prefix plus
// the agent chain assembled for it at startup.
type route struct {
	name     string
	prefix   string
	upstream string
	agents   []pipeline.Agent
}

// Gateway is the HTTP front door: it matches the inbound path against the
// route table, runs the route's agent chain, and renders either the buffered
// upstream response or the standard error envelope. The route table is fixed
// for the lifetime of the process.
type Gateway struct {
	logger   *slog.Logger
	recorder *metrics.Recorder
	store    cache.ResponseCache

	routes   []*route
	breakers map[string]*breaker.Breaker

	forwarder         *proxy.Forwarder
	authSecret        string
	origins           map[string]struct{}
	correlationHeader string
	devMode           bool
	startedAt         time.Time
}

// Option adjusts gateway construction.
type Option func(*Gateway)

// WithHTTPClient overrides the upstream HTTP client, used by tests.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		g.forwarder = nil
		if client != nil {
			g.forwarder = proxy.NewForwarder(client, g.logger, 0)
		}
	}
}

// New assembles the gateway from resolved configuration. Breakers are created
// per upstream target, so routes pointing at the same service share one
// circuit.
func New(cfg config.Config, store cache.ResponseCache, recorder *metrics.Recorder, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = cache.NewMemory(cfg.Server.Cache.CacheTTL())
	}

	g := &Gateway{
		logger:            logger.With(slog.String("component", "gateway")),
		recorder:          recorder,
		store:             store,
		breakers:          make(map[string]*breaker.Breaker),
		authSecret:        cfg.Server.Auth.Secret,
		origins:           make(map[string]struct{}),
		correlationHeader: cfg.Server.Logging.CorrelationHeader,
		devMode:           cfg.DevelopmentMode(),
		startedAt:         time.Now().UTC(),
	}
	if g.correlationHeader == "" {
		g.correlationHeader = proxy.HeaderRequestID
	}
	for _, origin := range cfg.Server.Clients.Origins() {
		g.origins[origin] = struct{}{}
	}

	for _, opt := range opts {
		opt(g)
	}
	if g.forwarder == nil {
		g.forwarder = proxy.NewForwarder(nil, g.logger, cfg.Server.Proxy.MaxResponseBytes)
	}

	for _, name := range cfg.RouteNames() {
		routeCfg := cfg.Routes[name]
		base, err := url.Parse(strings.TrimSpace(routeCfg.Upstream))
		if err != nil {
			return nil, fmt.Errorf("gateway: route %q upstream: %w", name, err)
		}

		brk := g.breakerFor(routeCfg.Upstream, routeCfg.EffectiveBreaker(cfg.Server.Breaker))
		chain := g.buildChain(name, routeCfg, base, brk, cfg.Server.Cache)

		for _, apiPrefix := range apiPrefixes {
			g.routes = append(g.routes, &route{
				name:     name,
				prefix:   apiPrefix + "/" + name,
				upstream: routeCfg.Upstream,
				agents:   chain,
			})
		}
	}

	// Longest prefix first so /api/v1/auth beats /api.
	sort.Slice(g.routes, func(i, j int) bool {
		if len(g.routes[i].prefix) != len(g.routes[j].prefix) {
			return len(g.routes[i].prefix) > len(g.routes[j].prefix)
		}
		return g.routes[i].prefix < g.routes[j].prefix
	})

	return g, nil
}

func (g *Gateway) breakerFor(upstream string, policy config.BreakerConfig) *breaker.Breaker {
	if existing, ok := g.breakers[upstream]; ok {
		return existing
	}
	onTransition := func(target string, from, to breaker.State) {
		g.recorder.ObserveBreakerTransition(target, from.String(), to.String())
		g.logger.Warn("circuit breaker transition",
			slog.String("upstream", target),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	}
	brk := breaker.New(upstream, breaker.Policy{
		FailureThreshold: policy.FailureThreshold,
		ResetTimeout:     policy.ResetTimeout(),
		CallTimeout:      policy.CallTimeout(),
		TrialRequests:    policy.TrialRequests,
	}, onTransition)
	g.breakers[upstream] = brk
	return brk
}

func (g *Gateway) buildChain(name string, routeCfg config.RouteConfig, base *url.URL, brk *breaker.Breaker, cacheCfg config.CacheConfig) []pipeline.Agent {
	var agents []pipeline.Agent

	if routeCfg.RequiresAuth() {
		agents = append(agents, authn.New(g.authSecret))
	}
	if len(routeCfg.Roles) > 0 {
		agents = append(agents, authz.New(routeCfg.Roles))
	}

	cacheEnabled := routeCfg.Cache != nil
	if cacheEnabled {
		agents = append(agents, &cacheReadAgent{store: g.store, recorder: g.recorder, logger: g.logger})
	}

	rules := make([]proxy.Rule, 0, len(routeCfg.Paths))
	for _, rule := range routeCfg.Paths {
		rules = append(rules, proxy.Rule{Pattern: rule.Pattern, Target: rule.Target})
	}
	agents = append(agents, &proxyAgent{
		upstream:  routeCfg.Upstream,
		base:      base,
		rewrite:   proxy.Rewrite{From: routeCfg.Rewrite.From, To: routeCfg.Rewrite.To, Rules: rules},
		forwarder: g.forwarder,
		breaker:   brk,
		recorder:  g.recorder,
		logger:    g.logger,
	})

	if cacheEnabled {
		ttl := cacheCfg.CacheTTL()
		if routeCfg.Cache.TTLSeconds > 0 {
			ttl = time.Duration(routeCfg.Cache.TTLSeconds) * time.Second
		}
		agents = append(agents, &cacheWriteAgent{store: g.store, ttl: ttl, recorder: g.recorder, logger: g.logger})
	}

	return g.instrumentAgents(name, agents)
}

// match finds the longest route prefix covering the path and derives the
// service-local remainder, e.g. /api/v1/auth/login becomes /auth/login.
func (g *Gateway) match(path string) (*route, string) {
	for _, rt := range g.routes {
		if path == rt.prefix {
			return rt, "/" + rt.name
		}
		if strings.HasPrefix(path, rt.prefix+"/") {
			return rt, "/" + rt.name + path[len(rt.prefix):]
		}
	}
	return nil, ""
}

// ServeHTTP runs the matched route's agent chain and writes the composed
// response. Panics anywhere in the chain surface as the 500 envelope.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := strings.TrimSpace(r.Header.Get(g.correlationHeader))
	if requestID == "" {
		requestID = uuid.NewString()
	}

	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("panic recovered",
				slog.String("request_id", requestID),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			g.writeFailure(w, r, requestID, &pipeline.Failure{
				Status:  http.StatusInternalServerError,
				Code:    pipeline.CodeInternalServerError,
				Message: "unexpected gateway error",
			}, fmt.Sprintf("%v\n%s", rec, debug.Stack()))
		}
	}()

	if origin := g.applyCORS(w, r); origin && r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	rt, localPath := g.match(r.URL.Path)
	if rt == nil {
		g.recorder.ObserveRequest("unmatched", r.Method, "not_found", http.StatusNotFound, false, time.Since(start))
		g.writeFailure(w, r, requestID, &pipeline.Failure{
			Status:  http.StatusNotFound,
			Code:    pipeline.CodeNotFound,
			Message: "no route matches the requested path",
		}, "")
		return
	}

	state := pipeline.NewState(rt.name, rt.prefix, localPath, rt.upstream, requestID)
	ctx := r.Context()
	for _, agent := range rt.agents {
		agent.Execute(ctx, r, state)
		if state.Halted() {
			break
		}
	}

	if state.Failure != nil {
		g.recorder.ObserveRequest(rt.name, r.Method, "failed", state.Failure.Status, false, time.Since(start))
		g.logCompletion(ctx, r, state, time.Since(start))
		g.writeFailure(w, r, requestID, state.Failure, "")
		return
	}

	g.recorder.ObserveRequest(rt.name, r.Method, "proxied", state.Response.Status, state.Response.FromCache, time.Since(start))
	g.logCompletion(ctx, r, state, time.Since(start))
	g.writeResponse(w, state)
}

func (g *Gateway) writeResponse(w http.ResponseWriter, state *pipeline.State) {
	for name, values := range state.Response.Headers {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set(g.correlationHeader, state.RequestID)
	if state.Response.FromCache {
		w.Header().Set("X-Cache", "HIT")
	}
	status := state.Response.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(state.Response.Body) > 0 {
		if _, err := w.Write(state.Response.Body); err != nil {
			g.logger.Debug("response write failed", slog.Any("error", err))
		}
	}
}

// errorEnvelope is the uniform failure body every gateway-level error shares.
type errorEnvelope struct {
	Status    string `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
	Stack     string `json:"stack,omitempty"`
}

func (g *Gateway) writeFailure(w http.ResponseWriter, _ *http.Request, requestID string, failure *pipeline.Failure, stack string) {
	envelope := errorEnvelope{
		Status:    "error",
		Code:      failure.Code,
		Message:   failure.Message,
		RequestID: requestID,
	}
	if g.devMode && stack != "" {
		envelope.Stack = stack
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(g.correlationHeader, requestID)
	w.WriteHeader(failure.Status)
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		g.logger.Error("error envelope encode failed", slog.Any("error", err))
	}
}

// applyCORS reflects the configured client origins. It reports whether the
// request carried an allowed Origin header.
func (g *Gateway) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	if _, ok := g.origins[origin]; !ok {
		return false
	}
	header := w.Header()
	header.Set("Access-Control-Allow-Origin", origin)
	header.Set("Vary", "Origin")
	header.Set("Access-Control-Allow-Credentials", "true")
	if r.Method == http.MethodOptions {
		header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+g.correlationHeader)
		header.Set("Access-Control-Max-Age", "600")
	}
	return true
}

func (g *Gateway) logCompletion(ctx context.Context, r *http.Request, state *pipeline.State, duration time.Duration) {
	attrs := []slog.Attr{
		slog.String("request_id", state.RequestID),
		slog.String("route", state.Route.Name),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
		slog.Bool("from_cache", state.Response.FromCache),
	}
	if state.Failure != nil {
		attrs = append(attrs,
			slog.Int("status", state.Failure.Status),
			slog.String("code", state.Failure.Code))
		g.logger.LogAttrs(ctx, slog.LevelWarn, "request failed", attrs...)
		return
	}
	attrs = append(attrs, slog.Int("status", state.Response.Status))
	if state.Identity.Present {
		attrs = append(attrs, slog.String("subject", state.Identity.SubjectID))
	}
	g.logger.LogAttrs(ctx, slog.LevelInfo, "request completed", attrs...)
}

// Health is the machine-readable liveness report: breaker positions per
// upstream plus the response cache population.
type Health struct {
	Status    string             `json:"status"`
	Service   string             `json:"service"`
	StartedAt time.Time          `json:"startedAt"`
	Breakers  []breaker.Snapshot `json:"breakers"`
	CacheSize int64              `json:"cacheEntries"`
}

// HealthSnapshot collects the current health report.
func (g *Gateway) HealthSnapshot(ctx context.Context) Health {
	health := Health{
		Status:    "ok",
		Service:   "samudra-gateway",
		StartedAt: g.startedAt,
	}
	targets := make([]string, 0, len(g.breakers))
	for target := range g.breakers {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	for _, target := range targets {
		snap := g.breakers[target].Snapshot()
		if snap.State != "closed" {
			health.Status = "degraded"
		}
		health.Breakers = append(health.Breakers, snap)
	}
	if size, err := g.store.Size(ctx); err == nil {
		health.CacheSize = size
	}
	return health
}

// HandleHealth serves the health report as JSON.
func (g *Gateway) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := g.HealthSnapshot(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health); err != nil {
		g.logger.Error("health encode failed", slog.Any("error", err))
	}
}

// Close releases the response cache backend.
func (g *Gateway) Close(ctx context.Context) error {
	return g.store.Close(ctx)
}
