package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mailgun/holster/v4/clock"

	"github.com/samudra-paket/gateway/internal/gateway/breaker"
	"github.com/samudra-paket/gateway/internal/gateway/cache"
	"github.com/samudra-paket/gateway/internal/gateway/pipeline"
	"github.com/samudra-paket/gateway/internal/gateway/proxy"
	"github.com/samudra-paket/gateway/internal/metrics"
)

// cacheReadAgent serves GETs from the response cache before the proxy runs.
// Backend errors degrade to misses so a flaky redis never blocks traffic.
type cacheReadAgent struct {
	store    cache.ResponseCache
	recorder *metrics.Recorder
	logger   *slog.Logger
}

func (a *cacheReadAgent) Name() string { return "cache_read" }

func (a *cacheReadAgent) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	if r.Method != http.MethodGet {
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "non-idempotent method"}
	}

	state.Cache.Key = cache.Key(r.Method, r.Host+r.URL.RequestURI())
	entry, found, err := a.store.Lookup(ctx, state.Cache.Key)
	if err != nil {
		a.recorder.ObserveCacheLookup(state.Route.Name, metrics.CacheLookupError)
		a.logger.WarnContext(ctx, "cache lookup degraded to miss",
			slog.String("route", state.Route.Name), slog.String("error", err.Error()))
		return pipeline.Result{Name: a.Name(), Status: "miss", Details: "backend error"}
	}
	if !found {
		a.recorder.ObserveCacheLookup(state.Route.Name, metrics.CacheLookupMiss)
		return pipeline.Result{Name: a.Name(), Status: "miss"}
	}

	state.Cache.Hit = true
	state.Cache.StoredAt = entry.StoredAt
	state.Cache.ExpiresAt = entry.ExpiresAt
	state.SetResponse(entry.Status, entry.Headers.Clone(), entry.Body, true)
	state.Halt()
	a.recorder.ObserveCacheLookup(state.Route.Name, metrics.CacheLookupHit)
	return pipeline.Result{Name: a.Name(), Status: "hit"}
}

// cacheWriteAgent stores successful GET responses after the proxy has run.
type cacheWriteAgent struct {
	store    cache.ResponseCache
	ttl      time.Duration
	recorder *metrics.Recorder
	logger   *slog.Logger
}

func (a *cacheWriteAgent) Name() string { return "cache_write" }

func (a *cacheWriteAgent) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	if r.Method != http.MethodGet || state.Response.FromCache {
		return pipeline.Result{Name: a.Name(), Status: "skipped"}
	}
	if state.Response.Status != http.StatusOK {
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "only 200 responses are cached"}
	}
	if state.Cache.Key == "" {
		state.Cache.Key = cache.Key(r.Method, r.Host+r.URL.RequestURI())
	}

	now := clock.Now().UTC()
	entry := cache.Entry{
		Status:    state.Response.Status,
		Headers:   state.Response.Headers.Clone(),
		Body:      state.Response.Body,
		StoredAt:  now,
		ExpiresAt: now.Add(a.ttl),
	}
	if err := a.store.Store(ctx, state.Cache.Key, entry); err != nil {
		a.recorder.ObserveCacheStore(state.Route.Name, metrics.CacheStoreError)
		a.logger.WarnContext(ctx, "cache store failed",
			slog.String("route", state.Route.Name), slog.String("error", err.Error()))
		return pipeline.Result{Name: a.Name(), Status: "error"}
	}
	state.Cache.Stored = true
	state.Cache.StoredAt = entry.StoredAt
	state.Cache.ExpiresAt = entry.ExpiresAt
	a.recorder.ObserveCacheStore(state.Route.Name, metrics.CacheStoreStored)
	return pipeline.Result{Name: a.Name(), Status: "stored"}
}

// errServerStatus flows a 5xx upstream reply out of the breaker callback so it
// counts against the failure threshold while still being relayed verbatim.
var errServerStatus = errors.New("gateway: upstream returned a server error")

// proxyAgent forwards the request to the route's upstream under the circuit
// breaker and installs the buffered reply.
type proxyAgent struct {
	upstream  string
	base      *url.URL
	rewrite   proxy.Rewrite
	forwarder *proxy.Forwarder
	breaker   *breaker.Breaker
	recorder  *metrics.Recorder
	logger    *slog.Logger
}

func (a *proxyAgent) Name() string { return "upstream_proxy" }

func (a *proxyAgent) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	call := proxy.Call{
		Base:      a.base,
		Path:      a.rewrite.Apply(state.Route.LocalPath),
		UserID:    state.Identity.SubjectID,
		UserRole:  state.Identity.Role,
		RequestID: state.RequestID,
	}

	var result proxy.Result
	err := a.breaker.Execute(ctx, func(callCtx context.Context) error {
		var fwdErr error
		result, fwdErr = a.forwarder.Forward(callCtx, r, call)
		if fwdErr != nil {
			return fwdErr
		}
		if result.Status >= http.StatusInternalServerError {
			return errServerStatus
		}
		return nil
	})

	state.Upstream.Requested = !errors.Is(err, breaker.ErrOpen)

	switch {
	case err == nil:
		state.Upstream.Status = result.Status
		state.SetResponse(result.Status, result.Headers, result.Body, false)
		return pipeline.Result{Name: a.Name(), Status: "forwarded"}

	case errors.Is(err, errServerStatus):
		// Counted against the breaker, relayed verbatim.
		state.Upstream.Status = result.Status
		state.SetResponse(result.Status, result.Headers, result.Body, false)
		a.recorder.ObserveUpstreamFailure(a.upstream, "server_status")
		return pipeline.Result{Name: a.Name(), Status: "forwarded", Details: "upstream server error"}

	case errors.Is(err, breaker.ErrOpen):
		state.Upstream.Error = err.Error()
		state.Fail(http.StatusServiceUnavailable, pipeline.CodeServiceUnavailable, "service temporarily unavailable")
		return pipeline.Result{Name: a.Name(), Status: "rejected", Details: "circuit open"}

	case errors.Is(err, proxy.ErrRequest):
		state.Upstream.Error = err.Error()
		a.recorder.ObserveUpstreamFailure(a.upstream, "request_build")
		state.Fail(http.StatusInternalServerError, pipeline.CodeInternalServerError, "failed to build upstream request")
		return pipeline.Result{Name: a.Name(), Status: "error"}

	case errors.Is(err, proxy.ErrResponse):
		state.Upstream.Error = err.Error()
		a.recorder.ObserveUpstreamFailure(a.upstream, "response_relay")
		state.Fail(http.StatusBadGateway, pipeline.CodeBadGateway, "failed to relay upstream response")
		return pipeline.Result{Name: a.Name(), Status: "error"}

	case errors.Is(err, context.DeadlineExceeded):
		state.Upstream.Error = err.Error()
		a.recorder.ObserveUpstreamFailure(a.upstream, "timeout")
		state.Fail(http.StatusServiceUnavailable, pipeline.CodeServiceUnavailable, "upstream call timed out")
		return pipeline.Result{Name: a.Name(), Status: "timeout"}

	default:
		state.Upstream.Error = err.Error()
		a.recorder.ObserveUpstreamFailure(a.upstream, "transport")
		a.logger.WarnContext(ctx, "upstream call failed",
			slog.String("upstream", a.upstream), slog.String("error", err.Error()))
		state.Fail(http.StatusServiceUnavailable, pipeline.CodeServiceUnavailable, "service temporarily unavailable")
		return pipeline.Result{Name: a.Name(), Status: "error"}
	}
}
