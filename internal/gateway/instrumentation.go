package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/samudra-paket/gateway/internal/gateway/pipeline"
)

// instrumentedAgent wraps a chain stage with per-agent debug logging.
type instrumentedAgent struct {
	inner  pipeline.Agent
	logger *slog.Logger
}

func (a *instrumentedAgent) Name() string { return a.inner.Name() }

func (a *instrumentedAgent) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	start := time.Now()
	result := a.inner.Execute(ctx, r, state)
	duration := time.Since(start)

	attrs := []slog.Attr{
		slog.String("status", result.Status),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	}
	if state != nil && state.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", state.RequestID))
	}
	if result.Details != "" {
		attrs = append(attrs, slog.String("details", result.Details))
	}

	a.logger.LogAttrs(ctx, slog.LevelDebug, "agent executed", attrs...)
	return result
}

func (g *Gateway) instrumentAgents(routeName string, agents []pipeline.Agent) []pipeline.Agent {
	wrapped := make([]pipeline.Agent, 0, len(agents))
	for _, ag := range agents {
		if ag == nil {
			continue
		}
		logger := g.logger.With(
			slog.String("agent", ag.Name()),
			slog.String("route", routeName),
		)
		wrapped = append(wrapped, &instrumentedAgent{inner: ag, logger: logger})
	}
	return wrapped
}
