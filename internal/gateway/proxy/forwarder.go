package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Identity headers propagated to every upstream call.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserRole  = "X-User-Role"
	HeaderRequestID = "X-Request-Id"
)

var (
	// ErrRequest marks a failure to construct the upstream request; the
	// router maps it to 500 rather than 503.
	ErrRequest = errors.New("proxy: build upstream request")
	// ErrResponse marks a failure while relaying an upstream response that
	// had already started; the router maps it to 502.
	ErrResponse = errors.New("proxy: relay upstream response")
)

// hop-by-hop headers per RFC 9110 §7.6.1, plus Content-Length which the
// transport recomputes after the rewrite.
var dropHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Call describes one upstream round-trip.
type Call struct {
	// Base is the upstream service root, e.g. http://localhost:3002.
	Base *url.URL
	// Path is the rewritten upstream path.
	Path string
	// UserID and UserRole propagate the verified identity; empty values
	// are omitted.
	UserID   string
	UserRole string
	// RequestID is the correlation identifier attached to the call.
	RequestID string
}

// Result is the buffered upstream response.
type Result struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Forwarder executes upstream calls. It is a transparent intermediary: the
// method, query string, body, and remaining headers cross unchanged, and the
// upstream response is returned verbatim for the router to relay.
type Forwarder struct {
	client   httpDoer
	logger   *slog.Logger
	maxBytes int64
}

// NewForwarder builds the forwarder. A nil client selects a default
// http.Client without its own timeout; per-call deadlines arrive via context.
func NewForwarder(client httpDoer, logger *slog.Logger, maxBytes int64) *Forwarder {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = 16 << 20
	}
	return &Forwarder{client: client, logger: logger, maxBytes: maxBytes}
}

// Forward performs the upstream round-trip for the inbound request.
func (f *Forwarder) Forward(ctx context.Context, r *http.Request, call Call) (Result, error) {
	if call.Base == nil {
		return Result{}, fmt.Errorf("%w: upstream base required", ErrRequest)
	}

	target := *call.Base
	target.Path = singleJoin(call.Base.Path, call.Path)
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRequest, err)
	}

	copyHeaders(req.Header, r.Header)
	for _, name := range dropHeaders {
		req.Header.Del(name)
	}
	if call.UserID != "" {
		req.Header.Set(HeaderUserID, call.UserID)
	}
	if call.UserRole != "" {
		req.Header.Set(HeaderUserRole, call.UserRole)
	}
	if call.RequestID != "" {
		req.Header.Set(HeaderRequestID, call.RequestID)
	}
	if host := r.Host; host != "" {
		req.Header.Set("X-Forwarded-Host", host)
	}
	if remote := clientIP(r.RemoteAddr); remote != "" {
		prior := r.Header.Get("X-Forwarded-For")
		if prior != "" {
			remote = prior + ", " + remote
		}
		req.Header.Set("X-Forwarded-For", remote)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("proxy: upstream call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrResponse, err)
	}
	if int64(len(body)) > f.maxBytes {
		return Result{}, fmt.Errorf("%w: body exceeds %d byte limit", ErrResponse, f.maxBytes)
	}

	headers := make(http.Header, len(resp.Header))
	copyHeaders(headers, resp.Header)
	for _, name := range dropHeaders {
		headers.Del(name)
	}
	return Result{Status: resp.StatusCode, Headers: headers, Body: body}, nil
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

func singleJoin(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

func clientIP(remoteAddr string) string {
	host := strings.TrimSpace(remoteAddr)
	if colon := strings.LastIndex(host, ":"); colon >= 0 && !strings.HasSuffix(host, "]") {
		host = host[:colon]
	}
	return strings.Trim(host, "[]")
}
