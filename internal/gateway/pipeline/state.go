package pipeline

import (
	"context"
	"net/http"
	"time"
)

// Agent represents a middleware stage that collaborates on processing one
// inbound request. Each agent observes and mutates the shared State before
// returning its Result snapshot. When an agent halts the state, the chain
// stops and the router renders whatever response the state carries.
type Agent interface {
	Name() string
	Execute(context.Context, *http.Request, *State) Result
}

// Result captures the outcome emitted by an agent during chain execution.
type Result struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// RouteState records the route table entry matched for the request.
type RouteState struct {
	Name      string    `json:"name"`
	Prefix    string    `json:"prefix"`
	LocalPath string    `json:"localPath"`
	Upstream  string    `json:"upstream"`
	StartedAt time.Time `json:"startedAt"`
}

// IdentityState holds the verified claims decoded from the bearer credential.
// It lives only for the duration of one request.
type IdentityState struct {
	Present   bool      `json:"present"`
	SubjectID string    `json:"subjectId,omitempty"`
	Role      string    `json:"role,omitempty"`
	IssuedAt  time.Time `json:"issuedAt,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// CacheState captures response cache participation for the request.
type CacheState struct {
	Key       string    `json:"key,omitempty"`
	Hit       bool      `json:"hit"`
	Stored    bool      `json:"stored"`
	StoredAt  time.Time `json:"storedAt,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// UpstreamState summarizes the proxied call, if one happened.
type UpstreamState struct {
	Requested bool   `json:"requested"`
	Status    int    `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ResponseState is the buffered HTTP response composed for the caller. The
// router writes it out once the chain finishes.
type ResponseState struct {
	Status    int         `json:"status"`
	Headers   http.Header `json:"-"`
	Body      []byte      `json:"-"`
	FromCache bool        `json:"fromCache"`
}

// Failure describes a terminal gateway-level error rendered as the standard
// error envelope. Code values are defined by the router package.
type Failure struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// State is the shared scratchpad threaded through the agent chain. No request
// state escapes it; the only process-wide mutable structures are the circuit
// breakers and the cache backend.
type State struct {
	RequestID string
	Route     RouteState
	Identity  IdentityState
	Cache     CacheState
	Upstream  UpstreamState
	Response  ResponseState
	Failure   *Failure

	halted bool
}

// NewState seeds the scratchpad for one request.
func NewState(routeName, prefix, localPath, upstream, requestID string) *State {
	return &State{
		RequestID: requestID,
		Route: RouteState{
			Name:      routeName,
			Prefix:    prefix,
			LocalPath: localPath,
			Upstream:  upstream,
			StartedAt: time.Now().UTC(),
		},
		Response: ResponseState{Headers: make(http.Header)},
	}
}

// Fail records a terminal failure and halts the chain. Later agents never run.
func (s *State) Fail(status int, code, message string) {
	s.Failure = &Failure{Status: status, Code: code, Message: message}
	s.halted = true
}

// Halt stops the chain without recording a failure; used when an agent has
// already composed the full response (cache hits, proxied replies).
func (s *State) Halt() {
	s.halted = true
}

// Halted reports whether the chain should stop executing agents.
func (s *State) Halted() bool {
	return s.halted
}

// SetResponse installs the buffered response the router writes out once the
// chain finishes. It does not halt; agents that finish the request call Halt
// themselves, while the proxy leaves the chain running so the cache write
// stage still sees the reply.
func (s *State) SetResponse(status int, headers http.Header, body []byte, fromCache bool) {
	s.Response.Status = status
	if headers != nil {
		s.Response.Headers = headers
	}
	s.Response.Body = body
	s.Response.FromCache = fromCache
}
