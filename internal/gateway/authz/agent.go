package authz

import (
	"context"
	"net/http"
	"strings"

	"github.com/samudra-paket/gateway/internal/gateway/pipeline"
)

// SuperRole bypasses every required-role set.
const SuperRole = "ADMIN"

// Agent enforces the route's required-role set against the verified identity.
type Agent struct {
	required map[string]struct{}
}

// New builds a role gate for the given required roles. Role comparison is
// case-insensitive; an empty set allows every request through.
func New(roles []string) *Agent {
	required := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		trimmed := strings.ToUpper(strings.TrimSpace(role))
		if trimmed == "" {
			continue
		}
		required[trimmed] = struct{}{}
	}
	return &Agent{required: required}
}

// Name identifies the agent for logging.
func (a *Agent) Name() string { return "role_gate" }

// Allowed reports whether the role passes the gate.
func (a *Agent) Allowed(role string) bool {
	if len(a.required) == 0 {
		return true
	}
	normalized := strings.ToUpper(strings.TrimSpace(role))
	if normalized == "" {
		return false
	}
	if normalized == SuperRole {
		return true
	}
	_, ok := a.required[normalized]
	return ok
}

// Execute denies with 403 FORBIDDEN when the identity's role is not a member
// of the required set. No side effects.
func (a *Agent) Execute(_ context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	if len(a.required) == 0 {
		return pipeline.Result{Name: a.Name(), Status: "open"}
	}
	if !state.Identity.Present || !a.Allowed(state.Identity.Role) {
		state.Fail(http.StatusForbidden, pipeline.CodeForbidden, "insufficient role for this resource")
		return pipeline.Result{Name: a.Name(), Status: "denied"}
	}
	return pipeline.Result{Name: a.Name(), Status: "allowed"}
}
