package authz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/samudra-paket/gateway/internal/gateway/pipeline"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		name     string
		required []string
		role     string
		want     bool
	}{
		{name: "empty set allows anyone", required: nil, role: "", want: true},
		{name: "member role allowed", required: []string{"FINANCE", "MANAGER"}, role: "FINANCE", want: true},
		{name: "case insensitive", required: []string{"FINANCE"}, role: "finance", want: true},
		{name: "non-member denied", required: []string{"FINANCE"}, role: "DRIVER", want: false},
		{name: "missing role denied", required: []string{"FINANCE"}, role: "", want: false},
		{name: "admin always passes", required: []string{"FINANCE"}, role: "ADMIN", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := New(tt.required)
			if got := gate.Allowed(tt.role); got != tt.want {
				t.Fatalf("Allowed(%q) = %v, want %v", tt.role, got, tt.want)
			}
		})
	}
}

func TestExecuteDeniesAbsentIdentity(t *testing.T) {
	gate := New([]string{"MANAGER"})
	state := pipeline.NewState("reporting", "/api/v1/reporting", "/reporting/daily", "http://localhost:3006", "req-1")
	r := httptest.NewRequest(http.MethodGet, "/api/v1/reporting/daily", nil)

	gate.Execute(context.Background(), r, state)

	if !state.Halted() {
		t.Fatalf("expected denial to halt the chain")
	}
	if state.Failure == nil || state.Failure.Status != http.StatusForbidden || state.Failure.Code != pipeline.CodeForbidden {
		t.Fatalf("unexpected failure: %#v", state.Failure)
	}
}

func TestExecuteAllowsMember(t *testing.T) {
	gate := New([]string{"MANAGER"})
	state := pipeline.NewState("reporting", "/api/v1/reporting", "/reporting/daily", "http://localhost:3006", "req-1")
	state.Identity = pipeline.IdentityState{Present: true, SubjectID: "emp-7", Role: "MANAGER"}
	r := httptest.NewRequest(http.MethodGet, "/api/v1/reporting/daily", nil)

	result := gate.Execute(context.Background(), r, state)

	if state.Halted() {
		t.Fatalf("member role should pass the gate")
	}
	if result.Status != "allowed" {
		t.Fatalf("unexpected result %#v", result)
	}
}
