package pipeline

import (
	"net/http"
	"testing"
)

func TestFailHaltsChain(t *testing.T) {
	state := NewState("core", "/api/v1/core", "/core/employees", "http://localhost:3002", "req-1")
	if state.Halted() {
		t.Fatalf("fresh state must not be halted")
	}

	state.Fail(http.StatusForbidden, CodeForbidden, "nope")
	if !state.Halted() {
		t.Fatalf("failure must halt the chain")
	}
	if state.Failure == nil || state.Failure.Status != http.StatusForbidden || state.Failure.Code != CodeForbidden {
		t.Fatalf("failure = %+v", state.Failure)
	}
}

func TestSetResponseKeepsChainRunning(t *testing.T) {
	state := NewState("core", "/api/v1/core", "/core/employees", "http://localhost:3002", "req-1")

	headers := make(http.Header)
	headers.Set("Content-Type", "application/json")
	state.SetResponse(http.StatusOK, headers, []byte(`{}`), false)

	if state.Halted() {
		t.Fatalf("installing a response must not halt; the cache write still runs")
	}
	if state.Response.Status != http.StatusOK || state.Response.FromCache {
		t.Fatalf("response = %+v", state.Response)
	}
}

func TestHaltWithoutFailure(t *testing.T) {
	state := NewState("core", "/api/v1/core", "/core", "http://localhost:3002", "req-1")
	state.SetResponse(http.StatusOK, nil, []byte(`{}`), true)
	state.Halt()

	if !state.Halted() {
		t.Fatalf("halt must stop the chain")
	}
	if state.Failure != nil {
		t.Fatalf("halt is not a failure")
	}
}
