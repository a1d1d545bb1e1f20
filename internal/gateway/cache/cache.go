package cache

import (
	"context"
	"net/http"
	"time"
)

// Namespace prefixes every cache key so a shared redis instance can host
// other tenants without collisions.
const Namespace = "samudra:gateway:v1"

// Entry is one stored upstream response. Only GET round-trips that returned
// 200 are ever written. Headers keep every value per name so replays carry
// repeated headers such as Set-Cookie intact.
type Entry struct {
	Status    int         `json:"status"`
	Headers   http.Header `json:"headers,omitempty"`
	Body      []byte      `json:"body"`
	StoredAt  time.Time   `json:"storedAt"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// ResponseCache stores short-TTL copies of idempotent upstream responses.
// Backend errors are surfaced to callers, which degrade them to cache misses;
// they must never fail a request.
type ResponseCache interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// Key derives the cache key for a request. The full URL including the query
// string is used, matching the behavior of the gateway this one replaces.
// Keys are not namespaced per upstream service beyond the URL itself, so two
// services sharing a path shape would collide; a known limitation carried
// over deliberately.
func Key(method, fullURL string) string {
	return Namespace + ":" + method + ":" + fullURL
}
