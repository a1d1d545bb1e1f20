package authn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/samudra-paket/gateway/internal/gateway/pipeline"
)

// Claims is the JWT payload the platform issues at login. The legacy token
// shape exposes the subject under "id" alongside the registered subject claim.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"id"`
	Role   string `json:"role"`
}

// Identity is the verified, immutable view of the bearer credential.
type Identity struct {
	SubjectID string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

var (
	// ErrMissing signals that no bearer credential accompanied the request.
	ErrMissing = errors.New("authn: bearer credential missing")
	// ErrInvalid signals a credential that failed signature or time checks.
	ErrInvalid = errors.New("authn: bearer credential invalid")
)

// Verify checks the signature and temporal validity of a raw token and
// extracts the identity. Pure function of the token and the shared secret.
func Verify(token string, secret []byte) (Identity, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Identity{}, ErrMissing
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(trimmed, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authn: unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalid
	}

	identity := Identity{
		SubjectID: claims.UserID,
		Role:      strings.ToUpper(strings.TrimSpace(claims.Role)),
	}
	if identity.SubjectID == "" {
		identity.SubjectID = claims.Subject
	}
	if claims.IssuedAt != nil {
		identity.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, bool) {
	token, found := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	if !found || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// Agent verifies the bearer credential for routes that require auth and
// publishes the identity into the request state.
type Agent struct {
	secret []byte
}

// New builds the token verifier agent around the shared signing secret.
func New(secret string) *Agent {
	return &Agent{secret: []byte(secret)}
}

// Name identifies the agent for logging.
func (a *Agent) Name() string { return "token_verifier" }

// Execute short-circuits the chain with 401 when the header is absent and 403
// when the credential fails verification. On success the identity is recorded
// for the role gate and the proxy headers.
func (a *Agent) Execute(_ context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	header := r.Header.Get("Authorization")
	if strings.TrimSpace(header) == "" {
		state.Fail(http.StatusUnauthorized, pipeline.CodeAuthMissing, "authorization header required")
		return pipeline.Result{Name: a.Name(), Status: "missing"}
	}

	token, ok := BearerToken(header)
	if !ok {
		state.Fail(http.StatusUnauthorized, pipeline.CodeAuthMissing, "bearer token required")
		return pipeline.Result{Name: a.Name(), Status: "missing", Details: "authorization header is not a bearer credential"}
	}

	identity, err := Verify(token, a.secret)
	if err != nil {
		state.Fail(http.StatusForbidden, pipeline.CodeAuthInvalid, "bearer token rejected")
		return pipeline.Result{Name: a.Name(), Status: "invalid"}
	}

	state.Identity = pipeline.IdentityState{
		Present:   true,
		SubjectID: identity.SubjectID,
		Role:      identity.Role,
		IssuedAt:  identity.IssuedAt,
		ExpiresAt: identity.ExpiresAt,
	}
	return pipeline.Result{Name: a.Name(), Status: "verified"}
}
