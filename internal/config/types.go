package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Config holds every server-level option plus the proxy route table once the
// loader resolves defaults, file content, and environment overrides.
type Config struct {
	Server ServerConfig           `koanf:"server"`
	Routes map[string]RouteConfig `koanf:"routes"`
}

// ServerConfig collects the bootstrap knobs owned by the gateway lifecycle.
type ServerConfig struct {
	Listen      ListenConfig      `koanf:"listen"`
	Logging     LoggingConfig     `koanf:"logging"`
	Environment string            `koanf:"environment"`
	Auth        AuthConfig        `koanf:"auth"`
	Cache       CacheConfig       `koanf:"cache"`
	Breaker     BreakerConfig     `koanf:"breaker"`
	Clients     ClientsConfig     `koanf:"clients"`
	Proxy       ProxyLimitsConfig `koanf:"proxy"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// AuthConfig carries the shared JWT verification material.
type AuthConfig struct {
	Secret string `koanf:"secret"`
}

// CacheConfig selects the response cache backend and its default TTL.
type CacheConfig struct {
	Backend    string           `koanf:"backend"`
	TTLSeconds int              `koanf:"ttlSeconds"`
	Redis      RedisCacheConfig `koanf:"redis"`
}

// RedisCacheConfig points the redis response cache at its server.
type RedisCacheConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// BreakerConfig carries the process-wide circuit breaker defaults. Routes may
// override individual fields.
type BreakerConfig struct {
	FailureThreshold    int `koanf:"failureThreshold"`
	ResetTimeoutSeconds int `koanf:"resetTimeoutSeconds"`
	CallTimeoutSeconds  int `koanf:"callTimeoutSeconds"`
	TrialRequests       int `koanf:"trialRequests"`
}

// ResetTimeout returns the OPEN dwell time as a duration.
func (b BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(b.ResetTimeoutSeconds) * time.Second
}

// CallTimeout returns the per-call deadline as a duration.
func (b BreakerConfig) CallTimeout() time.Duration {
	return time.Duration(b.CallTimeoutSeconds) * time.Second
}

// ClientsConfig lists browser/mobile origins allowed by the CORS policy.
type ClientsConfig struct {
	WebOrigin    string `koanf:"webOrigin"`
	MobileOrigin string `koanf:"mobileOrigin"`
}

// Origins returns the non-empty configured origins.
func (c ClientsConfig) Origins() []string {
	out := make([]string, 0, 2)
	for _, origin := range []string{c.WebOrigin, c.MobileOrigin} {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ProxyLimitsConfig bounds upstream response buffering.
type ProxyLimitsConfig struct {
	MaxResponseBytes int64 `koanf:"maxResponseBytes"`
}

// RouteConfig maps one logical upstream boundary: URL prefixes derived from
// the route name, the upstream base URL, the path rewrite applied before
// forwarding, and the auth/cache/breaker policies for that boundary.
type RouteConfig struct {
	Upstream     string              `koanf:"upstream"`
	Rewrite      RewriteConfig       `koanf:"rewrite"`
	Paths        []PathRuleConfig    `koanf:"paths"`
	AuthRequired *bool               `koanf:"authRequired"`
	Roles        []string            `koanf:"roles"`
	Cache        *RouteCacheConfig   `koanf:"cache"`
	Breaker      *RouteBreakerConfig `koanf:"breaker"`
}

// RewriteConfig substitutes the service-local path prefix before forwarding,
// e.g. from "/auth" to "/api" so /api/v1/auth/login reaches /api/login.
type RewriteConfig struct {
	From string `koanf:"from"`
	To   string `koanf:"to"`
}

// PathRuleConfig matches a service-local path against a segment pattern and
// rewrites it to an explicit upstream target. Patterns may name parameters
// with a colon prefix (":employeeId") which the target may reference.
type PathRuleConfig struct {
	Pattern string `koanf:"pattern"`
	Target  string `koanf:"target"`
}

// RouteCacheConfig enables short-TTL response caching for GETs on the route.
type RouteCacheConfig struct {
	TTLSeconds int `koanf:"ttlSeconds"`
}

// RouteBreakerConfig overrides the process-wide breaker policy per route.
type RouteBreakerConfig struct {
	FailureThreshold    int `koanf:"failureThreshold"`
	ResetTimeoutSeconds int `koanf:"resetTimeoutSeconds"`
	CallTimeoutSeconds  int `koanf:"callTimeoutSeconds"`
	TrialRequests       int `koanf:"trialRequests"`
}

// DevelopmentMode reports whether stack traces and debug defaults apply.
func (c Config) DevelopmentMode() bool {
	return strings.EqualFold(strings.TrimSpace(c.Server.Environment), "development")
}

// CacheTTL returns the effective default cache TTL as a duration.
func (c CacheConfig) CacheTTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// EffectiveBreaker merges the route override onto the server defaults.
func (r RouteConfig) EffectiveBreaker(defaults BreakerConfig) BreakerConfig {
	out := defaults
	if r.Breaker == nil {
		return out
	}
	if r.Breaker.FailureThreshold > 0 {
		out.FailureThreshold = r.Breaker.FailureThreshold
	}
	if r.Breaker.ResetTimeoutSeconds > 0 {
		out.ResetTimeoutSeconds = r.Breaker.ResetTimeoutSeconds
	}
	if r.Breaker.CallTimeoutSeconds > 0 {
		out.CallTimeoutSeconds = r.Breaker.CallTimeoutSeconds
	}
	if r.Breaker.TrialRequests > 0 {
		out.TrialRequests = r.Breaker.TrialRequests
	}
	return out
}

// RequiresAuth reports whether the token verifier runs for this route. Routes
// default to requiring auth unless explicitly opted out.
func (r RouteConfig) RequiresAuth() bool {
	if r.AuthRequired == nil {
		return true
	}
	return *r.AuthRequired
}

// RouteNames returns the configured route names in deterministic order.
func (c Config) RouteNames() []string {
	names := make([]string, 0, len(c.Routes))
	for name := range c.Routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate rejects configurations the gateway cannot serve.
func (c Config) Validate() error {
	if c.Server.Listen.Port < 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port)
	}
	if c.Server.Cache.TTLSeconds < 0 {
		return errors.New("config: cache ttlSeconds must not be negative")
	}
	if c.Server.Breaker.FailureThreshold <= 0 {
		return errors.New("config: breaker failureThreshold must be positive")
	}
	if c.Server.Breaker.ResetTimeoutSeconds <= 0 {
		return errors.New("config: breaker resetTimeoutSeconds must be positive")
	}
	if c.Server.Breaker.CallTimeoutSeconds <= 0 {
		return errors.New("config: breaker callTimeoutSeconds must be positive")
	}
	if len(c.Routes) == 0 {
		return errors.New("config: at least one route required")
	}
	for name, route := range c.Routes {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return errors.New("config: route name required")
		}
		if strings.Contains(trimmed, "/") {
			return fmt.Errorf("config: route name %q must not contain slashes", name)
		}
		parsed, err := url.Parse(strings.TrimSpace(route.Upstream))
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("config: route %q upstream %q is not an absolute URL", name, route.Upstream)
		}
		if route.Cache != nil && route.Cache.TTLSeconds < 0 {
			return fmt.Errorf("config: route %q cache ttlSeconds must not be negative", name)
		}
		for _, rule := range route.Paths {
			if strings.TrimSpace(rule.Pattern) == "" || strings.TrimSpace(rule.Target) == "" {
				return fmt.Errorf("config: route %q path rule requires pattern and target", name)
			}
		}
	}
	return nil
}

// DefaultConfig mirrors the deployment the gateway replaces: six upstream
// services on adjacent localhost ports, memory cache with a five minute TTL,
// and a consecutive-failure breaker.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-Id",
			},
			Environment: "production",
			Cache: CacheConfig{
				Backend:    "memory",
				TTLSeconds: 300,
			},
			Breaker: BreakerConfig{
				FailureThreshold:    5,
				ResetTimeoutSeconds: 30,
				CallTimeoutSeconds:  10,
				TrialRequests:       1,
			},
			Proxy: ProxyLimitsConfig{
				MaxResponseBytes: 16 << 20,
			},
		},
		Routes: defaultRoutes(),
	}
}

func defaultRoutes() map[string]RouteConfig {
	routes := map[string]RouteConfig{
		"auth": {
			Upstream:     "http://localhost:3001",
			AuthRequired: boolPtr(false),
		},
		"core": {
			Upstream: "http://localhost:3002",
			Cache:    &RouteCacheConfig{TTLSeconds: 300},
		},
		"operations": {
			Upstream: "http://localhost:3003",
			Cache:    &RouteCacheConfig{TTLSeconds: 300},
		},
		"finance": {
			Upstream: "http://localhost:3004",
			Roles:    []string{"FINANCE", "MANAGER"},
		},
		"notification": {
			Upstream: "http://localhost:3005",
		},
		"reporting": {
			Upstream: "http://localhost:3006",
			Roles:    []string{"MANAGER"},
			Cache:    &RouteCacheConfig{TTLSeconds: 300},
		},
	}
	for name, route := range routes {
		route.Rewrite = RewriteConfig{From: "/" + name, To: "/api"}
		routes[name] = route
	}
	return routes
}

func boolPtr(v bool) *bool { return &v }
