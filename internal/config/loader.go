package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting
// env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot: defaults, then YAML/JSON files, then
// prefixed environment variables, then the legacy flat variables the previous
// deployment exported (PORT, JWT_SECRET, *_SERVICE_URL, ...).
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserForFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.logging.correlationheader":   "server.logging.correlationHeader",
			"server.cache.ttlseconds":            "server.cache.ttlSeconds",
			"server.cache.redis.tls.cafile":      "server.cache.redis.tls.caFile",
			"server.breaker.failurethreshold":    "server.breaker.failureThreshold",
			"server.breaker.resettimeoutseconds": "server.breaker.resetTimeoutSeconds",
			"server.breaker.calltimeoutseconds":  "server.breaker.callTimeoutSeconds",
			"server.breaker.trialrequests":       "server.breaker.trialRequests",
			"server.clients.weborigin":           "server.clients.webOrigin",
			"server.clients.mobileorigin":        "server.clients.mobileOrigin",
			"server.proxy.maxresponsebytes":      "server.proxy.maxResponseBytes",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path
			// (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := applyLegacyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserForFile(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file type %s", path)
	}
}

// applyLegacyEnv honors the flat environment contract of the deployment this
// gateway replaces. These names win over both files and prefixed variables so
// existing orchestration manifests keep working unchanged.
func applyLegacyEnv(cfg *Config) error {
	if port, ok := os.LookupEnv("PORT"); ok && strings.TrimSpace(port) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(port))
		if err != nil {
			return fmt.Errorf("config: parse PORT: %w", err)
		}
		cfg.Server.Listen.Port = parsed
	}
	if secret, ok := os.LookupEnv("JWT_SECRET"); ok && secret != "" {
		cfg.Server.Auth.Secret = secret
	}
	if rawURL, ok := os.LookupEnv("REDIS_URL"); ok && strings.TrimSpace(rawURL) != "" {
		redisCfg, err := parseRedisURL(strings.TrimSpace(rawURL))
		if err != nil {
			return err
		}
		cfg.Server.Cache.Backend = "redis"
		cfg.Server.Cache.Redis = redisCfg
	}
	if environment, ok := os.LookupEnv("NODE_ENV"); ok && strings.TrimSpace(environment) != "" {
		cfg.Server.Environment = strings.TrimSpace(environment)
	}
	if origin, ok := os.LookupEnv("WEB_CLIENT_URL"); ok {
		cfg.Server.Clients.WebOrigin = strings.TrimSpace(origin)
	}
	if origin, ok := os.LookupEnv("MOBILE_CLIENT_URL"); ok {
		cfg.Server.Clients.MobileOrigin = strings.TrimSpace(origin)
	}

	for _, name := range []string{"auth", "core", "operations", "finance", "notification", "reporting"} {
		envName := strings.ToUpper(name) + "_SERVICE_URL"
		upstream, ok := os.LookupEnv(envName)
		if !ok || strings.TrimSpace(upstream) == "" {
			continue
		}
		route, exists := cfg.Routes[name]
		if !exists {
			route = RouteConfig{Rewrite: RewriteConfig{From: "/" + name, To: "/api"}}
		}
		route.Upstream = strings.TrimSpace(upstream)
		cfg.Routes[name] = route
	}
	return nil
}

// parseRedisURL accepts redis://[user:password@]host:port[/db].
func parseRedisURL(raw string) (RedisCacheConfig, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(raw, "rediss://"), "redis://")
	secure := strings.HasPrefix(raw, "rediss://")

	out := RedisCacheConfig{TLS: RedisTLSConfig{Enabled: secure}}
	if at := strings.LastIndex(trimmed, "@"); at >= 0 {
		creds := trimmed[:at]
		trimmed = trimmed[at+1:]
		if colon := strings.Index(creds, ":"); colon >= 0 {
			out.Username = creds[:colon]
			out.Password = creds[colon+1:]
		} else {
			out.Username = creds
		}
	}
	if slash := strings.Index(trimmed, "/"); slash >= 0 {
		dbPart := trimmed[slash+1:]
		trimmed = trimmed[:slash]
		if dbPart != "" {
			db, err := strconv.Atoi(dbPart)
			if err != nil {
				return RedisCacheConfig{}, fmt.Errorf("config: parse REDIS_URL db: %w", err)
			}
			out.DB = db
		}
	}
	if trimmed == "" {
		return RedisCacheConfig{}, errors.New("config: REDIS_URL host required")
	}
	out.Address = trimmed
	return out, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	routes := make(map[string]any, len(cfg.Routes))
	for name, route := range cfg.Routes {
		entry := map[string]any{
			"upstream": route.Upstream,
			"rewrite": map[string]any{
				"from": route.Rewrite.From,
				"to":   route.Rewrite.To,
			},
		}
		if route.AuthRequired != nil {
			entry["authRequired"] = *route.AuthRequired
		}
		if len(route.Roles) > 0 {
			entry["roles"] = route.Roles
		}
		if route.Cache != nil {
			entry["cache"] = map[string]any{"ttlSeconds": route.Cache.TTLSeconds}
		}
		routes[name] = entry
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"environment": cfg.Server.Environment,
			"auth": map[string]any{
				"secret": cfg.Server.Auth.Secret,
			},
			"cache": map[string]any{
				"backend":    cfg.Server.Cache.Backend,
				"ttlSeconds": cfg.Server.Cache.TTLSeconds,
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
			},
			"breaker": map[string]any{
				"failureThreshold":    cfg.Server.Breaker.FailureThreshold,
				"resetTimeoutSeconds": cfg.Server.Breaker.ResetTimeoutSeconds,
				"callTimeoutSeconds":  cfg.Server.Breaker.CallTimeoutSeconds,
				"trialRequests":       cfg.Server.Breaker.TrialRequests,
			},
			"clients": map[string]any{
				"webOrigin":    cfg.Server.Clients.WebOrigin,
				"mobileOrigin": cfg.Server.Clients.MobileOrigin,
			},
			"proxy": map[string]any{
				"maxResponseBytes": cfg.Server.Proxy.MaxResponseBytes,
			},
		},
		"routes": routes,
	}
}
