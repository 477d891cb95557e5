// Package config loads and validates all runtime configuration for the proxy.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OLLAMA_BASE_URL becomes
// ollama_base_url in YAML.
//
// At least one API key must be configured. Redis is optional — set
// TRUST_BACKEND=memory to keep the trust table in-process with no external
// dependencies.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8401.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// OllamaBaseURL is the backend Ollama API endpoint all requests are
	// forwarded to, e.g. "http://localhost:11434". Must be a valid http(s) URL.
	OllamaBaseURL string

	// APIKeys maps each valid credential to the user it identifies.
	// The table is immutable after load.
	APIKeys map[string]string

	// Trust controls the client-IP trust window.
	Trust TrustConfig

	// Upstream controls backend call behaviour.
	Upstream UpstreamConfig

	// Redis holds the connection URL for the Redis-backed trust store.
	// Required only when Trust.Backend is "redis".
	Redis RedisConfig

	// TrustedAgents is a list of user-agent markers (matched case-insensitively
	// as substrings) identifying client libraries that authenticate once via
	// /auth and then rely on the trust window. Default: langchain, ollama-python.
	TrustedAgents []string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// TrustConfig controls the per-client-IP trust window.
type TrustConfig struct {
	// Backend selects the trust store:
	//   "memory" — in-process table. No external deps; not shared across replicas.
	//   "redis"  — Redis-backed table (requires REDIS_URL).
	// Default: "memory".
	Backend string

	// Window is how long a client IP stays trusted after a successful
	// authentication. The window slides: any authenticated request or trust
	// hit resets it. Default: 1h.
	Window time.Duration
}

// UpstreamConfig controls calls to the Ollama backend.
type UpstreamConfig struct {
	// Timeout is the hard ceiling for a single backend call, buffered or
	// streamed. Default: 600s.
	Timeout time.Duration

	// HealthTimeout bounds the /health probe of the backend. Default: 5s.
	HealthTimeout time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one API key must be configured.
// REDIS_URL is only required when TRUST_BACKEND=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8401)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OLLAMA_BASE_URL", "http://localhost:11434")
	v.SetDefault("TRUST_BACKEND", "memory")
	v.SetDefault("TRUST_WINDOW", "1h")
	v.SetDefault("UPSTREAM_TIMEOUT", "600s")
	v.SetDefault("HEALTH_TIMEOUT", "5s")
	v.SetDefault("TRUSTED_AGENTS", []string{"langchain", "ollama-python"})
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:          v.GetInt("PORT"),
		LogLevel:      strings.ToLower(v.GetString("LOG_LEVEL")),
		OllamaBaseURL: strings.TrimRight(v.GetString("OLLAMA_BASE_URL"), "/"),

		APIKeys: loadAPIKeys(v),

		Trust: TrustConfig{
			Backend: strings.ToLower(v.GetString("TRUST_BACKEND")),
			Window:  v.GetDuration("TRUST_WINDOW"),
		},

		Upstream: UpstreamConfig{
			Timeout:       v.GetDuration("UPSTREAM_TIMEOUT"),
			HealthTimeout: v.GetDuration("HEALTH_TIMEOUT"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		TrustedAgents: v.GetStringSlice("TRUSTED_AGENTS"),
		CORSOrigins:   v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadAPIKeys reads the credential table. Two forms are accepted:
//
//	YAML map:   api_keys: {valid-key-1: alice, valid-key-2: bob}
//	Env string: API_KEYS="valid-key-1:alice,valid-key-2:bob"
//
// The YAML map wins when both are present.
func loadAPIKeys(v *viper.Viper) map[string]string {
	if m := v.GetStringMapString("API_KEYS"); len(m) > 0 {
		return m
	}
	return ParseAPIKeys(v.GetString("API_KEYS"))
}

// ParseAPIKeys parses the comma-separated "key:user" form used by the
// API_KEYS environment variable. Entries without a user label or with an
// empty key are skipped.
func ParseAPIKeys(raw string) map[string]string {
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, user, ok := strings.Cut(pair, ":")
		key = strings.TrimSpace(key)
		user = strings.TrimSpace(user)
		if !ok || key == "" || user == "" {
			continue
		}
		keys[key] = user
	}
	return keys
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.APIKeys) == 0 {
		return fmt.Errorf(
			"config: at least one API key is required; set API_KEYS " +
				`(e.g. API_KEYS="my-key:alice") or an api_keys map in config.yaml`,
		)
	}

	u, err := url.Parse(c.OllamaBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: OLLAMA_BASE_URL %q is not a valid http(s) URL", c.OllamaBaseURL)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("config: OLLAMA_BASE_URL scheme must be http or https, got %q", u.Scheme)
	}

	// Trust backend checks.
	switch c.Trust.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf(
			"config: invalid TRUST_BACKEND %q; must be one of: memory, redis",
			c.Trust.Backend,
		)
	}
	if c.Trust.Backend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when TRUST_BACKEND=redis; " +
				"set TRUST_BACKEND=memory to use the built-in in-process store",
		)
	}
	if c.Trust.Window <= 0 {
		return fmt.Errorf("config: TRUST_WINDOW must be a positive duration")
	}

	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}
	if c.Upstream.HealthTimeout <= 0 {
		return fmt.Errorf("config: HEALTH_TIMEOUT must be a positive duration")
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
