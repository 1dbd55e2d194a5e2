// Package config resolves environment variables into the typed configuration
// structs each component needs. Config *file* loading stays an external
// collaborator; this package only reads the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig loads values from environment variables, optionally namespaced
// under a prefix.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig creates a loader namespaced under prefix (e.g. "WATCHER").
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix == "" {
		return key
	}
	return ec.prefix + "_" + key
}

func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		return v
	}
	return defaultValue
}

func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	v := os.Getenv(ec.buildKey(key))
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Validator accumulates field-level configuration errors the way callers
// validate a fully-loaded config struct before booting.
type Validator struct {
	errs []string
}

func NewValidator() *Validator { return &Validator{} }

func (v *Validator) RequireString(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.errs = append(v.errs, fmt.Sprintf("%s must not be empty", field))
	}
}

func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errs = append(v.errs, fmt.Sprintf("%s must be positive, got %d", field, value))
	}
}

func (v *Validator) IsValid() bool { return len(v.errs) == 0 }

func (v *Validator) Errors() []string { return v.errs }

func (v *Validator) ErrorString() string { return strings.Join(v.errs, "; ") }

// WatcherConfig configures the Watcher's transport selection and reconnect policy.
type WatcherConfig struct {
	RelayURL              string
	PDSBaseURL            string
	WatchedAuthorityID    string
	ExtraCollections      []string
	PollInterval          time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
}

func LoadWatcherConfig(prefix string) WatcherConfig {
	ec := NewEnvConfig(prefix)
	return WatcherConfig{
		RelayURL:              ec.GetString("RELAY_URL", ""),
		PDSBaseURL:            ec.GetString("PDS_BASE_URL", ""),
		WatchedAuthorityID:    ec.GetString("AUTHORITY_ID", ""),
		ExtraCollections:      ec.GetStringSlice("EXTRA_COLLECTIONS", nil),
		PollInterval:          ec.GetDuration("POLL_INTERVAL", 30*time.Second),
		ReconnectInitialDelay: ec.GetDuration("RECONNECT_INITIAL_DELAY", time.Second),
		ReconnectMaxDelay:     ec.GetDuration("RECONNECT_MAX_DELAY", 30*time.Second),
	}
}

// OrchestratorConfig configures the Deploy Orchestrator's activation policy.
type OrchestratorConfig struct {
	MaxActiveDeploys int
}

func LoadOrchestratorConfig(prefix string) OrchestratorConfig {
	ec := NewEnvConfig(prefix)
	return OrchestratorConfig{MaxActiveDeploys: ec.GetInt("MAX_ACTIVE_DEPLOYS", 2)}
}

// GatewayConfig configures the HTTP surface.
type GatewayConfig struct {
	ListenAddr        string
	AdminRateLimitRPS float64
	AdminJWTSecret    string
}

func LoadGatewayConfig(prefix string) GatewayConfig {
	ec := NewEnvConfig(prefix)
	rps, err := strconv.ParseFloat(ec.GetString("ADMIN_RATE_LIMIT_RPS", "20"), 64)
	if err != nil {
		rps = 20
	}
	return GatewayConfig{
		ListenAddr:        ec.GetString("LISTEN_ADDR", ":8080"),
		AdminRateLimitRPS: rps,
		AdminJWTSecret:    ec.GetString("ADMIN_JWT_SECRET", ""),
	}
}

// CacheConfig configures the Query Cache.
type CacheConfig struct {
	RedisURL string
	TTL      time.Duration
	Capacity int
}

func LoadCacheConfig(prefix string) CacheConfig {
	ec := NewEnvConfig(prefix)
	return CacheConfig{
		RedisURL: ec.GetString("REDIS_URL", "redis://localhost:6379/0"),
		TTL:      ec.GetDuration("TTL", 60*time.Second),
		Capacity: ec.GetInt("CAPACITY", 10000),
	}
}

// ShaperConfig configures the Traffic Shaper (currently stateless at boot, but
// kept as its own loader so a default rule source could be wired later).
type ShaperConfig struct {
	DefaultStickyParam string
}

func LoadShaperConfig(prefix string) ShaperConfig {
	ec := NewEnvConfig(prefix)
	return ShaperConfig{DefaultStickyParam: ec.GetString("STICKY_PARAM", "did")}
}
