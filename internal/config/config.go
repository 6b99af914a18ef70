// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/snapframe/snapframe/internal/snapshot"
	"github.com/snapframe/snapframe/internal/storage/gcs"
	"github.com/snapframe/snapframe/internal/storage/local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	Logging   LoggingConfig           `mapstructure:"logging"`
	Signer    SignerConfig            `mapstructure:"signer"`
	Admission AdmissionConfig         `mapstructure:"admission"`
	Pool      PoolConfig              `mapstructure:"pool"`
	Render    RenderConfig            `mapstructure:"render"`
	Storage   StorageConfig           `mapstructure:"storage"`
	Events    EventsConfig            `mapstructure:"events"`
	Tenants   map[string]TenantConfig `mapstructure:"tenants"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `mapstructure:"port"`
	RequestTimeoutSec int `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SignerConfig pins the signature wire format.
type SignerConfig struct {
	// Encoding is "hex" or "base64url".
	Encoding       string `mapstructure:"encoding"`
	MaxValiditySec int    `mapstructure:"max_validity_seconds"`
}

// AdmissionConfig sets the identity bucket defaults and table housekeeping.
// Tenant buckets take their rate from the tenant's credential.
type AdmissionConfig struct {
	IdentityRPS   float64 `mapstructure:"identity_rps"`
	IdentityBurst int     `mapstructure:"identity_burst"`
	TenantRPS     float64 `mapstructure:"tenant_rps"`
	TenantBurst   int     `mapstructure:"tenant_burst"`
	IdleTTLSec    int     `mapstructure:"idle_ttl_seconds"`
	Shards        int     `mapstructure:"shards"`
}

// PoolConfig sizes the browser pool.
type PoolConfig struct {
	Size            int `mapstructure:"size"`
	MaxSpawning     int `mapstructure:"max_spawning"`
	MaxWaiters      int `mapstructure:"max_waiters"`
	IdleAfterSec    int `mapstructure:"idle_after_seconds"`
	MaxUses         int `mapstructure:"max_uses"`
	ProbeTimeoutSec int `mapstructure:"probe_timeout_seconds"`
	SpawnTimeoutSec int `mapstructure:"spawn_timeout_seconds"`
	DegradedAfter   int `mapstructure:"degraded_after"`
}

// RenderConfig tunes per-request render behavior.
type RenderConfig struct {
	AcquireTimeoutSec int     `mapstructure:"acquire_timeout_seconds"`
	RenderTimeoutSec  int     `mapstructure:"render_timeout_seconds"`
	UserAgent         string  `mapstructure:"user_agent"`
	DefaultViewportW  int     `mapstructure:"default_viewport_width"`
	DefaultViewportH  int     `mapstructure:"default_viewport_height"`
	DefaultQuality    int     `mapstructure:"default_quality"`
	DefaultScale      float64 `mapstructure:"default_scale"`
}

// StorageConfig selects and parameterizes the artifact sink.
type StorageConfig struct {
	// Provider is one of "local", "gcs", "memory", "noop".
	Provider string       `mapstructure:"provider"`
	Local    local.Config `mapstructure:"local"`
	GCS      gcs.Config   `mapstructure:"gcs"`
}

// EventsConfig selects the completion-event publisher.
type EventsConfig struct {
	// Provider is one of "noop", "memory", "pubsub".
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// TenantConfig is one tenant's credential and scope as written in the config
// file; the map key is the tenant name.
type TenantConfig struct {
	Secret            string   `mapstructure:"secret"`
	AllowedHosts      []string `mapstructure:"allowed_hosts"`
	AllowedSchemes    []string `mapstructure:"allowed_schemes"`
	MaxViewportWidth  int      `mapstructure:"max_viewport_width"`
	MaxViewportHeight int      `mapstructure:"max_viewport_height"`
	RatePerSec        float64  `mapstructure:"rate_per_sec"`
	Burst             int      `mapstructure:"burst"`
	KeyPrefix         string   `mapstructure:"key_prefix"`

	// Per-tenant capture defaults; zero values fall back to the render config.
	DefaultViewportWidth  int     `mapstructure:"default_viewport_width"`
	DefaultViewportHeight int     `mapstructure:"default_viewport_height"`
	DefaultQuality        int     `mapstructure:"default_quality"`
	DefaultScale          float64 `mapstructure:"default_scale"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SNAPFRAME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("logging.development", false)
	v.SetDefault("signer.encoding", "hex")
	v.SetDefault("signer.max_validity_seconds", 7*24*3600)
	v.SetDefault("admission.identity_rps", 5)
	v.SetDefault("admission.identity_burst", 10)
	v.SetDefault("admission.tenant_rps", 10)
	v.SetDefault("admission.tenant_burst", 10)
	v.SetDefault("admission.idle_ttl_seconds", 600)
	v.SetDefault("admission.shards", 16)
	v.SetDefault("pool.size", 4)
	v.SetDefault("pool.max_spawning", 2)
	v.SetDefault("pool.max_waiters", 64)
	v.SetDefault("pool.idle_after_seconds", 120)
	v.SetDefault("pool.max_uses", 50)
	v.SetDefault("pool.probe_timeout_seconds", 2)
	v.SetDefault("pool.spawn_timeout_seconds", 30)
	v.SetDefault("pool.degraded_after", 3)
	v.SetDefault("render.acquire_timeout_seconds", 10)
	v.SetDefault("render.render_timeout_seconds", 30)
	v.SetDefault("render.default_viewport_width", 1920)
	v.SetDefault("render.default_viewport_height", 1080)
	v.SetDefault("render.default_quality", 80)
	v.SetDefault("render.default_scale", 1.0)
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.local.base_dir", "./artifacts")
	v.SetDefault("events.provider", "noop")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Signer.Encoding {
	case "hex", "base64url":
	default:
		return fmt.Errorf("signer.encoding must be hex or base64url")
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be > 0")
	}
	if c.Render.RenderTimeoutSec <= 0 {
		return fmt.Errorf("render.render_timeout_seconds must be > 0")
	}
	switch c.Storage.Provider {
	case "local", "gcs", "memory", "noop":
	default:
		return fmt.Errorf("unknown storage provider: %s", c.Storage.Provider)
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCS.Bucket == "" {
		return fmt.Errorf("storage.gcs.bucket must be set when provider is gcs")
	}
	switch c.Events.Provider {
	case "noop", "memory", "pubsub":
	default:
		return fmt.Errorf("unknown events provider: %s", c.Events.Provider)
	}
	if c.Events.Provider == "pubsub" && (c.Events.ProjectID == "" || c.Events.TopicID == "") {
		return fmt.Errorf("events.project_id and events.topic_id must be set when provider is pubsub")
	}
	for name, t := range c.Tenants {
		if t.Secret == "" {
			return fmt.Errorf("tenants.%s.secret must be set", name)
		}
	}
	return nil
}

// Credentials converts the tenant table into credential records.
func (c Config) Credentials() []snapshot.Credential {
	creds := make([]snapshot.Credential, 0, len(c.Tenants))
	for name, t := range c.Tenants {
		rps := t.RatePerSec
		if rps <= 0 {
			rps = c.Admission.TenantRPS
		}
		burst := t.Burst
		if burst <= 0 {
			burst = c.Admission.TenantBurst
		}
		creds = append(creds, snapshot.Credential{
			Tenant:           name,
			Secret:           []byte(t.Secret),
			AllowedHosts:     t.AllowedHosts,
			AllowedSchemes:   t.AllowedSchemes,
			MaxViewportW:     t.MaxViewportWidth,
			MaxViewportH:     t.MaxViewportHeight,
			RatePerSec:       rps,
			Burst:            burst,
			KeyPrefix:        t.KeyPrefix,
			DefaultViewportW: t.DefaultViewportWidth,
			DefaultViewportH: t.DefaultViewportHeight,
			DefaultQuality:   t.DefaultQuality,
			DefaultScale:     t.DefaultScale,
		})
	}
	return creds
}

// RequestTimeout converts the server timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSec) * time.Second
}
