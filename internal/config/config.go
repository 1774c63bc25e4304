// Package config loads and validates hub configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/swax/naisys-hub/internal/auth"
	"github.com/swax/naisys-hub/internal/model"
)

// Config holds all hub configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Store settings. A postgres:// URL selects Postgres; anything else is a
	// SQLite path.
	DatabaseURL string
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY.

	StoreMaxAttempts int
	StoreBaseDelay   time.Duration

	// Handshake credentials.
	AccessKey         string // Plaintext or argon2id hash.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	TokenTTL          time.Duration

	// Presence.
	HeartbeatInterval time.Duration // Runner heartbeat period.
	PresenceInterval  time.Duration // heartbeat_status broadcast period.
	PresenceWindow    time.Duration

	// Cross-host sync.
	SyncInterval  time.Duration
	SyncTimeout   time.Duration
	AckTimeout    time.Duration
	SyncRulesFile string
	SyncRules     map[string]model.OwnershipRule

	DirectoryPollInterval time.Duration

	// Federation.
	Name           string
	PeerURLs       []string
	PeerAccessKey  string // Presented to peers. Defaults to AccessKey when that is plaintext.
	PeerRetryDelay time.Duration

	// Handshake rate limiting. RPS <= 0 disables it.
	RateLimitRPS   float64
	RateLimitBurst int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := envInt(key, def)
		collect(err)
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		collect(err)
		return v
	}

	heartbeat := durVar("HUB_HEARTBEAT_INTERVAL", 2*time.Second)
	cfg := Config{
		Port:                  intVar("HUB_PORT", 3101),
		ReadTimeout:           durVar("HUB_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:          durVar("HUB_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:           envStr("HUB_DATABASE_URL", "naisys-hub.db"),
		NotifyURL:             envStr("HUB_NOTIFY_URL", ""),
		StoreMaxAttempts:      intVar("HUB_STORE_MAX_ATTEMPTS", 5),
		StoreBaseDelay:        durVar("HUB_STORE_BASE_DELAY", 100*time.Millisecond),
		AccessKey:             envStr("HUB_ACCESS_KEY", ""),
		JWTPrivateKeyPath:     envStr("HUB_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:      envStr("HUB_JWT_PUBLIC_KEY", ""),
		TokenTTL:              durVar("HUB_TOKEN_TTL", 24*time.Hour),
		HeartbeatInterval:     heartbeat,
		PresenceInterval:      durVar("HUB_PRESENCE_INTERVAL", 2*heartbeat),
		PresenceWindow:        durVar("HUB_PRESENCE_WINDOW", 5*heartbeat),
		SyncInterval:          durVar("HUB_SYNC_INTERVAL", 10*time.Second),
		SyncTimeout:           durVar("HUB_SYNC_TIMEOUT", 30*time.Second),
		AckTimeout:            durVar("HUB_ACK_TIMEOUT", 10*time.Second),
		SyncRulesFile:         envStr("HUB_SYNC_RULES_FILE", ""),
		DirectoryPollInterval: durVar("HUB_DIRECTORY_POLL_INTERVAL", 2*time.Second),
		Name:                  envStr("HUB_NAME", "naisys-hub"),
		PeerURLs:              envList("HUB_PEER_URLS"),
		PeerAccessKey:         envStr("HUB_PEER_ACCESS_KEY", ""),
		PeerRetryDelay:        durVar("HUB_PEER_RETRY_DELAY", 5*time.Second),
		RateLimitBurst:        intVar("HUB_RATE_LIMIT_BURST", 20),
		OTELEndpoint:          envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:           envStr("OTEL_SERVICE_NAME", "naisys-hub"),
		LogLevel:              envStr("HUB_LOG_LEVEL", "info"),
	}

	rps, err := envFloat("HUB_RATE_LIMIT_RPS", 5)
	collect(err)
	cfg.RateLimitRPS = rps

	insecure, err := envBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	collect(err)
	cfg.OTELInsecure = insecure

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	if cfg.PeerAccessKey == "" && !auth.IsHashedKey(cfg.AccessKey) {
		cfg.PeerAccessKey = cfg.AccessKey
	}

	if cfg.SyncRulesFile != "" {
		rules, err := LoadSyncRules(cfg.SyncRulesFile)
		if err != nil {
			return Config{}, err
		}
		cfg.SyncRules = rules
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: HUB_DATABASE_URL is required")
	}
	if c.AccessKey == "" {
		return fmt.Errorf("config: HUB_ACCESS_KEY is required")
	}
	if (c.JWTPrivateKeyPath == "") != (c.JWTPublicKeyPath == "") {
		return fmt.Errorf("config: HUB_JWT_PRIVATE_KEY and HUB_JWT_PUBLIC_KEY must be set together")
	}
	if c.HeartbeatInterval <= 0 || c.PresenceInterval <= 0 {
		return fmt.Errorf("config: heartbeat and presence intervals must be positive")
	}
	if c.PresenceWindow < c.HeartbeatInterval {
		return fmt.Errorf("config: HUB_PRESENCE_WINDOW (%s) must be at least HUB_HEARTBEAT_INTERVAL (%s)",
			c.PresenceWindow, c.HeartbeatInterval)
	}
	if c.SyncInterval <= 0 || c.SyncTimeout <= 0 || c.AckTimeout <= 0 {
		return fmt.Errorf("config: sync interval and timeouts must be positive")
	}
	if c.StoreMaxAttempts < 1 {
		return fmt.Errorf("config: HUB_STORE_MAX_ATTEMPTS must be at least 1")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("config: HUB_RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	if len(c.PeerURLs) > 0 && c.PeerAccessKey == "" {
		return fmt.Errorf("config: HUB_PEER_ACCESS_KEY is required when HUB_ACCESS_KEY is hashed and peers are configured")
	}
	for _, u := range c.PeerURLs {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return fmt.Errorf("config: HUB_PEER_URLS entry %q must be a ws:// or wss:// URL", u)
		}
	}
	return nil
}

// syncRulesFile is the on-disk shape of HUB_SYNC_RULES_FILE:
//
//	tables:
//	  config_revisions: none
//	  costs: join_user
type syncRulesFile struct {
	Tables map[string]model.OwnershipRule `yaml:"tables"`
}

// LoadSyncRules reads ownership rule overrides from a YAML file. Rule names
// are checked here; table names are checked when the overrides are applied.
func LoadSyncRules(path string) (map[string]model.OwnershipRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read sync rules: %w", err)
	}
	var f syncRulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse sync rules %s: %w", path, err)
	}
	for table, rule := range f.Tables {
		if !rule.Valid() {
			return nil, fmt.Errorf("config: sync rules: table %q: unknown rule %q", table, rule)
		}
	}
	return f.Tables, nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// envList splits a comma separated variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
