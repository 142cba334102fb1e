package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportConfig holds Telegram transport settings.
type TransportConfig struct {
	Token         string `yaml:"token"`
	Mode          string `yaml:"mode"` // "polling" or "webhook"
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// DocStoreConfig holds document-store (MongoDB) settings.
type DocStoreConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	// Pool sizing. Defaults: min 5, max 50, idle 30s.
	MinPoolSize     uint64 `yaml:"min_pool_size"`
	MaxPoolSize     uint64 `yaml:"max_pool_size"`
	MaxConnIdleSecs int    `yaml:"max_conn_idle_seconds"`
}

// RelationalConfig holds relational-store (SQLite) settings.
type RelationalConfig struct {
	Path string `yaml:"path"`
}

// BusConfig holds Redis pub/sub transport settings.
type BusConfig struct {
	URI      string `yaml:"uri"`
	Password string `yaml:"password"`
}

// LocalQueueConfig holds the durable replay-queue settings.
type LocalQueueConfig struct {
	Path     string `yaml:"path"`
	Capacity int    `yaml:"capacity"`
}

// APIConfig holds the internal admin HTTP API settings.
type APIConfig struct {
	Bind      string `yaml:"bind"`
	Port      int    `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
	// RequestsPerMinute caps authenticated API traffic per principal.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// ReactionsConfig scopes which channel reactions count toward missions.
type ReactionsConfig struct {
	ChannelIDsAllowed []int64  `yaml:"channel_ids_allowed"`
	EmojisAllowed     []string `yaml:"emojis_allowed"`
}

// MenuConfig tunes the chat-cleanliness surface.
type MenuConfig struct {
	// EditsPerMinute is the per-chat token-bucket rate for deletes/edits.
	EditsPerMinute int `yaml:"edits_per_minute"`
	// CleanupIntervalSeconds is the ephemeral TTL sweep cadence.
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
}

// OtelConfig mirrors the observability provider settings.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" or "json"

	// WorkerMultiplier sizes the update worker pool: cores times multiplier.
	WorkerMultiplier int `yaml:"worker_multiplier"`

	Transport  TransportConfig  `yaml:"transport"`
	DocStore   DocStoreConfig   `yaml:"docstore"`
	Relational RelationalConfig `yaml:"relational"`
	Bus        BusConfig        `yaml:"bus"`
	LocalQueue LocalQueueConfig `yaml:"local_queue"`
	API        APIConfig        `yaml:"api"`
	Reactions  ReactionsConfig  `yaml:"reactions"`
	Menu       MenuConfig       `yaml:"menu"`
	Otel       OtelConfig       `yaml:"otel"`

	// ContentDir holds authored narrative content (fragments.yaml, hints.yaml,
	// missions.yaml). Defaults to <home>/content.
	ContentDir string `yaml:"content_dir"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:         "info",
		LogFormat:        "json",
		WorkerMultiplier: 4,
		DocStore: DocStoreConfig{
			URI:             "mongodb://127.0.0.1:27017",
			Database:        "narrabot",
			MinPoolSize:     5,
			MaxPoolSize:     50,
			MaxConnIdleSecs: 30,
		},
		Bus: BusConfig{
			URI: "redis://127.0.0.1:6379/0",
		},
		LocalQueue: LocalQueueConfig{
			Capacity: 1000,
		},
		API: APIConfig{
			Bind:              "127.0.0.1",
			Port:              8787,
			RequestsPerMinute: 120,
		},
		Transport: TransportConfig{
			Mode: "polling",
		},
		Menu: MenuConfig{
			EditsPerMinute:         20,
			CleanupIntervalSeconds: 2,
		},
		Otel: OtelConfig{
			Exporter:   "none",
			SampleRate: 1.0,
		},
	}
}

// HomeDir resolves the data directory, honoring the NARRABOT_HOME override.
func HomeDir() string {
	if override := os.Getenv("NARRABOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".narrabot")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml (if present), applies env overrides, and normalizes.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create narrabot home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		cfg.LogFormat = "json"
	}
	if cfg.WorkerMultiplier <= 0 {
		cfg.WorkerMultiplier = 4
	}
	if cfg.Transport.Mode == "" {
		cfg.Transport.Mode = "polling"
	}
	if cfg.DocStore.MinPoolSize == 0 {
		cfg.DocStore.MinPoolSize = 5
	}
	if cfg.DocStore.MaxPoolSize == 0 {
		cfg.DocStore.MaxPoolSize = 50
	}
	if cfg.DocStore.MaxConnIdleSecs <= 0 {
		cfg.DocStore.MaxConnIdleSecs = 30
	}
	if cfg.DocStore.Database == "" {
		cfg.DocStore.Database = "narrabot"
	}
	if cfg.Relational.Path == "" {
		cfg.Relational.Path = filepath.Join(cfg.HomeDir, "narrabot.db")
	}
	if cfg.LocalQueue.Path == "" {
		cfg.LocalQueue.Path = filepath.Join(cfg.HomeDir, "replay-queue.jsonl")
	}
	if cfg.LocalQueue.Capacity <= 0 {
		cfg.LocalQueue.Capacity = 1000
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1"
	}
	if cfg.API.Port <= 0 {
		cfg.API.Port = 8787
	}
	if cfg.API.RequestsPerMinute <= 0 {
		cfg.API.RequestsPerMinute = 120
	}
	if cfg.Menu.EditsPerMinute <= 0 {
		cfg.Menu.EditsPerMinute = 20
	}
	if cfg.Menu.CleanupIntervalSeconds <= 0 {
		cfg.Menu.CleanupIntervalSeconds = 2
	}
	if cfg.ContentDir == "" {
		cfg.ContentDir = filepath.Join(cfg.HomeDir, "content")
	}
	if cfg.Otel.SampleRate <= 0 {
		cfg.Otel.SampleRate = 1.0
	}
}

func validate(cfg *Config) error {
	switch cfg.Transport.Mode {
	case "polling":
	case "webhook":
		if cfg.Transport.WebhookURL == "" {
			return fmt.Errorf("transport mode webhook requires webhook_url")
		}
	default:
		return fmt.Errorf("transport mode %q not supported (polling, webhook)", cfg.Transport.Mode)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TRANSPORT_TOKEN"); raw != "" {
		cfg.Transport.Token = raw
	}
	if raw := os.Getenv("TRANSPORT_MODE"); raw != "" {
		cfg.Transport.Mode = strings.ToLower(strings.TrimSpace(raw))
	}
	if raw := os.Getenv("WEBHOOK_URL"); raw != "" {
		cfg.Transport.WebhookURL = raw
	}
	if raw := os.Getenv("WEBHOOK_SECRET"); raw != "" {
		cfg.Transport.WebhookSecret = raw
	}
	if raw := os.Getenv("DOCSTORE_URI"); raw != "" {
		cfg.DocStore.URI = raw
	}
	if raw := os.Getenv("DOCSTORE_DATABASE"); raw != "" {
		cfg.DocStore.Database = raw
	}
	if raw := os.Getenv("RELATIONAL_PATH"); raw != "" {
		cfg.Relational.Path = raw
	}
	if raw := os.Getenv("BUS_URI"); raw != "" {
		cfg.Bus.URI = raw
	}
	if raw := os.Getenv("BUS_PASSWORD"); raw != "" {
		cfg.Bus.Password = raw
	}
	if raw := os.Getenv("LOCAL_QUEUE_PATH"); raw != "" {
		cfg.LocalQueue.Path = raw
	}
	if raw := os.Getenv("LOCAL_QUEUE_CAPACITY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.LocalQueue.Capacity = v
		}
	}
	if raw := os.Getenv("API_BIND"); raw != "" {
		cfg.API.Bind = raw
	}
	if raw := os.Getenv("API_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.API.Port = v
		}
	}
	if raw := os.Getenv("API_JWT_SECRET"); raw != "" {
		cfg.API.JWTSecret = raw
	}
	if raw := os.Getenv("CHANNEL_IDS_ALLOWED"); raw != "" {
		cfg.Reactions.ChannelIDsAllowed = parseInt64List(raw)
	}
	if raw := os.Getenv("REACTION_EMOJIS_ALLOWED"); raw != "" {
		cfg.Reactions.EmojisAllowed = parseStringList(raw)
	}
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("LOG_FORMAT"); raw != "" {
		cfg.LogFormat = strings.ToLower(strings.TrimSpace(raw))
	}
}

func parseInt64List(raw string) []int64 {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if v, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func parseStringList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// APIAddr returns the bind address for the admin API listener.
func (c Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Bind, c.API.Port)
}

// IdleTimeout returns the document-store idle timeout as a duration.
func (c DocStoreConfig) IdleTimeout() time.Duration {
	return time.Duration(c.MaxConnIdleSecs) * time.Second
}

// Fingerprint returns a stable hash of the active config, used to detect
// drift between a running daemon and the on-disk file.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|fmt=%s|workers=%d|mode=%s|api=%s|queue=%d|channels=%v|emojis=%v",
		c.LogLevel, c.LogFormat, c.WorkerMultiplier, c.Transport.Mode,
		c.APIAddr(), c.LocalQueue.Capacity,
		c.Reactions.ChannelIDsAllowed, c.Reactions.EmojisAllowed)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
