package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("NARRABOT_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("LogFormat = %q, want json", cfg.LogFormat)
	}
	if cfg.LocalQueue.Capacity != 1000 {
		t.Fatalf("LocalQueue.Capacity = %d, want 1000", cfg.LocalQueue.Capacity)
	}
	if cfg.Menu.EditsPerMinute != 20 {
		t.Fatalf("Menu.EditsPerMinute = %d, want 20", cfg.Menu.EditsPerMinute)
	}
	if cfg.DocStore.MinPoolSize != 5 || cfg.DocStore.MaxPoolSize != 50 {
		t.Fatalf("pool sizing = %d/%d, want 5/50", cfg.DocStore.MinPoolSize, cfg.DocStore.MaxPoolSize)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("NARRABOT_HOME", home)

	yaml := `
log_level: debug
log_format: text
bus:
  uri: redis://10.0.0.5:6379/1
reactions:
  channel_ids_allowed: [-1001234567890]
  emojis_allowed: ["❤", "🔥"]
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Bus.URI != "redis://10.0.0.5:6379/1" {
		t.Fatalf("Bus.URI = %q", cfg.Bus.URI)
	}
	if len(cfg.Reactions.ChannelIDsAllowed) != 1 || cfg.Reactions.ChannelIDsAllowed[0] != -1001234567890 {
		t.Fatalf("ChannelIDsAllowed = %v", cfg.Reactions.ChannelIDsAllowed)
	}
	if len(cfg.Reactions.EmojisAllowed) != 2 {
		t.Fatalf("EmojisAllowed = %v", cfg.Reactions.EmojisAllowed)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("NARRABOT_HOME", t.TempDir())
	t.Setenv("TRANSPORT_TOKEN", "42:token-from-env")
	t.Setenv("DOCSTORE_URI", "mongodb://db.internal:27017")
	t.Setenv("BUS_URI", "redis://bus.internal:6379/0")
	t.Setenv("LOCAL_QUEUE_CAPACITY", "250")
	t.Setenv("API_PORT", "9090")
	t.Setenv("CHANNEL_IDS_ALLOWED", "-100111, -100222")
	t.Setenv("REACTION_EMOJIS_ALLOWED", "❤,👍")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.Token != "42:token-from-env" {
		t.Fatalf("Transport.Token = %q", cfg.Transport.Token)
	}
	if cfg.DocStore.URI != "mongodb://db.internal:27017" {
		t.Fatalf("DocStore.URI = %q", cfg.DocStore.URI)
	}
	if cfg.LocalQueue.Capacity != 250 {
		t.Fatalf("LocalQueue.Capacity = %d, want 250", cfg.LocalQueue.Capacity)
	}
	if cfg.API.Port != 9090 {
		t.Fatalf("API.Port = %d, want 9090", cfg.API.Port)
	}
	if len(cfg.Reactions.ChannelIDsAllowed) != 2 || cfg.Reactions.ChannelIDsAllowed[1] != -100222 {
		t.Fatalf("ChannelIDsAllowed = %v", cfg.Reactions.ChannelIDsAllowed)
	}
	if len(cfg.Reactions.EmojisAllowed) != 2 || cfg.Reactions.EmojisAllowed[0] != "❤" {
		t.Fatalf("EmojisAllowed = %v", cfg.Reactions.EmojisAllowed)
	}
	if cfg.LogFormat != "text" {
		t.Fatalf("LogFormat = %q, want text", cfg.LogFormat)
	}
}

func TestLoad_WebhookModeRequiresURL(t *testing.T) {
	t.Setenv("NARRABOT_HOME", t.TempDir())
	t.Setenv("TRANSPORT_MODE", "webhook")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for webhook mode without webhook_url")
	}

	t.Setenv("WEBHOOK_URL", "https://bot.example.com/hook")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.Mode != "webhook" {
		t.Fatalf("Transport.Mode = %q", cfg.Transport.Mode)
	}
}

func TestLoad_InvalidTransportMode(t *testing.T) {
	t.Setenv("NARRABOT_HOME", t.TempDir())
	t.Setenv("TRANSPORT_MODE", "carrier-pigeon")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for unknown transport mode")
	}
}

func TestFingerprint_Stable(t *testing.T) {
	t.Setenv("NARRABOT_HOME", t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	a := cfg.Fingerprint()
	b := cfg.Fingerprint()
	if a != b {
		t.Fatalf("fingerprint unstable: %q vs %q", a, b)
	}
	cfg.LogLevel = "debug"
	if cfg.Fingerprint() == a {
		t.Fatal("fingerprint did not change with config")
	}
}
