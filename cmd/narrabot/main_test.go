package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	raw := "# comment\nTEST_DOTENV_NEW=from-file\nTEST_DOTENV_SET=from-file\n\nmalformed line\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("TEST_DOTENV_NEW", "")
	_ = os.Unsetenv("TEST_DOTENV_NEW")
	t.Setenv("TEST_DOTENV_SET", "from-env")

	loadDotEnv(path)

	if got := os.Getenv("TEST_DOTENV_NEW"); got != "from-file" {
		t.Fatalf("TEST_DOTENV_NEW = %q, want %q", got, "from-file")
	}
	// Existing environment wins over the file.
	if got := os.Getenv("TEST_DOTENV_SET"); got != "from-env" {
		t.Fatalf("TEST_DOTENV_SET = %q, want %q", got, "from-env")
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	// Must be a no-op, not a crash.
	loadDotEnv(filepath.Join(t.TempDir(), "absent.env"))
}
