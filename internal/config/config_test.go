package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.Addr != ":8787" || cfg.StoreDriver != "postgres" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.IngestMaxAttempts != 3 || cfg.DiffMaxLines != 4000 {
		t.Fatalf("unexpected engine defaults: %+v", cfg)
	}
	if cfg.BootstrapCacheTTL() != 30*time.Second || cfg.S3PresignTTL() != 15*time.Minute {
		t.Fatalf("unexpected ttls: %s %s", cfg.BootstrapCacheTTL(), cfg.S3PresignTTL())
	}
	if cfg.RedisURL != "" || cfg.MeiliURL != "" || cfg.HistoryMirrorDir != "" {
		t.Fatal("optional integrations must be disabled by default")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STORE_DRIVER", " SQLite ")
	t.Setenv("SQLITE_PATH", "/tmp/folio.db")
	t.Setenv("INGEST_MAX_ATTEMPTS", "5")
	t.Setenv("LOG_PRETTY", "true")
	t.Setenv("S3_USE_SSL", "true")

	cfg, err := load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.StoreDriver != "sqlite" || cfg.SQLitePath != "/tmp/folio.db" {
		t.Fatalf("unexpected store config: %+v", cfg)
	}
	if cfg.IngestMaxAttempts != 5 || !cfg.LogPretty || !cfg.S3UseSSL {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("MEILI_URL=http://meili:7700\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// godotenv sets real process variables; register cleanup through t.Setenv.
	t.Setenv("MEILI_URL", "")
	os.Unsetenv("MEILI_URL")

	cfg, err := load(envFile)
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.MeiliURL != "http://meili:7700" {
		t.Fatalf("MeiliURL = %q", cfg.MeiliURL)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mysql")
	t.Setenv("INGEST_MAX_ATTEMPTS", "0")
	_, err := load(filepath.Join(t.TempDir(), "missing.env"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "STORE_DRIVER") || !strings.Contains(err.Error(), "INGEST_MAX_ATTEMPTS") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := Config{
		StoreDriver:  "postgres",
		DatabaseURL:  "postgres://folio:hunter2@db:5432/folio",
		RedisURL:     "redis://:redispass@cache:6379/0",
		JWTSecret:    "jwt-secret",
		WebhookToken: "hook-token",
		S3SecretKey:  "s3-secret",
	}
	out := cfg.String()
	for _, secret := range []string{"hunter2", "redispass", "jwt-secret", "hook-token", "s3-secret"} {
		if strings.Contains(out, secret) {
			t.Fatalf("String() leaked %q:\n%s", secret, out)
		}
	}
	if !strings.Contains(out, "postgres://folio:********@db:5432/folio") {
		t.Fatalf("expected masked database url, got:\n%s", out)
	}
	if !strings.Contains(out, "S3AccessKey: (empty)") {
		t.Fatalf("expected empty marker, got:\n%s", out)
	}
}
