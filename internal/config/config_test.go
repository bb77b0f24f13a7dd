package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
	if cfg.MinorUnits != 2 || cfg.TimeZone != "UTC" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "salesledger.toml")
	content := `
port = "9090"
allowed_origins = ["https://a.example", "https://b.example"]
sqlite_path = "/var/lib/salesledger.db"
policy_cache_ttl_seconds = 30
minor_units = 0
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PORT", "7070")
	t.Setenv("ALLOWED_ORIGINS", "")
	t.Setenv("SQLITE_PATH", "")
	t.Setenv("CURRENCY_MINOR_UNITS", "")
	t.Setenv("POLICY_CACHE_TTL_SECONDS", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Port != "7070" {
		t.Fatalf("expected env port to win, got %s", cfg.Port)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.SQLitePath != "/var/lib/salesledger.db" {
		t.Fatalf("unexpected sqlite path %q", cfg.SQLitePath)
	}
	if cfg.PolicyCacheTTL() != 30*time.Second {
		t.Fatalf("unexpected cache ttl %s", cfg.PolicyCacheTTL())
	}
	if cfg.MinorUnits != 0 {
		t.Fatalf("expected file to set zero minor units, got %d", cfg.MinorUnits)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("BUSINESS_TIME_ZONE", "Mars/Olympus_Mons")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected unknown time zone to fail")
	}

	t.Setenv("BUSINESS_TIME_ZONE", "")
	t.Setenv("CURRENCY_MINOR_UNITS", "9")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected out-of-range minor units to fail")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected missing config file to fail")
	}
}

func TestAllowedOriginsFromEnv(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", " https://x.example ,, https://y.example ")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://x.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}
