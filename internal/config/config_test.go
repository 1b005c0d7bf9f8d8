package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xiaopang/keyrelay/internal/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "server:\n  port: 9000\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.ResetTimeout != 60 {
		t.Fatalf("unexpected generic breaker defaults: %+v", cfg.Breaker)
	}
	if cfg.ModelBreaker.FailureThreshold != 3 || cfg.ModelBreaker.OpenSeconds != 120 {
		t.Fatalf("unexpected model breaker defaults: %+v", cfg.ModelBreaker)
	}
	if cfg.Keys.CooldownSeconds != 60 || cfg.Keys.NamePrefix != model.DefaultKeyPrefix {
		t.Fatalf("unexpected key defaults: %+v", cfg.Keys)
	}
	if cfg.Budget.FallbackRPD != 1000 || cfg.Budget.FallbackTPD != 500000 {
		t.Fatalf("unexpected budget fallback: %+v", cfg.Budget)
	}
}

func TestLoad_AutoKeysArePersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "server:\n  api_key: auto\n  admin_api_key: auto\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !strings.HasPrefix(cfg.Server.APIKey, "keyrelay-user-") {
		t.Fatalf("api key not generated: %q", cfg.Server.APIKey)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if again.Server.AdminAPIKey != cfg.Server.AdminAPIKey {
		t.Fatalf("generated admin key not saved: %q vs %q", again.Server.AdminAPIKey, cfg.Server.AdminAPIKey)
	}
}

func TestLoad_BudgetLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "budget:\n  limits:\n    gpt-4o:\n      rpd: 10\n      tpd: 100\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got := cfg.Budget.Limits["gpt-4o"]
	if got.RPD != 10 || got.TPD != 100 {
		t.Fatalf("unexpected limits: %+v", got)
	}
}

func TestEnvKeySource_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", ".env")
	src := NewEnvKeySource(path, "PROVIDER_KEY_")

	if err := src.SaveKey("PROVIDER_KEY_2", "beta"); err != nil {
		t.Fatalf("SaveKey failed: %v", err)
	}
	if err := src.SaveKey("PROVIDER_KEY_1", "alpha"); err != nil {
		t.Fatalf("SaveKey failed: %v", err)
	}

	entries, err := src.LoadKeys()
	if err != nil {
		t.Fatalf("LoadKeys failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "PROVIDER_KEY_1" || entries[0].Value != "alpha" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	if err := src.DeleteKey("PROVIDER_KEY_1"); err != nil {
		t.Fatalf("DeleteKey failed: %v", err)
	}
	if err := src.DeleteKey("PROVIDER_KEY_1"); !errors.Is(err, model.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	entries, _ = src.LoadKeys()
	if len(entries) != 1 || entries[0].Value != "beta" {
		t.Fatalf("unexpected entries after delete: %+v", entries)
	}
}

func TestEnvKeySource_IgnoresOtherVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	writeFile(t, path, "DATABASE_URL=sqlite://x\nPROVIDER_KEY_A=sk-a\nPROVIDER_KEY_EMPTY=\n")

	src := NewEnvKeySource(path, "PROVIDER_KEY_")
	entries, err := src.LoadKeys()
	if err != nil {
		t.Fatalf("LoadKeys failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "PROVIDER_KEY_A" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	// Unrelated variables survive a write.
	if err := src.SaveKey("PROVIDER_KEY_B", "sk-b"); err != nil {
		t.Fatalf("SaveKey failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "DATABASE_URL") {
		t.Fatalf("DATABASE_URL lost on write: %s", data)
	}
}

func TestEnvKeySource_FallsBackToProcessEnv(t *testing.T) {
	t.Setenv("KRTEST_KEY_1", "from-env")
	src := NewEnvKeySource(filepath.Join(t.TempDir(), "missing.env"), "KRTEST_KEY_")

	entries, err := src.LoadKeys()
	if err != nil {
		t.Fatalf("LoadKeys failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Value != "from-env" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestEnvKeySource_UpsertKeepsProcessEnvKeys(t *testing.T) {
	t.Setenv("KRTEST_UP_1", "sk-one")
	t.Setenv("KRTEST_UP_2", "sk-two")
	t.Setenv("KRTEST_OTHER", "not-a-key")
	path := filepath.Join(t.TempDir(), "keys.env")
	src := NewEnvKeySource(path, "KRTEST_UP_")

	if err := src.SaveKey("KRTEST_UP_3", "sk-three"); err != nil {
		t.Fatalf("SaveKey failed: %v", err)
	}

	entries, err := src.LoadKeys()
	if err != nil {
		t.Fatalf("LoadKeys failed: %v", err)
	}
	if len(entries) != 3 || entries[0].Value != "sk-one" || entries[2].Value != "sk-three" {
		t.Fatalf("env keys lost on first write: %+v", entries)
	}
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "KRTEST_OTHER") {
		t.Fatalf("unrelated process env written to key file: %s", data)
	}
}

func TestEnvKeySource_DeleteProcessEnvKey(t *testing.T) {
	t.Setenv("KRTEST_DEL_1", "sk-one")
	t.Setenv("KRTEST_DEL_2", "sk-two")
	src := NewEnvKeySource(filepath.Join(t.TempDir(), "keys.env"), "KRTEST_DEL_")

	if err := src.DeleteKey("KRTEST_DEL_1"); err != nil {
		t.Fatalf("DeleteKey of env key failed: %v", err)
	}
	entries, err := src.LoadKeys()
	if err != nil {
		t.Fatalf("LoadKeys failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "KRTEST_DEL_2" {
		t.Fatalf("unexpected entries after delete: %+v", entries)
	}
	if err := src.DeleteKey("KRTEST_DEL_9"); !errors.Is(err, model.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}
