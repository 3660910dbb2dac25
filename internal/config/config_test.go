package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.DataDir == "" {
		t.Error("DataDir should not be empty")
	}
	if !strings.HasSuffix(cfg.LegacyConfigPath, ".ccs_config.toml") {
		t.Errorf("LegacyConfigPath should end with .ccs_config.toml, got %s", cfg.LegacyConfigPath)
	}
	if !strings.HasSuffix(cfg.SettingsPath, filepath.Join(".claude", "settings.json")) {
		t.Errorf("SettingsPath should point at the claude settings file, got %s", cfg.SettingsPath)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel should be 'info', got %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat should be 'json', got %s", cfg.LogFormat)
	}
}

func TestDefaultConfig_UnixSocketPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skip on Windows")
	}

	cfg := DefaultConfig()
	if !strings.HasSuffix(cfg.API.SocketPath, ".sock") {
		t.Errorf("Unix socket path should end with .sock, got %s", cfg.API.SocketPath)
	}
}

func TestDefaultConfig_LockDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Lock.StaleAfter != 30*time.Second {
		t.Errorf("StaleAfter should be 30s, got %v", cfg.Lock.StaleAfter)
	}
	if cfg.Lock.MaxWait != 10*time.Second {
		t.Errorf("MaxWait should be 10s, got %v", cfg.Lock.MaxWait)
	}
}

func TestDefaultConfig_RetentionDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Backup.MaxCount != 20 {
		t.Errorf("Backup.MaxCount should be 20, got %d", cfg.Backup.MaxCount)
	}
	if cfg.Backup.MaxAge != 30*24*time.Hour {
		t.Errorf("Backup.MaxAge should be 30 days, got %v", cfg.Backup.MaxAge)
	}
	if cfg.History.MaxEntries != 5000 {
		t.Errorf("History.MaxEntries should be 5000, got %d", cfg.History.MaxEntries)
	}
	if cfg.Migration.DefaultPlatform != "claude" {
		t.Errorf("Migration.DefaultPlatform should be 'claude', got %s", cfg.Migration.DefaultPlatform)
	}
}

func TestConfig_Paths(t *testing.T) {
	cfg := DefaultConfig()

	if !strings.HasSuffix(cfg.HistoryPath(), "history.db") {
		t.Errorf("HistoryPath should end with 'history.db', got %s", cfg.HistoryPath())
	}
	if !strings.HasSuffix(cfg.BackupsDir(), "backups") {
		t.Errorf("BackupsDir should end with 'backups', got %s", cfg.BackupsDir())
	}
	if !strings.HasSuffix(cfg.LocksDir(), "locks") {
		t.Errorf("LocksDir should end with 'locks', got %s", cfg.LocksDir())
	}
	for _, p := range []string{cfg.HistoryPath(), cfg.BackupsDir(), cfg.LocksDir()} {
		if !strings.Contains(p, cfg.DataDir) {
			t.Errorf("%s should be within DataDir", p)
		}
	}
}

func TestConfig_UnifiedRoot(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HasRootOverride() {
		t.Error("default config should not force unified mode")
	}
	if cfg.UnifiedRoot() != cfg.DataDir {
		t.Errorf("UnifiedRoot should default to DataDir, got %s", cfg.UnifiedRoot())
	}

	cfg.RootDir = "/srv/ccs"
	if !cfg.HasRootOverride() || cfg.UnifiedRoot() != "/srv/ccs" {
		t.Errorf("root override not honored: %s", cfg.UnifiedRoot())
	}
}

func TestConfig_EnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := &Config{
		DataDir: tmpDir,
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, dir := range []string{tmpDir, cfg.BackupsDir(), cfg.LocksDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("Directory %s not created: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestConfig_EnsureDirectories_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Permission test not applicable on Windows")
	}

	tmpDir := t.TempDir()
	cfg := &Config{DataDir: tmpDir}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	info, err := os.Stat(cfg.BackupsDir())
	if err != nil {
		t.Fatalf("Failed to stat BackupsDir: %v", err)
	}

	perm := info.Mode().Perm()
	if perm&0077 != 0 {
		t.Errorf("Backup directory should not be world-readable, got %o", perm)
	}
}

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LogLevel == "" {
		t.Error("LogLevel should have default value")
	}
	if cfg.Actor == "" {
		t.Error("Actor should never be empty after Load")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CCS_ROOT_DIR", "~/profiles")
	t.Setenv("CCS_LOCK_MAX_WAIT", "3s")
	t.Setenv("CCS_ACTOR", "ci")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.RootDir != filepath.Join(home, "profiles") {
		t.Errorf("RootDir should be expanded from env, got %s", cfg.RootDir)
	}
	if cfg.Lock.MaxWait != 3*time.Second {
		t.Errorf("Lock.MaxWait should come from env, got %v", cfg.Lock.MaxWait)
	}
	if cfg.Actor != "ci" {
		t.Errorf("Actor should come from env, got %s", cfg.Actor)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".ccs")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	yaml := `
settings_path: ~/alt/settings.json
backup:
  max_count: 0
migration:
  default_platform: general
  groups:
    openai: codex
`
	if err := os.WriteFile(filepath.Join(dir, "ccs.yaml"), []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.SettingsPath != filepath.Join(home, "alt", "settings.json") {
		t.Errorf("SettingsPath mismatch: %s", cfg.SettingsPath)
	}
	if cfg.Backup.MaxCount != 1 {
		t.Errorf("Backup.MaxCount should be clamped to 1, got %d", cfg.Backup.MaxCount)
	}
	if cfg.Migration.DefaultPlatform != "general" {
		t.Errorf("DefaultPlatform mismatch: %s", cfg.Migration.DefaultPlatform)
	}
	if cfg.Migration.Groups["openai"] != "codex" {
		t.Errorf("Groups mismatch: %v", cfg.Migration.Groups)
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		t.Skip("Cannot determine home directory")
	}

	tests := []struct {
		input    string
		expected string
	}{
		{"~/.ccs", filepath.Join(homeDir, ".ccs")},
		{"~/", homeDir},
		{"~", homeDir},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		result := expandPath(tt.input)
		if result != tt.expected {
			t.Errorf("expandPath(%q) = %q, expected %q", tt.input, result, tt.expected)
		}
	}
}
