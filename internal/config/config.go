// Package config handles ccswitch configuration loading and management.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	if path == "~" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return homeDir
	}
	return path
}

// Config holds all ccswitch configuration.
type Config struct {
	// DataDir holds locks, backups, history and, in unified mode, the
	// profile tree.
	DataDir string `mapstructure:"data_dir"`

	// RootDir, when set, forces unified mode rooted at this directory.
	RootDir string `mapstructure:"root_dir"`

	// LegacyConfigPath is the single-file profile document.
	LegacyConfigPath string `mapstructure:"legacy_config_path"`

	// SettingsPath is the live settings document of the wrapped CLI.
	SettingsPath string `mapstructure:"settings_path"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Actor is recorded on history entries. Defaults to $USER.
	Actor string `mapstructure:"actor"`

	Lock      LockConfig      `mapstructure:"lock"`
	Backup    BackupConfig    `mapstructure:"backup"`
	History   HistoryConfig   `mapstructure:"history"`
	Migration MigrationConfig `mapstructure:"migration"`
	API       APIConfig       `mapstructure:"api"`
}

// LockConfig holds cross-process lock settings.
type LockConfig struct {
	// StaleAfter is the age after which an unrefreshed lock is reclaimed.
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// MaxWait bounds how long acquisition retries before E_LOCK_TIMEOUT.
	MaxWait time.Duration `mapstructure:"max_wait"`
}

// BackupConfig holds settings backup retention.
type BackupConfig struct {
	MaxAge   time.Duration `mapstructure:"max_age"`
	MaxCount int           `mapstructure:"max_count"`
	// PruneSchedule is a cron spec used by the daemon.
	PruneSchedule string `mapstructure:"prune_schedule"`
}

// HistoryConfig holds audit log retention.
type HistoryConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

// MigrationConfig holds the legacy-to-unified grouping policy.
type MigrationConfig struct {
	// DefaultPlatform receives sections without a provider_type.
	DefaultPlatform string `mapstructure:"default_platform"`
	// Groups maps lowercased provider_type values to platform names.
	Groups map[string]string `mapstructure:"groups"`
}

// APIConfig holds daemon server configuration.
type APIConfig struct {
	SocketPath   string        `mapstructure:"socket"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".ccs")
	socketPath := filepath.Join(dataDir, "ccs.sock")

	if runtime.GOOS == "windows" {
		socketPath = `\\.\pipe\ccs`
	}

	return &Config{
		DataDir:          dataDir,
		LegacyConfigPath: filepath.Join(homeDir, ".ccs_config.toml"),
		SettingsPath:     filepath.Join(homeDir, ".claude", "settings.json"),
		LogLevel:         "info",
		LogFormat:        "json",
		Actor:            os.Getenv("USER"),

		Lock: LockConfig{
			StaleAfter: 30 * time.Second,
			MaxWait:    10 * time.Second,
		},

		Backup: BackupConfig{
			MaxAge:        30 * 24 * time.Hour,
			MaxCount:      20,
			PruneSchedule: "@hourly",
		},

		History: HistoryConfig{
			MaxEntries: 5000,
		},

		Migration: MigrationConfig{
			DefaultPlatform: "claude",
			Groups:          map[string]string{},
		},

		API: APIConfig{
			SocketPath:   socketPath,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Load loads configuration from files and environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("ccs")
	v.SetConfigType("yaml")

	// Configuration search paths
	homeDir, _ := os.UserHomeDir()
	v.AddConfigPath(filepath.Join(homeDir, ".ccs"))
	v.AddConfigPath("/etc/ccs")
	v.AddConfigPath(".")

	// Environment variable binding: CCS_LOCK_MAX_WAIT -> lock.max_wait
	v.SetEnvPrefix("CCS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is OK, use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	cfg.normalize()
	return cfg, nil
}

// bindEnv registers every key so AutomaticEnv applies during Unmarshal,
// which only consults keys viper already knows about.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"data_dir", "root_dir", "legacy_config_path", "settings_path",
		"log_level", "log_format", "actor",
		"lock.stale_after", "lock.max_wait",
		"backup.max_age", "backup.max_count", "backup.prune_schedule",
		"history.max_entries",
		"migration.default_platform",
		"api.socket", "api.read_timeout", "api.write_timeout", "api.idle_timeout",
	} {
		_ = v.BindEnv(key)
	}
}

func (c *Config) normalize() {
	c.DataDir = expandPath(c.DataDir)
	c.RootDir = expandPath(c.RootDir)
	c.LegacyConfigPath = expandPath(c.LegacyConfigPath)
	c.SettingsPath = expandPath(c.SettingsPath)
	c.API.SocketPath = expandPath(c.API.SocketPath)

	if c.Migration.DefaultPlatform == "" {
		c.Migration.DefaultPlatform = "claude"
	}
	if c.Migration.Groups == nil {
		c.Migration.Groups = map[string]string{}
	}
	if c.Backup.MaxCount < 1 {
		c.Backup.MaxCount = 1
	}
	if c.Actor == "" {
		c.Actor = "unknown"
	}
}

// UnifiedRoot returns the root of the unified layout: the explicit
// override when set, otherwise the data directory.
func (c *Config) UnifiedRoot() string {
	if c.RootDir != "" {
		return c.RootDir
	}
	return c.DataDir
}

// HasRootOverride reports whether unified mode was forced by configuration.
func (c *Config) HasRootOverride() bool {
	return c.RootDir != ""
}

// HistoryPath returns the path to the SQLite history database.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "history.db")
}

// BackupsDir returns the path to the settings backups directory.
func (c *Config) BackupsDir() string {
	return filepath.Join(c.DataDir, "backups")
}

// LocksDir returns the path to the lock file directory.
func (c *Config) LocksDir() string {
	return filepath.Join(c.DataDir, "locks")
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.BackupsDir(),
		c.LocksDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	return nil
}
