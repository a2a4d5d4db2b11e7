// Package config loads concord settings through viper from, in increasing
// precedence, built-in defaults, the user config file, the repository's
// coordination root, CONCORD_* environment variables, and command-line flags.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/concord/internal/logging"
)

// EnvPrefix is prepended to every environment override (CONCORD_LOCK_TTL).
const EnvPrefix = "CONCORD"

// Config represents the complete concord configuration
type Config struct {
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Lock         LockConfig         `mapstructure:"lock"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Instance     InstanceConfig     `mapstructure:"instance"`
	Decision     DecisionConfig     `mapstructure:"decision"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Output       OutputConfig       `mapstructure:"output"`
}

// CoordinationConfig controls where coordination state lives and how long
// instances stay live.
type CoordinationConfig struct {
	// Dir overrides the coordination root. Empty means <main worktree>/.concord.
	Dir string `mapstructure:"dir"`
	// StalenessWindow is how long an instance may go without a heartbeat
	// before it is considered stale (default: 10m)
	StalenessWindow time.Duration `mapstructure:"staleness_window"`
	// SweepInterval is the minimum gap between lazy sweeps (default: 30s).
	// Zero disables lazy sweeping.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// LockConfig controls file lock lifetimes.
type LockConfig struct {
	// TTL is how long a lock lives without renewal (default: 5m)
	TTL time.Duration `mapstructure:"ttl"`
	// RenewOnHeartbeat extends every held lock on each heartbeat (default: true)
	RenewOnHeartbeat bool `mapstructure:"renew_on_heartbeat"`
	// WaitBaseDelay is the first backoff of `lock acquire --wait` (default: 250ms)
	WaitBaseDelay time.Duration `mapstructure:"wait_base_delay"`
	// WaitMaxDelay caps the backoff of `lock acquire --wait` (default: 5s)
	WaitMaxDelay time.Duration `mapstructure:"wait_max_delay"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "file" (default) or "sqlite"
	Backend string `mapstructure:"backend"`
	// SQLitePath is the database file for the sqlite backend.
	// Empty means <coordination root>/concord.db.
	SQLitePath string `mapstructure:"sqlite_path"`
}

// InstanceConfig holds defaults for newly registered instances.
type InstanceConfig struct {
	// ID is the instance commands act as, usually from CONCORD_INSTANCE_ID
	// or --instance.
	ID string `mapstructure:"id"`
	// Role is the role recorded when register is called without --role (default: "agent")
	Role string `mapstructure:"role"`
}

// DecisionConfig controls decision log queries.
type DecisionConfig struct {
	// DefaultLimit is how many decisions list and status show (default: 20)
	DefaultLimit int `mapstructure:"default_limit"`
}

// LoggingConfig controls the shared debug log
type LoggingConfig struct {
	// Enabled writes a debug log under <coordination root>/logs (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the minimum log level (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the size at which the log is rotated (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is how many rotated logs are kept (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// OutputConfig controls how commands print results.
type OutputConfig struct {
	// Format is "text" (default), "json", or "yaml"
	Format string `mapstructure:"format"`
	// Color is "auto" (default), "always", or "never"
	Color string `mapstructure:"color"`
}

// Rotation returns the rotation settings for logging.NewLogger.
func (c LoggingConfig) Rotation() logging.RotationConfig {
	rc := logging.DefaultRotationConfig()
	rc.MaxSizeMB = c.MaxSizeMB
	rc.MaxBackups = c.MaxBackups
	return rc
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Coordination: CoordinationConfig{
			StalenessWindow: 10 * time.Minute,
			SweepInterval:   30 * time.Second,
		},
		Lock: LockConfig{
			TTL:              5 * time.Minute,
			RenewOnHeartbeat: true,
			WaitBaseDelay:    250 * time.Millisecond,
			WaitMaxDelay:     5 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "file",
		},
		Instance: InstanceConfig{
			Role: "agent",
		},
		Decision: DecisionConfig{
			DefaultLimit: 20,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Output: OutputConfig{
			Format: "text",
			Color:  "auto",
		},
	}
}

// SetDefaults registers every default with v.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	// Coordination defaults
	v.SetDefault("coordination.dir", defaults.Coordination.Dir)
	v.SetDefault("coordination.staleness_window", defaults.Coordination.StalenessWindow)
	v.SetDefault("coordination.sweep_interval", defaults.Coordination.SweepInterval)

	// Lock defaults
	v.SetDefault("lock.ttl", defaults.Lock.TTL)
	v.SetDefault("lock.renew_on_heartbeat", defaults.Lock.RenewOnHeartbeat)
	v.SetDefault("lock.wait_base_delay", defaults.Lock.WaitBaseDelay)
	v.SetDefault("lock.wait_max_delay", defaults.Lock.WaitMaxDelay)

	// Storage defaults
	v.SetDefault("storage.backend", defaults.Storage.Backend)
	v.SetDefault("storage.sqlite_path", defaults.Storage.SQLitePath)

	// Instance and decision defaults
	v.SetDefault("instance.id", defaults.Instance.ID)
	v.SetDefault("instance.role", defaults.Instance.Role)
	v.SetDefault("decision.default_limit", defaults.Decision.DefaultLimit)

	// Logging defaults
	v.SetDefault("logging.enabled", defaults.Logging.Enabled)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	// Output defaults
	v.SetDefault("output.format", defaults.Output.Format)
	v.SetDefault("output.color", defaults.Output.Color)
}

// New returns a viper instance with defaults registered and environment
// overrides enabled.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFiles merges the config files that exist, in order: the explicit file
// (which must exist when given), else the user config file followed by the
// repository file in coordDir. Later files override earlier ones.
func ReadFiles(v *viper.Viper, explicit, coordDir string) error {
	v.SetConfigType("yaml")
	if explicit != "" {
		v.SetConfigFile(explicit)
		return v.ReadInConfig()
	}

	paths := []string{ConfigFile()}
	if coordDir != "" {
		paths = append(paths, filepath.Join(coordDir, "config.yaml"))
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		err = v.MergeConfig(f)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// Load reads the configuration from v into a Config struct and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Output.Format = strings.ToLower(cfg.Output.Format)

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "concord")
	}
	// Fall back to ~/.config/concord
	home, err := os.UserHomeDir()
	if err != nil {
		return ".concord"
	}
	return filepath.Join(home, ".config", "concord")
}

// ConfigFile returns the path to the user config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
