package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeYAML(t *testing.T, dir, content string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("Default() does not validate: %v", ValidationErrors(errs))
	}
	if cfg.Coordination.StalenessWindow != 10*time.Minute {
		t.Errorf("StalenessWindow = %v, want 10m", cfg.Coordination.StalenessWindow)
	}
	if cfg.Lock.TTL != 5*time.Minute {
		t.Errorf("Lock.TTL = %v, want 5m", cfg.Lock.TTL)
	}
	if !cfg.Lock.RenewOnHeartbeat {
		t.Error("Lock.RenewOnHeartbeat should be true by default")
	}
	if cfg.Storage.Backend != "file" {
		t.Errorf("Storage.Backend = %q, want file", cfg.Storage.Backend)
	}
	if cfg.Decision.DefaultLimit != 20 {
		t.Errorf("Decision.DefaultLimit = %d, want 20", cfg.Decision.DefaultLimit)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	v := New()
	if err := ReadFiles(v, "", t.TempDir()); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if *cfg != *Default() {
		t.Errorf("Load() = %+v, want defaults", cfg)
	}
}

func TestLoad_Precedence(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	writeYAML(t, filepath.Join(xdg, "concord"), `
lock:
  ttl: 2m
  wait_max_delay: 10s
instance:
  role: reviewer
`)
	coordDir := t.TempDir()
	writeYAML(t, coordDir, `
lock:
  ttl: 3m
storage:
  backend: SQLite
`)
	t.Setenv("CONCORD_INSTANCE_ROLE", "backend")

	v := New()
	if err := ReadFiles(v, "", coordDir); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Lock.TTL != 3*time.Minute {
		t.Errorf("Lock.TTL = %v, want repository file to win with 3m", cfg.Lock.TTL)
	}
	if cfg.Lock.WaitMaxDelay != 10*time.Second {
		t.Errorf("Lock.WaitMaxDelay = %v, want user file value 10s", cfg.Lock.WaitMaxDelay)
	}
	if cfg.Instance.Role != "backend" {
		t.Errorf("Instance.Role = %q, want env override", cfg.Instance.Role)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Storage.Backend = %q, want normalized sqlite", cfg.Storage.Backend)
	}
}

func TestReadFiles_Explicit(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := writeYAML(t, t.TempDir(), "decision:\n  default_limit: 7\n")

	v := New()
	if err := ReadFiles(v, path, ""); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Decision.DefaultLimit != 7 {
		t.Errorf("DefaultLimit = %d, want 7", cfg.Decision.DefaultLimit)
	}

	if err := ReadFiles(New(), filepath.Join(t.TempDir(), "missing.yaml"), ""); err == nil {
		t.Error("ReadFiles() with a missing explicit file should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		fields []string
	}{
		{name: "zero staleness window", mutate: func(c *Config) { c.Coordination.StalenessWindow = 0 }, fields: []string{"coordination.staleness_window"}},
		{name: "negative sweep interval", mutate: func(c *Config) { c.Coordination.SweepInterval = -time.Second }, fields: []string{"coordination.sweep_interval"}},
		{name: "ttl beyond staleness window", mutate: func(c *Config) { c.Lock.TTL = time.Hour }, fields: []string{"lock.ttl"}},
		{name: "max delay below base", mutate: func(c *Config) { c.Lock.WaitMaxDelay = time.Millisecond }, fields: []string{"lock.wait_max_delay"}},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "redis" }, fields: []string{"storage.backend"}},
		{name: "zero decision limit", mutate: func(c *Config) { c.Decision.DefaultLimit = 0 }, fields: []string{"decision.default_limit"}},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "verbose" }, fields: []string{"logging.level"}},
		{name: "bad output", mutate: func(c *Config) {
			c.Output.Format = "xml"
			c.Output.Color = "rainbow"
		}, fields: []string{"output.format", "output.color"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if len(errs) != len(tt.fields) {
				t.Fatalf("Validate() = %v, want %d errors", errs, len(tt.fields))
			}
			for i, field := range tt.fields {
				if errs[i].Field != field {
					t.Errorf("error %d field = %q, want %q", i, errs[i].Field, field)
				}
			}
		})
	}
}

func TestLoad_ReportsAllErrors(t *testing.T) {
	v := New()
	v.Set("lock.ttl", "0s")
	v.Set("output.format", "xml")

	_, err := Load(v)
	if err == nil {
		t.Fatal("Load() should fail")
	}
	msg := err.Error()
	if !strings.Contains(msg, "lock.ttl") || !strings.Contains(msg, "output.format") {
		t.Errorf("error %q should name both fields", msg)
	}
	if !strings.HasPrefix(msg, "2 validation errors") {
		t.Errorf("error %q should count the failures", msg)
	}
}

func TestConfigDir(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	if got, want := ConfigDir(), filepath.Join(xdg, "concord"); got != want {
		t.Errorf("ConfigDir() = %q, want %q", got, want)
	}
	if got, want := ConfigFile(), filepath.Join(xdg, "concord", "config.yaml"); got != want {
		t.Errorf("ConfigFile() = %q, want %q", got, want)
	}
}

func TestLoggingRotation(t *testing.T) {
	rc := LoggingConfig{MaxSizeMB: 42, MaxBackups: 1}.Rotation()
	if rc.MaxSizeMB != 42 || rc.MaxBackups != 1 || !rc.Compress {
		t.Errorf("Rotation() = %+v", rc)
	}
}
