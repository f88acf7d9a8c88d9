package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.General.MaxConcurrent != 8 {
		t.Errorf("MaxConcurrent = %d, want 8", cfg.General.MaxConcurrent)
	}
	if cfg.Scheduler.TickSeconds != 60 {
		t.Errorf("TickSeconds = %d, want 60", cfg.Scheduler.TickSeconds)
	}
	if cfg.Scheduler.DispatchSeconds != 30 {
		t.Errorf("DispatchSeconds = %d, want 30", cfg.Scheduler.DispatchSeconds)
	}
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web.Host = %q, want 127.0.0.1", cfg.Web.Host)
	}
	if cfg.Provider.Command != "claude" {
		t.Errorf("Provider.Command = %q, want claude", cfg.Provider.Command)
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := writeTempConfig(t, `
[general]
database_path = "/data/runway.db"
max_concurrent = 4

[scheduler]
tick_seconds = 15
dispatch_seconds = 5

[web]
port = 9000

[tools]
call_timeout_seconds = 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.DatabasePath != "/data/runway.db" {
		t.Errorf("DatabasePath = %q", cfg.General.DatabasePath)
	}
	if cfg.General.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", cfg.General.MaxConcurrent)
	}
	if cfg.TickInterval() != 15*time.Second {
		t.Errorf("TickInterval = %v, want 15s", cfg.TickInterval())
	}
	if cfg.DispatchInterval() != 5*time.Second {
		t.Errorf("DispatchInterval = %v, want 5s", cfg.DispatchInterval())
	}
	if cfg.ToolCallTimeout() != 10*time.Second {
		t.Errorf("ToolCallTimeout = %v, want 10s", cfg.ToolCallTimeout())
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d, want 9000", cfg.Web.Port)
	}
	// Sections absent from the file keep their defaults
	if cfg.Provider.Command != "claude" {
		t.Errorf("Provider.Command = %q, want default", cfg.Provider.Command)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.MaxConcurrent != 8 {
		t.Errorf("MaxConcurrent = %d, want default 8", cfg.General.MaxConcurrent)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero tick", "[scheduler]\ntick_seconds = 0\n"},
		{"negative dispatch", "[scheduler]\ndispatch_seconds = -5\n"},
		{"zero concurrency", "[general]\nmax_concurrent = 0\n"},
		{"port out of range", "[web]\nport = 70000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempConfig(t, tt.content)
			if _, err := Load(path); err == nil {
				t.Error("Load accepted invalid config")
			}
		})
	}
}

func TestLoad_ExpandsHomePaths(t *testing.T) {
	home, _ := os.UserHomeDir()
	path := writeTempConfig(t, `
[general]
database_path = "~/data/runway.db"

[tools]
manifest_dir = "~/tools"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.DatabasePath != filepath.Join(home, "data", "runway.db") {
		t.Errorf("DatabasePath = %q", cfg.General.DatabasePath)
	}
	if cfg.Tools.ManifestDir != filepath.Join(home, "tools") {
		t.Errorf("ManifestDir = %q", cfg.Tools.ManifestDir)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
