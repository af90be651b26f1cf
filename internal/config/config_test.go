package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "rangeconsole.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(nil, env(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 5080 || cfg.DataDir != "./data" || cfg.Backend != "http://127.0.0.1:8080" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Links.Domain != "localhost" || cfg.Links.VNCPort != 6080 {
		t.Errorf("links = %+v", cfg.Links)
	}
	if cfg.Refresh != 2*time.Second || cfg.LogLevel != slog.LevelInfo {
		t.Errorf("refresh = %v level = %v", cfg.Refresh, cfg.LogLevel)
	}
}

func TestParsePrecedence(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), `
port: 7000
backend: http://file:1
log_level: debug
links:
  domain: file.example
  router_port: 8443
`)

	cfg, err := Parse(
		[]string{"--config", path, "--backend", "http://flag:1"},
		env(map[string]string{"RANGECONSOLE_PORT": "9000", "RANGECONSOLE_AUTH": "true"}),
	)
	if err != nil {
		t.Fatal(err)
	}
	// env > flag > file > default
	if cfg.Port != 9000 {
		t.Errorf("port = %d, want env value", cfg.Port)
	}
	if cfg.Backend != "http://flag:1" {
		t.Errorf("backend = %q, want flag value", cfg.Backend)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("level = %v, want file value", cfg.LogLevel)
	}
	if cfg.Links.Domain != "file.example" || cfg.Links.RouterPort != 8443 || cfg.Links.VNCPort != 6080 {
		t.Errorf("links = %+v", cfg.Links)
	}
	if !cfg.Auth {
		t.Error("auth env ignored")
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, env(nil)); err == nil {
		t.Error("missing config file accepted")
	}
	if _, err := Parse([]string{"--refresh", "soon"}, env(nil)); err == nil {
		t.Error("bad refresh accepted")
	}
	bad := writeFile(t, t.TempDir(), "port: [nope")
	if _, err := Parse([]string{"--config", bad}, env(nil)); err == nil {
		t.Error("malformed yaml accepted")
	}
}

func TestReloaded(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Links:    LinkConfig{Domain: "old.example", VNCPort: 6080},
		LogLevel: slog.LevelInfo,
	}
	links, level := cfg.Reloaded(&File{LogLevel: "warn", Links: LinkConfig{Domain: "new.example"}})
	if links.Domain != "new.example" || links.VNCPort != 6080 {
		t.Errorf("links = %+v", links)
	}
	if level != slog.LevelWarn {
		t.Errorf("level = %v", level)
	}

	_, level = cfg.Reloaded(&File{})
	if level != slog.LevelInfo {
		t.Errorf("empty file changed level to %v", level)
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" WARN ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"chatty", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWatchReloads(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "log_level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *File, 4)
	if err := Watch(ctx, path, func(f *File) { got <- f }); err != nil {
		t.Fatal(err)
	}

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("log_level: debug\nlinks:\n  domain: lab.example\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-got:
		if f.LogLevel != "debug" || f.Links.Domain != "lab.example" {
			t.Errorf("reloaded = %+v", f)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
}
