package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "RANGECONSOLE_"

type Config struct {
	Port          int
	DataDir       string
	ConfigFile    string
	Backend       string // Provisioning API base URL
	BackendToken  string // Bearer token sent to the backend
	SessionCookie string // name=value cookie sent to the backend
	Daemon        bool   // Read ranges from the local Docker daemon instead of the backend
	Auth          bool   // Require operator tokens on the websocket
	Pprof         bool
	Refresh       time.Duration // Minimum spacing of event-driven refreshes
	Links         LinkConfig
	LogLevel      slog.Level // Parsed log level (debug, info, warn, error)
}

// LinkConfig controls how access links are built. It can change at runtime
// through the config file.
type LinkConfig struct {
	OriginHost string `yaml:"origin_host"`
	Domain     string `yaml:"domain"`
	RouterPort int    `yaml:"router_port"`
	VNCPort    int    `yaml:"vnc_port"`
}

// File is the YAML config file layout. Zero values mean "not set".
type File struct {
	Port          int        `yaml:"port"`
	DataDir       string     `yaml:"data_dir"`
	Backend       string     `yaml:"backend"`
	BackendToken  string     `yaml:"backend_token"`
	SessionCookie string     `yaml:"session_cookie"`
	Daemon        bool       `yaml:"daemon"`
	Auth          bool       `yaml:"auth"`
	Refresh       string     `yaml:"refresh"`
	LogLevel      string     `yaml:"log_level"`
	Links         LinkConfig `yaml:"links"`
}

// Parse reads flags from args, then the YAML file for anything not given on
// the command line, then RANGECONSOLE_* environment overrides.
func Parse(args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("rangeconsole", flag.ContinueOnError)

	var logLevel, refresh string
	fs.IntVar(&cfg.Port, "port", 5080, "HTTP server port")
	fs.StringVar(&cfg.DataDir, "data-dir", "./data", "Path to data directory (bbolt DB)")
	fs.StringVar(&cfg.ConfigFile, "config", "", "Path to YAML config file")
	fs.StringVar(&cfg.Backend, "backend", "http://127.0.0.1:8080", "Provisioning API base URL")
	fs.StringVar(&cfg.BackendToken, "backend-token", "", "Bearer token for the provisioning API")
	fs.StringVar(&cfg.SessionCookie, "session-cookie", "", "Session cookie for the provisioning API (name=value)")
	fs.BoolVar(&cfg.Daemon, "daemon", false, "Read ranges from the local Docker daemon")
	fs.BoolVar(&cfg.Auth, "auth", false, "Require operator tokens on the websocket")
	fs.BoolVar(&cfg.Pprof, "pprof", false, "Enable /debug/pprof/ endpoints")
	fs.StringVar(&refresh, "refresh", "2s", "Minimum spacing of event-driven refreshes (0 disables)")
	fs.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Links.OriginHost, "origin-host", "", "Host used for direct port links")
	fs.StringVar(&cfg.Links.Domain, "domain", "localhost", "Domain for per-room hostnames")
	fs.IntVar(&cfg.Links.RouterPort, "router-port", 0, "Port of the hostname router (0 for default)")
	fs.IntVar(&cfg.Links.VNCPort, "vnc-port", 6080, "Container port that serves the VNC client")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if v := getenv(envPrefix + "CONFIG"); v != "" {
		cfg.ConfigFile = v
	}
	if cfg.ConfigFile != "" {
		file, err := Load(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		file.apply(cfg, set, &logLevel, &refresh)
	}

	// Env vars override flags (if set)
	if v := getenv(envPrefix + "PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := getenv(envPrefix + "DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := getenv(envPrefix + "BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := getenv(envPrefix + "BACKEND_TOKEN"); v != "" {
		cfg.BackendToken = v
	}
	if v := getenv(envPrefix + "SESSION_COOKIE"); v != "" {
		cfg.SessionCookie = v
	}
	if v := getenv(envPrefix + "DAEMON"); v == "1" || v == "true" {
		cfg.Daemon = true
	}
	if v := getenv(envPrefix + "AUTH"); v == "1" || v == "true" {
		cfg.Auth = true
	}
	if v := getenv(envPrefix + "PPROF"); v == "1" || v == "true" {
		cfg.Pprof = true
	}
	if v := getenv(envPrefix + "REFRESH"); v != "" {
		refresh = v
	}
	if v := getenv(envPrefix + "LOG_LEVEL"); v != "" {
		logLevel = v
	}
	if v := getenv(envPrefix + "ORIGIN_HOST"); v != "" {
		cfg.Links.OriginHost = v
	}
	if v := getenv(envPrefix + "DOMAIN"); v != "" {
		cfg.Links.Domain = v
	}
	if v := getenv(envPrefix + "ROUTER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Links.RouterPort = p
		}
	}
	if v := getenv(envPrefix + "VNC_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Links.VNCPort = p
		}
	}

	d, err := time.ParseDuration(refresh)
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	cfg.Refresh = d
	cfg.LogLevel = ParseLogLevel(logLevel)

	return cfg, nil
}

// Load reads a YAML config file.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &f, nil
}

// apply copies file values into cfg for every flag that was not set.
func (f *File) apply(cfg *Config, set map[string]bool, logLevel, refresh *string) {
	if f.Port != 0 && !set["port"] {
		cfg.Port = f.Port
	}
	if f.DataDir != "" && !set["data-dir"] {
		cfg.DataDir = f.DataDir
	}
	if f.Backend != "" && !set["backend"] {
		cfg.Backend = f.Backend
	}
	if f.BackendToken != "" && !set["backend-token"] {
		cfg.BackendToken = f.BackendToken
	}
	if f.SessionCookie != "" && !set["session-cookie"] {
		cfg.SessionCookie = f.SessionCookie
	}
	if f.Daemon && !set["daemon"] {
		cfg.Daemon = true
	}
	if f.Auth && !set["auth"] {
		cfg.Auth = true
	}
	if f.Refresh != "" && !set["refresh"] {
		*refresh = f.Refresh
	}
	if f.LogLevel != "" && !set["log-level"] {
		*logLevel = f.LogLevel
	}
	f.Links.merge(&cfg.Links, set)
}

func (l LinkConfig) merge(dst *LinkConfig, set map[string]bool) {
	if l.OriginHost != "" && !set["origin-host"] {
		dst.OriginHost = l.OriginHost
	}
	if l.Domain != "" && !set["domain"] {
		dst.Domain = l.Domain
	}
	if l.RouterPort != 0 && !set["router-port"] {
		dst.RouterPort = l.RouterPort
	}
	if l.VNCPort != 0 && !set["vnc-port"] {
		dst.VNCPort = l.VNCPort
	}
}

// Reloaded returns the runtime-tunable settings after the file changed.
// Values missing from the file keep their current setting.
func (c *Config) Reloaded(f *File) (LinkConfig, slog.Level) {
	links := c.Links
	f.Links.merge(&links, nil)
	level := c.LogLevel
	if f.LogLevel != "" {
		level = ParseLogLevel(f.LogLevel)
	}
	return links, level
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
