package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cfilipov/rangeconsole/internal/access"
	"github.com/cfilipov/rangeconsole/internal/api"
	"github.com/cfilipov/rangeconsole/internal/config"
	"github.com/cfilipov/rangeconsole/internal/db"
	"github.com/cfilipov/rangeconsole/internal/docker"
	"github.com/cfilipov/rangeconsole/internal/handlers"
	"github.com/cfilipov/rangeconsole/internal/models"
	"github.com/cfilipov/rangeconsole/internal/session"
	"github.com/cfilipov/rangeconsole/internal/ws"
)

// version is set at build time via -ldflags="-X main.version=..."
var version = "0.1.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "healthcheck":
			// Used by a container HEALTHCHECK; no server initialization.
			os.Exit(healthcheck())
		case "token":
			os.Exit(runToken(os.Args[2:]))
		}
	}

	cfg, err := config.Parse(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := new(slog.LevelVar)
	level.Set(cfg.LogLevel)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	slog.Info("starting rangeconsole",
		"version", version,
		"port", cfg.Port,
		"dataDir", cfg.DataDir,
		"backend", cfg.Backend,
		"daemon", cfg.Daemon,
		"auth", cfg.Auth,
		"pprof", cfg.Pprof,
		"logLevel", cfg.LogLevel,
	)

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		slog.Error("database", "err", err)
		os.Exit(1)
	}
	defer database.Close()

	prefs := models.NewPrefStore(database)
	tokens := models.NewTokenStore(database, prefs)
	if cfg.Auth {
		if _, err := tokens.EnsureSecret(); err != nil {
			slog.Error("token secret", "err", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("authentication disabled, pass --auth to require operator tokens")
	}

	backend, mode, closeBackend, err := openBackend(cfg)
	if err != nil {
		slog.Error("backend", "err", err)
		os.Exit(1)
	}
	defer closeBackend()

	wss := ws.NewServer()
	app := &handlers.App{
		WS:        wss,
		Directory: backend,
		Tokens:    tokens,
		NoAuth:    !cfg.Auth,
		Version:   version,
		Mode:      mode,
	}
	app.InitBroadcast()

	opts := append(app.SessionOptions(),
		session.WithPrefs(prefs),
		session.WithLinkOptions(linkOptions(cfg.Links)),
		session.WithRefreshInterval(cfg.Refresh),
	)
	sess := session.New(backend, opts...)
	app.Session = sess

	handlers.RegisterAuthHandlers(app)
	handlers.RegisterRangeHandlers(app)
	handlers.RegisterRoomHandlers(app)

	mux := http.NewServeMux()
	mux.Handle("/ws", wss)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", netpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", netpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", netpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", netpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", netpprof.Trace)
		slog.Info("pprof enabled at /debug/pprof/")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	restoreCtx, cancelRestore := context.WithTimeout(ctx, 30*time.Second)
	if err := sess.Restore(restoreCtx); err != nil {
		slog.Warn("restore last range", "err", err)
	}
	cancelRestore()

	if cfg.ConfigFile != "" {
		err := config.Watch(ctx, cfg.ConfigFile, func(f *config.File) {
			links, lvl := cfg.Reloaded(f)
			level.Set(lvl)
			sess.SetLinkOptions(linkOptions(links))
			slog.Info("config reloaded", "logLevel", lvl, "domain", links.Domain)
		})
		if err != nil {
			slog.Warn("config watcher failed to start", "err", err)
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listening", "addr", addr, "mode", mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sess.Shutdown()
		wss.CloseAll()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		slog.Error("server", "err", err)
		os.Exit(1)
	}
}

// rangeBackend is everything the console needs from where ranges live.
type rangeBackend interface {
	session.Backend
	handlers.Directory
}

// openBackend picks the provisioning API or, with --daemon, the local
// Docker daemon.
func openBackend(cfg *config.Config) (rangeBackend, string, func() error, error) {
	if cfg.Daemon {
		src, err := docker.NewSource()
		if err != nil {
			return nil, "", nil, err
		}
		return src, "daemon", src.Close, nil
	}

	var opts []api.Option
	if cfg.BackendToken != "" {
		opts = append(opts, api.WithBearerToken(cfg.BackendToken))
	}
	if cfg.SessionCookie != "" {
		name, value, ok := strings.Cut(cfg.SessionCookie, "=")
		if !ok {
			return nil, "", nil, fmt.Errorf("session cookie %q is not name=value", cfg.SessionCookie)
		}
		opts = append(opts, api.WithSessionCookie(name, value))
	}
	client, err := api.NewClient(cfg.Backend, opts...)
	if err != nil {
		return nil, "", nil, err
	}
	return client, "backend", func() error { return nil }, nil
}

func linkOptions(l config.LinkConfig) access.Options {
	return access.Options{
		OriginHost: l.OriginHost,
		Domain:     l.Domain,
		RouterPort: l.RouterPort,
		VNCPort:    l.VNCPort,
	}
}

func healthcheck() int {
	port := "5080"
	if v := os.Getenv("RANGECONSOLE_PORT"); v != "" {
		port = v
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/healthz")
	if err != nil {
		return 1
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// runToken mints or revokes operator tokens. It opens the database
// directly, so the server must not be holding it.
func runToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	dataDir := fs.String("data-dir", envOr("RANGECONSOLE_DATA_DIR", "./data"), "Path to data directory (bbolt DB)")
	operator := fs.String("operator", "", "Operator the token identifies")
	ttl := fs.Duration("ttl", models.DefaultTokenTTL, "Token lifetime")
	revoke := fs.Bool("revoke", false, "Revoke every token of the operator instead of minting one")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	database, err := db.Open(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open database:", err)
		return 1
	}
	defer database.Close()
	tokens := models.NewTokenStore(database, models.NewPrefStore(database))

	if *revoke {
		if err := tokens.Revoke(*operator); err != nil {
			fmt.Fprintln(os.Stderr, "revoke:", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "revoked all tokens of %s\n", *operator)
		return 0
	}

	token, err := tokens.Mint(*operator, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mint:", err)
		return 1
	}
	fmt.Println(token)
	return 0
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
