// Command mock-backend serves an in-memory provisioning API with a seeded
// demo range, for running rangeconsole without the real backend.
//
// Usage:
//
//	mock-backend --addr 127.0.0.1:8080
//	rangeconsole --backend http://127.0.0.1:8080
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cfilipov/rangeconsole/internal/config"
	"github.com/cfilipov/rangeconsole/internal/testutil"
)

func main() {
	var (
		addr     string
		logLevel string
		ticker   time.Duration
	)

	flag.StringVar(&addr, "addr", "127.0.0.1:8080", "Listen address")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.DurationVar(&ticker, "heartbeat", 0, "Emit a heartbeat event on range 1 at this interval (0 disables)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(logLevel),
	})))

	backend := testutil.NewFakeBackend()
	backend.Seed()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if ticker > 0 {
		go func() {
			t := time.NewTicker(ticker)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					backend.Emit(1, "debug", "heartbeat", "backend alive")
				}
			}
		}()
	}

	// No WriteTimeout: event streams stay open.
	srv := &http.Server{
		Addr:              addr,
		Handler:           backend.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		slog.Info("mock backend listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
