// Command mock-daemon serves a fake Docker Engine API on a Unix socket so
// rangeconsole --daemon can run without Docker. Containers are grouped into
// ranges by their range_id label; the demo range has a desk and a web room.
//
//	mock-daemon --socket /tmp/rc/docker.sock --flap web --every 20s
//	DOCKER_HOST=unix:///tmp/rc/docker.sock rangeconsole --daemon
//
// With --flap the named room of range 1 is stopped and started again on
// every tick, which drives the console's event log and auto-refresh.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cfilipov/rangeconsole/internal/config"
	"github.com/cfilipov/rangeconsole/internal/docker"
)

func main() {
	socketPath := flag.String("socket", "", "Unix socket path (default: a fresh directory under the temp dir)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	empty := flag.Bool("empty", false, "Start without the demo range")
	flap := flag.String("flap", "", "Room of range 1 to stop and start on every tick")
	every := flag.Duration("every", 15*time.Second, "Interval between flaps")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(*logLevel),
	})))

	if *socketPath == "" {
		dir, err := os.MkdirTemp("", "rangeconsole-daemon-")
		if err != nil {
			slog.Error("socket dir", "err", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
		*socketPath = filepath.Join(dir, "docker.sock")
	}

	fd := docker.NewFakeDaemon()
	if !*empty {
		fd.Seed()
	}

	cleanup, err := docker.StartFakeDaemon(fd, *socketPath)
	if err != nil {
		slog.Error("start fake daemon", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	// Parent processes read the socket path from stdout.
	fmt.Println(*socketPath)
	slog.Info("mock daemon serving", "socket", *socketPath, "seeded", !*empty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *flap != "" && *every > 0 {
		go flapRoom(ctx, fd, *flap, *every)
	}

	<-ctx.Done()
	slog.Info("mock daemon stopping")
}

// flapRoom alternates a room between exited and running.
func flapRoom(ctx context.Context, fd *docker.FakeDaemon, service string, every time.Duration) {
	if _, ok := fd.Container(1, service); !ok {
		slog.Warn("flap: no such room in range 1", "service", service)
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	running := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if running {
			fd.SetState(1, service, "exited", "die")
		} else {
			fd.SetState(1, service, "running", "start")
		}
		running = !running
		slog.Debug("flapped room", "service", service, "running", running)
	}
}
