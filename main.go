package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"charla/server/internal/core"
	"charla/server/internal/httpapi"
	"charla/server/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

type config struct {
	Addr      string `envconfig:"ADDR" default:":8080"`
	DBPath    string `envconfig:"DB" default:"charla.db"`
	StaticDir string `envconfig:"STATIC_DIR" default:""`
	Name      string `envconfig:"NAME" default:"charla"`
	Debug     bool   `envconfig:"DEBUG" default:"false"`
}

func main() {
	// Defaults, then CHARLA_* environment, then flags. Flags win.
	var cfg config
	if err := envconfig.Process("charla", &cfg); err != nil {
		slog.Error("read environment config", "err", err)
		os.Exit(1)
	}
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite history database path")
	flag.StringVar(&cfg.StaticDir, "static-dir", cfg.StaticDir, "Static asset directory (empty disables)")
	flag.StringVar(&cfg.Name, "name", cfg.Name, "Server display name")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	level := slog.LevelInfo
	if cfg.Debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting server", "version", Version, "addr", cfg.Addr, "db", cfg.DBPath)

	history, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open history store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := history.Close(); closeErr != nil {
			slog.Error("close history store", "err", closeErr)
		}
	}()

	bans := core.NewLedger()
	presence := core.NewRegistry(bans)
	groups := core.NewDirectory()
	router := core.NewRouter(cfg.Name, presence, groups, bans, history)
	server := httpapi.New(router, cfg.StaticDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go core.RunMetrics(ctx, router, time.Minute)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	slog.Info("listening", "addr", cfg.Addr)
	if err := server.Run(ctx, cfg.Addr); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
