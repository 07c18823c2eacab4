/*
main.go - Application entry point

PURPOSE:
  Starts the petal economy server: loads configuration, opens the chosen
  store, assembles the engine and router, schedules the idempotency purge,
  and shuts down gracefully on SIGINT/SIGTERM.

CONFIGURATION:
  Environment variables (PETALS_*, see config/config.go) carry the full
  configuration; the flags below override the common ones for local runs.

FLAGS:
  -addr   Listen address (overrides PETALS_ADDR)
  -db     SQLite database path (overrides PETALS_SQLITE_PATH);
          use ":memory:" for a throwaway database
  -caps   TOML cap-table override file (overrides PETALS_CAPS_FILE)

EXAMPLES:
  # Local run with a throwaway database
  ./server -db=":memory:"

  # PostgreSQL deployment
  PETALS_STORE=postgres PETALS_POSTGRES_DSN=postgres://... ./server
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hanami/petal-engine/api"
	"github.com/hanami/petal-engine/config"
	"github.com/hanami/petal-engine/jobs"
	"github.com/hanami/petal-engine/petals"
	memstore "github.com/hanami/petal-engine/petals/store"
	"github.com/hanami/petal-engine/store/postgres"
	"github.com/hanami/petal-engine/store/sqlite"
)

func main() {
	addr := flag.String("addr", "", "listen address (overrides PETALS_ADDR)")
	dbPath := flag.String("db", "", "SQLite database path (overrides PETALS_SQLITE_PATH)")
	capsFile := flag.String("caps", "", "TOML cap-table override file (overrides PETALS_CAPS_FILE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.SQLitePath = *dbPath
	}
	if *capsFile != "" {
		cfg.CapsFile = *capsFile
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Fatal("bad log level")
	}
	log.SetLevel(level)
	log.SetFormatter(&log.JSONFormatter{})

	loc, err := cfg.Location()
	if err != nil {
		log.WithError(err).Fatal("bad timezone")
	}
	caps, err := cfg.CapTable()
	if err != nil {
		log.WithError(err).Fatal("failed to load cap table")
	}
	bonusRate, err := cfg.BonusRate()
	if err != nil {
		log.WithError(err).Fatal("bad bonus rate")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store petals.Store
	switch cfg.StoreBackend {
	case "sqlite":
		store, err = sqlite.New(cfg.SQLitePath)
	case "postgres":
		store, err = postgres.New(ctx, cfg.PostgresDSN)
	case "memory":
		store = memstore.NewMemory()
	}
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}
	defer store.Close()

	engine := petals.NewEngine(store, petals.Options{
		Caps:      caps,
		Location:  loc,
		BonusRate: bonusRate,
		KeyTTL:    cfg.IdempotencyTTL,
	})

	scheduler := jobs.NewScheduler(engine, loc)
	if err := scheduler.Start(ctx, cfg.PurgeSchedule); err != nil {
		log.WithError(err).Fatal("failed to start scheduler")
	}
	defer scheduler.Stop()

	router := api.NewRouter(api.NewHandler(engine))

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithFields(log.Fields{
			"addr":  cfg.Addr,
			"store": cfg.StoreBackend,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Fatal("forced shutdown")
	}

	log.Info("server stopped")
}
