package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/livequery/admin"
	"github.com/maxpert/livequery/cfg"
	"github.com/maxpert/livequery/db"
	"github.com/maxpert/livequery/notify"
	"github.com/maxpert/livequery/publisher"
	_ "github.com/maxpert/livequery/publisher/sink"
	"github.com/maxpert/livequery/telemetry"
	"github.com/maxpert/livequery/watch"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	shutdownTimeout   = 10 * time.Second
	collectorInterval = 5 * time.Second
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("livequery failed")
	}
	log.Info().Msg("livequery stopped")
}

func run(ctx context.Context) error {
	bus := notify.Default()
	defer notify.ShutdownDefault()

	log.Info().Msg("Opening store")
	store, err := db.Open(db.OptionsFromConfig(bus))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	// Forwarding registers on the bus before anything can commit
	registry, err := publisher.NewRegistry(publisher.RegistryConfig{
		DataDir: cfg.Config.DataDir,
		Sinks:   cfg.Config.Forward,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize forwarding: %w", err)
	}
	if err := registry.Start(bus); err != nil {
		registry.Stop()
		return fmt.Errorf("failed to start forwarding: %w", err)
	}
	defer registry.Stop()

	collector := telemetry.NewMetricsCollector(registry, collectorInterval)
	collector.Start()
	defer collector.Stop()

	watches, err := watch.Start(ctx, store, bus, cfg.Config.Watch)
	if err != nil {
		return fmt.Errorf("failed to start watches: %w", err)
	}
	defer watches.Close()

	if cfg.Config.Admin.Enabled {
		srv := startAdminServer(store, bus, watches, registry)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("source_id", cfg.SourceID()).
		Str("data_dir", cfg.Config.DataDir).
		Int("watches", len(cfg.Config.Watch)).
		Int("sinks", len(cfg.Config.Forward)).
		Msg("livequery started")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	return nil
}

func startAdminServer(store *db.Store, bus *notify.Bus, watches *watch.Set, registry *publisher.Registry) *http.Server {
	mux := http.NewServeMux()
	handlers := admin.NewAdminHandlers(store, bus, watches, registry)
	admin.RegisterRoutes(mux, handlers, cfg.Config.Admin.Secret, telemetry.GetMetricsHandler())

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Config.Admin.Address, cfg.Config.Admin.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("address", srv.Addr).Msg("Admin server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
	return srv
}
