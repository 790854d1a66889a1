package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yegors/flightwatch/internal/adsb"
	"github.com/yegors/flightwatch/internal/api"
	"github.com/yegors/flightwatch/internal/config"
	"github.com/yegors/flightwatch/internal/events"
	"github.com/yegors/flightwatch/internal/ingest"
	"github.com/yegors/flightwatch/internal/reference"
	"github.com/yegors/flightwatch/internal/storage/clickhouse"
	"github.com/yegors/flightwatch/internal/storage/postgres"
	"github.com/yegors/flightwatch/internal/storage/sqlite"
	"github.com/yegors/flightwatch/internal/tracker"
	"github.com/yegors/flightwatch/internal/websocket"
	"github.com/yegors/flightwatch/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

// flightStore is what the engine writes to and the API reads from
type flightStore interface {
	tracker.Store
	tracker.History
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting flightwatch",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	if err := run(cfg, log); err != nil {
		log.Error("Server failed", logger.Error(err))
		os.Exit(1)
	}
	log.Info("Server fully stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, pg, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	ref, err := openReference(ctx, cfg, pg, log)
	if err != nil {
		return err
	}

	// Event delivery
	dispatcher := events.NewDispatcher(cfg.Events.BufferSize, log)
	wsServer := websocket.NewServer(log)
	if cfg.Events.WebSocket {
		dispatcher.AddSink(wsServer)
	}
	if cfg.Events.NATS.Enabled {
		nc, err := events.Connect(cfg.Events.NATS.URL, "flightwatch-events", log)
		if err != nil {
			return err
		}
		defer nc.Close()
		dispatcher.AddSink(events.NewNATSSink(nc, cfg.Events.NATS.SubjectPrefix))
	}
	var archive *clickhouse.Archive
	if cfg.Events.ClickHouse.Enabled {
		archive, err = clickhouse.Open(ctx, cfg.Events.ClickHouse, log)
		if err != nil {
			return err
		}
		if err := archive.Start(ctx); err != nil {
			return err
		}
		defer archive.Stop()
		dispatcher.AddSink(events.NewArchiveSink(archive))
	}
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	defer dispatcher.Stop()

	// Tracking engine
	engine := tracker.New(store, cfg.Tracking, log,
		tracker.WithEventSink(dispatcher),
		tracker.WithReference(ref))
	if _, err := engine.Restore(ctx); err != nil {
		return fmt.Errorf("restore tracker state: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	// Fix sources
	fixes := ingest.NewDispatcher(engine, cfg.Ingest.Workers, cfg.Ingest.QueueSize, log)
	if err := fixes.Start(ctx); err != nil {
		return err
	}
	defer fixes.Stop()

	if cfg.Ingest.NATS.Enabled {
		nc, err := events.Connect(cfg.Ingest.NATS.URL, "flightwatch-ingest", log)
		if err != nil {
			return err
		}
		defer nc.Close()
		sub, err := ingest.NewNATSSubscriber(nc, cfg.Ingest.NATS, fixes, log)
		if err != nil {
			return err
		}
		if err := sub.Start(ctx); err != nil {
			return err
		}
		defer sub.Stop()
	}

	var feed *adsb.Feed
	if cfg.Ingest.ADSB.Enabled {
		client := adsb.NewClient(cfg.Ingest.ADSB, log)
		feed = adsb.NewFeed(client, fixes, "adsb-"+client.Source(),
			config.Seconds(cfg.Ingest.ADSB.FetchIntervalSecs), log)
		if err := feed.Start(ctx); err != nil {
			return err
		}
		defer feed.Stop()
	}

	// API
	handler := api.NewHandler(engine, store, wsServer, api.Options{
		FixSubmitRate:     cfg.Server.FixSubmitRate,
		FixSubmitBurst:    cfg.Server.FixSubmitBurst,
		MaxFixesPerSubmit: cfg.Server.MaxFixesPerSubmit,
	}, log)
	handler.AddStatus("ingest", func() any { return fixes.Stats() })
	handler.AddStatus("events", func() any {
		sent, dropped := dispatcher.Stats()
		return map[string]int64{"sent": sent, "dropped": dropped}
	})
	if feed != nil {
		handler.AddStatus("adsb", func() any {
			last, ok := feed.Status()
			return map[string]any{"last_fetch": last, "ok": ok}
		})
	}
	if archive != nil {
		handler.AddStatus("clickhouse", func() any {
			return map[string]int{"pending": archive.Pending()}
		})
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  config.Seconds(cfg.Server.ReadTimeoutSecs),
		WriteTimeout: config.Seconds(cfg.Server.WriteTimeoutSecs),
		IdleTimeout:  config.Seconds(cfg.Server.IdleTimeoutSecs),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsServer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", logger.Error(err))
		}
		return nil
	})

	// Deferred stops run in reverse: sources first, then the engine, then events and storage
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (flightStore, *postgres.Store, func(), error) {
	switch cfg.Storage.Type {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Storage.Postgres, log)
		if err != nil {
			return nil, nil, nil, err
		}
		return pg, pg, pg.Close, nil
	case "memory":
		log.Warn("Using in-memory storage; flights are lost on restart")
		return tracker.NewMemoryStore(), nil, func() {}, nil
	default:
		dir := filepath.Dir(cfg.Storage.SQLitePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
		s, err := sqlite.New(cfg.Storage.SQLitePath, log)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, nil, func() {
			if err := s.Close(); err != nil {
				log.Error("Failed to close SQLite storage", logger.Error(err))
			}
		}, nil
	}
}

// openReference loads runway and airport data. The postgres source is seeded
// from the configured files when they are set.
func openReference(ctx context.Context, cfg *config.Config, pg *postgres.Store, log *logger.Logger) (reference.Source, error) {
	rc := cfg.Reference
	idx := reference.NewIndex(rc.AirportRangeM)
	if rc.AirportsCSVPath != "" && rc.RunwaysCSVPath != "" {
		if err := idx.LoadOurAirportsFiles(rc.AirportsCSVPath, rc.RunwaysCSVPath); err != nil {
			return nil, err
		}
	}
	if rc.RunwaysJSONPath != "" {
		if err := idx.LoadRunwayJSONFile(rc.RunwaysJSONPath); err != nil {
			return nil, err
		}
	}
	airports, ends := idx.Counts()
	log.Info("Loaded reference data",
		logger.Int("airports", airports),
		logger.Int("runway_ends", ends))

	var src reference.Source = idx
	if rc.Source == "postgres" {
		pref := pg.Reference(rc.AirportRangeM)
		if airports > 0 || ends > 0 {
			n, err := pref.Import(ctx, idx)
			if err != nil {
				return nil, err
			}
			log.Info("Imported reference data into PostgreSQL", logger.Int("rows", n))
		}
		src = pref
	}
	if rc.CacheSize > 0 {
		src = reference.NewCached(src, rc.CacheSize, config.Seconds(rc.CacheTTLSecs))
	}
	return src, nil
}
