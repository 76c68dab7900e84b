package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/agendaweek/internal/agenda"
	"github.com/dukerupert/agendaweek/internal/cache"
	"github.com/dukerupert/agendaweek/internal/config"
	"github.com/dukerupert/agendaweek/internal/database"
	"github.com/dukerupert/agendaweek/internal/logging"
	"github.com/dukerupert/agendaweek/internal/planner"
	"github.com/dukerupert/agendaweek/internal/server"
	"github.com/dukerupert/agendaweek/internal/store"
	"github.com/dukerupert/agendaweek/internal/syncer"
	"github.com/dukerupert/agendaweek/internal/upstream"
	ws "github.com/dukerupert/agendaweek/internal/websocket"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.PathEnv), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	zone := cfg.Zone()

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	weekCache, closeCache, err := openCache(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open cache", "error", err)
		os.Exit(1)
	}
	defer closeCache()

	norm, err := agenda.NewNormalizer(agenda.Config{
		Zone:         zone,
		DefaultColor: cfg.DefaultColor,
		Logger:       logger.With("component", "normalizer"),
	})
	if err != nil {
		logger.Error("failed to create normalizer", "error", err)
		os.Exit(1)
	}

	eventStore := store.NewRawEventStore(db)
	runStore := store.NewSyncRunStore(db)

	plan, err := planner.New(planner.Config{
		Store:      eventStore,
		Normalizer: norm,
		FirstDay:   cfg.FirstDay(),
		Cache:      weekCache,
		Logger:     logger.With("component", "planner"),
	})
	if err != nil {
		logger.Error("failed to create planner", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub(logger.With("component", "websocket"))

	client := upstream.NewClient(upstream.Config{
		BaseURL: cfg.UpstreamURL,
		Token:   cfg.UpstreamToken,
		Timeout: cfg.UpstreamTimeout,
	}, logger.With("component", "upstream"))

	syncSvc, err := syncer.New(syncer.Config{
		Fetcher:       client,
		Events:        eventStore,
		Runs:          runStore,
		Weeks:         plan,
		Normalizer:    norm,
		Hub:           hub,
		PrefetchWeeks: cfg.PrefetchWeeks,
		Logger:        logger.With("component", "sync"),
	})
	if err != nil {
		logger.Error("failed to create syncer", "error", err)
		os.Exit(1)
	}

	var sched *syncer.Scheduler
	if client.Configured() {
		sched, err = syncer.NewScheduler(syncSvc, cfg.SyncCron, zone, logger.With("component", "scheduler"))
		if err != nil {
			logger.Error("failed to create scheduler", "error", err)
			os.Exit(1)
		}
		sched.Start(ctx)
		go sched.RunNow()
	} else {
		logger.Info("upstream not configured, scheduled sync disabled")
	}

	srv := server.New(server.Config{
		IngestTokenHash:  cfg.IngestTokenHash,
		WSOriginPatterns: cfg.WSOriginPatterns,
		WriteLimit:       cfg.WriteLimit,
	}, plan, syncSvc, runStore, hub, logger)
	go srv.RunCleanup(ctx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("agendaweek running", "addr", fmt.Sprintf("http://localhost:%s", cfg.Port), "zone", zone.String(), "week_start", cfg.FirstDay().String())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	if sched != nil {
		sched.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// openCache picks Redis when a URL is configured and the in-process cache
// otherwise.
func openCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cache.Cache, func(), error) {
	if cfg.RedisURL == "" {
		return cache.NewMemory(cfg.CacheTTL), func() {}, nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rc, err := cache.OpenRedis(pingCtx, cfg.RedisURL, cfg.RedisPrefix, cfg.CacheTTL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using redis week cache", "prefix", cfg.RedisPrefix)
	return rc, func() {
		if err := rc.Close(); err != nil {
			logger.Warn("close redis", "error", err)
		}
	}, nil
}
