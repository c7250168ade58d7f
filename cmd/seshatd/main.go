// Package main provides the seshatd entry point: the session runtime
// daemon exposing the HTTP API and SSE event streams.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm/logger"

	"github.com/seshat-ai/seshat/internal/config"
	"github.com/seshat-ai/seshat/internal/db"
	"github.com/seshat-ai/seshat/internal/events"
	"github.com/seshat-ai/seshat/internal/ltm"
	"github.com/seshat-ai/seshat/internal/promotion"
	"github.com/seshat-ai/seshat/internal/server"
	"github.com/seshat-ai/seshat/internal/session"
	"github.com/seshat-ai/seshat/internal/telemetry"
	"github.com/seshat-ai/seshat/internal/tokens"
	"github.com/seshat-ai/seshat/internal/watcher"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	dataDir := flag.String("data-dir", "", "Data directory (default: ~/.seshat)")
	port := flag.Int("port", 0, "HTTP port (default: from settings)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directories")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}
	if *port > 0 {
		cfg.HTTPPort = *port
	}
	if *dataDir != "" {
		cfg.DBPath = *dataDir + "/seshat.db"
	}
	applyLogLevel(cfg.LogLevel, *debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down")
		cancel()
	}()

	store, err := db.NewStore(db.Config{
		Backend:  db.Backend(cfg.Backend),
		Path:     cfg.DBPath,
		DSN:      cfg.DSN,
		MaxConns: cfg.MaxConns,
		LogLevel: logger.Silent,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer store.Close()

	ltmStore := ltm.NewStore(store)
	retrieval := ltm.NewRetrieval(retrievalCache(cfg))
	ltmStore.SetInvalidator(retrieval.Invalidate)

	bus := events.NewBus()

	metrics, err := telemetry.New()
	if err != nil {
		log.Warn().Err(err).Msg("Telemetry unavailable, counters disabled")
		metrics = nil
	}

	budget := tokens.DefaultBudget()
	if cfg.TokenBudget > 0 {
		budget.MaxTokens = cfg.TokenBudget
	}
	var estimator tokens.Estimator
	if enc, err := tokens.NewEncoder(); err != nil {
		log.Warn().Err(err).Msg("BPE tokenizer unavailable, using heuristic estimator")
		estimator = tokens.Heuristic{}
	} else {
		estimator = enc
	}
	promoOpts := promotion.DefaultOptions()
	if cfg.PromotionBatchSize > 0 {
		promoOpts.BatchSize = cfg.PromotionBatchSize
	}
	if cfg.MinImportance > 0 {
		promoOpts.MinImportance = cfg.MinImportance
	}

	manager := session.NewManager(store, ltmStore, retrieval, bus, metrics, session.Options{
		PromotionInterval: time.Duration(cfg.PromotionIntervalSec) * time.Second,
		DefaultTimeoutMin: cfg.SessionTimeoutMin,
		Budget:            budget,
		Estimator:         estimator,
		Promotion:         promoOpts,
	})

	svc := server.NewService(Version, cfg, manager, bus)

	startSettingsWatcher(*debug)

	log.Info().
		Str("version", Version).
		Int("port", cfg.HTTPPort).
		Str("backend", cfg.Backend).
		Msg("Starting seshatd")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(svc.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		manager.ShutdownAll(shutdownCtx)
		return svc.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}
}

// retrievalCache picks the cache backend: Redis when configured,
// otherwise the in-process TTL cache.
func retrievalCache(cfg *config.Config) ltm.Cache {
	if cfg.RedisAddr == "" {
		return nil
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis retrieval cache")
	return ltm.NewRedisCache(cfg.RedisAddr, ltm.DefaultCacheTTL)
}

func applyLogLevel(level string, debug bool) {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	if parsed, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(parsed)
	}
}

// startSettingsWatcher re-applies the log level when the settings file
// changes.
func startSettingsWatcher(debug bool) {
	settingsPath := config.SettingsPath()
	w, err := watcher.New(settingsPath, func() {
		cfg, err := config.Load()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to reload settings")
			return
		}
		applyLogLevel(cfg.LogLevel, debug)
		log.Info().Str("logLevel", cfg.LogLevel).Msg("Settings reloaded")
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create settings watcher")
		return
	}
	if err := w.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start settings watcher")
		return
	}
	log.Info().Str("path", settingsPath).Msg("Settings file watcher started")
}
