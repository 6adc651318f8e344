package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"folio/api/internal/app"
	"folio/api/internal/cache"
	"folio/api/internal/config"
	"folio/api/internal/history"
	"folio/api/internal/logging"
	"folio/api/internal/metrics"
	"folio/api/internal/search"
	"folio/api/internal/snapshot"
	"folio/api/internal/store"
	"folio/api/internal/versioning"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// The logger is configured from cfg, so report through a default one.
		log := logging.New(logging.Config{})
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().Str("config", cfg.String()).Msg("starting folio api")
	ctx := context.Background()

	dialect, err := store.ParseDialect(cfg.StoreDriver)
	if err != nil {
		log.Fatal().Err(err).Msg("unsupported store driver")
	}
	dsn := cfg.DatabaseURL
	if dialect == store.SQLite {
		dsn = cfg.SQLitePath
	}
	db, err := store.Open(ctx, dialect, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, dialect); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewSQLStore(db, dialect)
	m := metrics.New()
	deps := app.Deps{
		Store:   dataStore,
		Metrics: m,
		Logger:  log,
	}
	opts := versioning.Options{
		Logger:      log,
		Metrics:     m,
		MaxAttempts: cfg.IngestMaxAttempts,
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		snapshotCache, err := cache.New(cfg.RedisURL, cfg.BootstrapCacheTTL(), log)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer snapshotCache.Close()
		opts.Cache = snapshotCache
		deps.Cache = snapshotCache
		log.Info().Msg("bootstrap cache enabled")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewStoreSearcher(dataStore, nil), nil, log)
	opts.Hooks = append(opts.Hooks, searchService)
	deps.Search = searchService

	if strings.TrimSpace(cfg.HistoryMirrorDir) != "" {
		if err := os.MkdirAll(cfg.HistoryMirrorDir, 0o755); err != nil {
			log.Fatal().Err(err).Msg("failed to create history mirror dir")
		}
		mirror := history.New(cfg.HistoryMirrorDir, nil, log)
		opts.Hooks = append(opts.Hooks, mirror)
		deps.History = mirror
		log.Info().Str("dir", cfg.HistoryMirrorDir).Msg("history mirror enabled")
	}

	if strings.TrimSpace(cfg.S3Endpoint) != "" && strings.TrimSpace(cfg.S3Bucket) != "" {
		presigner, err := snapshot.New(snapshot.Config{
			Endpoint:   cfg.S3Endpoint,
			Region:     cfg.S3Region,
			Bucket:     cfg.S3Bucket,
			AccessKey:  cfg.S3AccessKey,
			SecretKey:  cfg.S3SecretKey,
			UseSSL:     cfg.S3UseSSL,
			PresignTTL: cfg.S3PresignTTL(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("s3 client setup failed")
		}
		deps.Presigner = presigner
	}

	deps.Engine = versioning.NewEngine(dataStore, opts)
	service := app.New(cfg, deps)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("driver", string(dialect)).Msg("folio api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("folio api stopped")
}
