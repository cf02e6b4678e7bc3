package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cyphire/api/internal/app"
	"cyphire/api/internal/blob"
	"cyphire/api/internal/cache"
	"cyphire/api/internal/config"
	"cyphire/api/internal/logging"
	"cyphire/api/internal/metrics"
	"cyphire/api/internal/realtime"
	"cyphire/api/internal/search"
	"cyphire/api/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.Development())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("cyphire api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.ApplyMigrations(ctx, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	dataStore := store.NewPostgresStore(db)

	m := metrics.New(prometheus.NewRegistry())
	hub := realtime.NewHub(logger, m.RealtimeEventsDropped, m.RealtimeConnections)

	deps := app.Deps{
		Store:   dataStore,
		Events:  hub,
		Logger:  logger,
		Metrics: m,
	}

	// Redis is optional: without it profiles are read straight from Postgres
	// and realtime fan-out stays within this process.
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := cache.Connect(cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, running single-instance", zap.Error(err))
		} else {
			defer client.Close()
			deps.Profiles = cache.NewProfileCache(client, cfg.ProfileCacheTTL)
			bridge := realtime.NewRedisBridge(client, hub, logger)
			if err := bridge.Start(ctx); err != nil {
				logger.Warn("realtime bridge unavailable, fan-out is local", zap.Error(err))
			} else {
				defer bridge.Close()
				deps.Events = bridge
			}
		}
	}

	blobs, err := blob.New(ctx, blob.Config{
		Endpoint:  cfg.BlobEndpoint,
		AccessKey: cfg.BlobAccessKey,
		SecretKey: cfg.BlobSecretKey,
		Bucket:    cfg.BlobBucket,
		UseSSL:    cfg.BlobUseSSL,
		PublicURL: cfg.BlobPublicURL,
	})
	if err != nil {
		logger.Warn("blob store unavailable, attachments disabled", zap.Error(err))
	} else {
		deps.Blobs = blobs
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	searchService := search.NewService(meiliClient, search.NewPgSearch(db), dataStore.LiveEngagements, logger)
	defer searchService.Close()
	deps.Search = searchService
	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	sweeper, err := store.NewSweeper(dataStore, cfg.RetentionCron, logger)
	if err != nil {
		return err
	}
	go sweeper.CountInto(m.RetentionPurged).Run(ctx)

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, hub, []byte(cfg.JWTSecret), cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		// realtime connections end when the root context is cancelled
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("cyphire api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
