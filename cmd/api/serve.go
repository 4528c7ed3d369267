package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"circles/api/internal/app"
	"circles/api/internal/blob"
	"circles/api/internal/config"
	"circles/api/internal/email"
	"circles/api/internal/export"
	"circles/api/internal/notify"
	"circles/api/internal/policyrepo"
	"circles/api/internal/search"
	"circles/api/internal/session"
	"circles/api/internal/store"
	"circles/api/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var skipMigrations bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Apply pending migrations and run the HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Start without applying pending migrations")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Options{Enabled: cfg.OtelEnabled, Version: version})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if !skipMigrations {
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return err
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", zap.Strings("versions", applied))
		}
	}

	deps := app.Deps{Logger: logger}

	var publisher *notify.RedisPublisher
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, keeping refresh sessions in memory", zap.Error(err))
		} else {
			defer redisStore.Close()
			deps.Sessions = redisStore
			publisher = notify.NewRedisPublisher(redisStore.Client())
			deps.Live = publisher
		}
	}

	if strings.TrimSpace(cfg.SMTPHost) != "" {
		deps.Mailer = email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		})
	}

	searchService, closeSearch := newSearch(cfg, db, logger)
	defer closeSearch()
	deps.Search = searchService

	deps.Policies = policyrepo.New(cfg.PolicyRepoDir)

	objects, err := blob.New(blob.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
	})
	switch {
	case errors.Is(err, blob.ErrNotConfigured):
		logger.Info("object storage not configured, attachments disabled")
	case err != nil:
		return err
	default:
		if err := objects.EnsureBucket(ctx); err != nil {
			logger.Warn("ensure attachment bucket", zap.Error(err))
		}
		deps.Blob = objects
	}

	deps.Printer = export.NewChromePrinter(cfg.ChromeURL)

	service := app.New(cfg, store.NewPostgresStore(db), deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	if publisher != nil {
		httpServer.WithLiveFeed(publisher)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	server.RegisterOnShutdown(httpServer.CloseStreams)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("Circles API listening", zap.String("addr", cfg.Addr), zap.String("version", version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		service.Wait()
		searchService.Wait()
		return nil
	})
	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("Circles API stopped")
	return nil
}

// newSearch wires Meilisearch when configured, with Postgres full-text search
// as the fallback.
func newSearch(cfg config.Config, db *sql.DB, logger *zap.Logger) (*search.Service, func()) {
	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	closeFn := func() {}
	if meili != nil {
		closeFn = meili.Close
	}
	return search.NewService(meili, search.NewPgFTS(db), logger), closeFn
}
