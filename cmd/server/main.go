// Command server runs the deployment service: it accepts deployment
// requests, generates projects with an LLM, publishes them as Pages sites
// and notifies the evaluator.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-deploy-backend/internal/artifacts"
	"github.com/tbourn/go-deploy-backend/internal/attachments"
	"github.com/tbourn/go-deploy-backend/internal/config"
	"github.com/tbourn/go-deploy-backend/internal/generator"
	httpapi "github.com/tbourn/go-deploy-backend/internal/http"
	"github.com/tbourn/go-deploy-backend/internal/httpclient"
	"github.com/tbourn/go-deploy-backend/internal/notifier"
	"github.com/tbourn/go-deploy-backend/internal/observability"
	"github.com/tbourn/go-deploy-backend/internal/publisher"
	"github.com/tbourn/go-deploy-backend/internal/repo"
	"github.com/tbourn/go-deploy-backend/internal/services"
	"github.com/tbourn/go-deploy-backend/internal/sysutil"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		sysutil.ConfigureLogger(os.Stderr, true, "go-deploy-backend")
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	sysutil.ConfigureLogger(os.Stdout, cfg.LogPretty, cfg.OTEL.ServiceName)
	sysutil.SetLogLevel(cfg.LogLevel)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version, observability.PipelineAttributes(cfg)...)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.ReposDir).Msg("creating repos dir failed")
	}

	db, err := repo.Open(repo.Options{
		Driver:  cfg.DBDriver,
		Path:    cfg.DBPath,
		DSN:     cfg.DatabaseURL,
		Tracing: cfg.OTEL.Enabled,
	})
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("opening database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	logger := log.Logger

	// Collaborators
	resolver := attachments.New(
		httpclient.New(httpclient.Options{Timeout: cfg.Attachments.Timeout}),
		cfg.Attachments.Timeout, cfg.Attachments.MaxBytes,
		logger.With().Str("component", "attachments").Logger(),
	)

	gen := generator.New(
		httpclient.New(httpclient.Options{Timeout: cfg.LLM.Timeout, Token: cfg.LLM.APIKey}),
		generator.Options{
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			MaxAttempts: cfg.LLM.MaxAttempts,
			Owner:       sysutil.FirstNonEmpty(cfg.GitHub.Owner, cfg.GitHub.AuthorName),
			Logger:      logger.With().Str("component", "generator").Logger(),
		},
	)

	author := publisher.Author{Name: cfg.GitHub.AuthorName, Email: cfg.GitHub.AuthorEmail}
	var pub services.Publisher
	if cfg.GitHub.Skip {
		log.Warn().Str("dir", cfg.ReposDir).Msg("SKIP_GITHUB set: publishing to local git repositories")
		pub = publisher.NewLocal(cfg.ReposDir, cfg.GitHub.Branch, author, logger.With().Str("component", "publisher").Logger())
	} else {
		pub = publisher.NewGitHub(
			httpclient.New(httpclient.Options{Timeout: 30 * time.Second, Token: cfg.GitHub.Token}),
			publisher.GitHubOptions{
				APIURL:       cfg.GitHub.APIURL,
				Owner:        cfg.GitHub.Owner,
				Token:        cfg.GitHub.Token,
				Branch:       cfg.GitHub.Branch,
				Author:       author,
				PollAttempts: cfg.GitHub.PollAttempts,
				PollInterval: cfg.GitHub.PollInterval,
				Logger:       logger.With().Str("component", "publisher").Logger(),
			},
		)
	}

	var mirror artifacts.Mirror
	if cfg.Mirror.Enabled {
		m, err := artifacts.NewMinIOMirror(ctx, artifacts.MirrorOptions{
			Endpoint:  cfg.Mirror.Endpoint,
			AccessKey: cfg.Mirror.AccessKey,
			SecretKey: cfg.Mirror.SecretKey,
			Bucket:    cfg.Mirror.Bucket,
			Region:    cfg.Mirror.Region,
			UseSSL:    cfg.Mirror.UseSSL,
		})
		if err != nil {
			// The local workspace is authoritative; run without the mirror.
			log.Warn().Err(err).Str("endpoint", cfg.Mirror.Endpoint).Msg("artifact mirror unavailable")
		} else {
			mirror = m
		}
	}
	workspace := artifacts.NewWorkspace(cfg.ReposDir, mirror, logger.With().Str("component", "artifacts").Logger())

	notes := notifier.New(notifier.Options{
		MaxAttempts: cfg.Notify.MaxAttempts,
		BaseDelay:   cfg.Notify.BaseDelay,
		MaxDelay:    cfg.Notify.MaxDelay,
		Timeout:     cfg.Notify.Timeout,
		Client:      httpclient.New(httpclient.Options{Timeout: cfg.Notify.Timeout}),
		Logger:      logger.With().Str("component", "notifier").Logger(),
		Disabled:    cfg.Notify.Skip,
	})

	// Services
	deploySvc := services.NewDeployService(db, cfg.DeploySecret)
	deploySvc.Resolver = resolver
	deploySvc.Generator = gen
	deploySvc.Publisher = pub
	deploySvc.Notifier = notes
	deploySvc.Artifacts = workspace
	deploySvc.PendingWait = cfg.PendingWait
	deploySvc.PendingPoll = cfg.PendingPollInterval
	deploySvc.GenerateTimeout = cfg.GenerateTimeout()
	deploySvc.PublishTimeout = cfg.GitHub.Timeout

	r := gin.New()
	httpapi.RegisterRoutes(r, db, httpapi.Services{
		Deploy:      deploySvc,
		Deployments: services.NewDeploymentService(db, notes),
		Version:     version,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("version", version).
			Bool("skip_github", cfg.GitHub.Skip).
			Bool("skip_evaluator", cfg.Notify.Skip).
			Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := notes.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("pending notifications abandoned")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown failed")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("server stopped")
}
