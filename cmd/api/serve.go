package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/noah-isme/stagerun-api/internal/config"
	"github.com/noah-isme/stagerun-api/internal/database"
	"github.com/noah-isme/stagerun-api/internal/handler"
	"github.com/noah-isme/stagerun-api/internal/middleware"
	"github.com/noah-isme/stagerun-api/internal/repository"
	"github.com/noah-isme/stagerun-api/internal/router"
	"github.com/noah-isme/stagerun-api/internal/service"
	"github.com/noah-isme/stagerun-api/pkg/pipeline"
	"github.com/noah-isme/stagerun-api/pkg/signature"
)

func serveCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply schema migrations before serving")

	return cmd
}

func serve(migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := newLogger(cfg)

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if migrate {
		if err := migrateSchema(db); err != nil {
			return err
		}
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			return err
		}
		defer natsConn.Close()
	}

	platform, closePlatform, err := newPlatform(cfg, logger)
	if err != nil {
		return err
	}
	defer closePlatform()

	validate := validator.New(validator.WithRequiredStructEnabled())
	signer := signature.NewSigner(cfg.AuthSecret)
	store := repository.NewProgressionStore(db)

	progressService := service.NewProgressService(redisClient, cfg.EventsChannel, natsConn, logger)
	stageService := service.NewStageService(store, progressService, logger)
	pipelineService := service.NewPipelineService(store.Courses(), platform, signer, service.PipelineConfig{
		Render: pipeline.RenderConfig{
			GitServerEndpoint:      cfg.GitServerEndpoint,
			DockerRegistryEndpoint: cfg.DockerRegistryEndpoint,
			WebhookEndpoint:        cfg.WebhookEndpoint,
			Namespace:              cfg.Namespace,
			PipelineName:           cfg.PipelineName,
			TesterImagePrefix:      cfg.TesterImagePrefix,
		},
		WatchInterval:   cfg.WatchInterval,
		WatchTimeout:    cfg.WatchTimeout,
		MaxPollFailures: cfg.WatchMaxPollFailures,
	}, logger)
	pushService := service.NewPushService(store, pipelineService, stageService, progressService, validate, service.PushConfig{
		TemplateOwner: cfg.TemplateOwner,
		MainRef:       cfg.MainRef,
	}, logger)
	webhookService, err := service.NewWebhookService(store, stageService, signer, validate, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	progressService.Start(ctx)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		WebhookHandler:       handler.NewWebhookHandler(pushService, webhookService, logger),
		StageHandler:         handler.NewStageHandler(stageService, progressService, cfg.StatusPollInterval, logger),
		AdminPipelineHandler: handler.NewAdminPipelineHandler(pushService, logger),
		JWTMiddleware:        middleware.JWTProtected(cfg.JWTSecret),
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("address", cfg.HTTPAddress()).Str("platform", platform.Name()).Msg("server listening")
		errCh <- app.Listen(cfg.HTTPAddress())
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	return shutdown(app, pipelineService, logger)
}

func shutdown(app *fiber.App, pipelines service.PipelineService, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}
	if err := pipelines.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("pipeline watchers did not stop in time")
	}

	logger.Info().Msg("server stopped")
	return nil
}

func newPlatform(cfg config.Config, logger zerolog.Logger) (pipeline.Platform, func(), error) {
	switch cfg.PipelinePlatform {
	case config.PlatformDocker:
		platform, err := pipeline.NewDockerPlatform(pipeline.DockerConfig{
			Host:   cfg.DockerHost,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return platform, func() { _ = platform.Close() }, nil
	default:
		platform, err := pipeline.NewTektonPlatform(pipeline.TektonConfig{
			APIServer: cfg.KubeAPIServer,
			Token:     cfg.KubeToken,
			Namespace: cfg.Namespace,
			Insecure:  cfg.KubeInsecure,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return platform, func() {}, nil
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.AppEnv == "development" {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", cfg.AppName).Logger()
}
