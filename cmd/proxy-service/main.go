package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/stablehorde-proxy/internal/api/handler"
	"github.com/cuongbtq/stablehorde-proxy/internal/api/router"
	"github.com/cuongbtq/stablehorde-proxy/internal/config"
	"github.com/cuongbtq/stablehorde-proxy/internal/events"
	"github.com/cuongbtq/stablehorde-proxy/internal/history"
	"github.com/cuongbtq/stablehorde-proxy/internal/horde"
	"github.com/cuongbtq/stablehorde-proxy/internal/imagestore"
	"github.com/cuongbtq/stablehorde-proxy/internal/job"
	"github.com/cuongbtq/stablehorde-proxy/internal/metrics"
	"github.com/cuongbtq/stablehorde-proxy/internal/models"
	"github.com/cuongbtq/stablehorde-proxy/internal/scheduler"
	"github.com/cuongbtq/stablehorde-proxy/internal/server"
	"github.com/cuongbtq/stablehorde-proxy/shared/logger"
	"github.com/cuongbtq/stablehorde-proxy/shared/postgresql"
	"github.com/cuongbtq/stablehorde-proxy/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("PROXY_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/proxy-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	slog.SetDefault(appLogger.Logger)

	appLogger.Info("Starting proxy service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	store, err := imagestore.New(&imagestore.Config{
		Dir:       cfg.Images.DataPath,
		PublicURL: cfg.Images.PublicURL,
		Extension: cfg.Images.Extension,
		Hash:      cfg.Images.Hash,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize image store: %w", err)
	}

	hordeClient := horde.NewClient(&horde.Config{
		BaseURL:           cfg.Horde.BaseURL,
		ClientAgent:       cfg.Horde.ClientAgent,
		CallTimeout:       cfg.Horde.CallTimeout,
		RequestsPerSecond: cfg.Horde.RequestsPerSecond,
		Burst:             cfg.Horde.Burst,
		LogRequests:       cfg.Horde.LogRequests,
		Store:             store,
		Logger:            appLogger.With(slog.String("component", "horde")).Logger,
		Metrics:           m,
	})

	observers := job.Observers{}

	var dbClient *postgresql.Client
	var historyStore *history.Store
	if cfg.Database.Enabled {
		dbClient, err = initPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()

		historyStore = history.NewStore(dbClient, appLogger.With(slog.String("component", "history")).Logger)
		if err := historyStore.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare history schema: %w", err)
		}
		observers = append(observers, historyStore)
		appLogger.Info("Job history enabled")
	}

	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := initRabbitMQ(ctx, &cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		source := cfg.App.Name
		if host, err := os.Hostname(); err == nil {
			source = cfg.App.Name + "@" + host
		}
		observers = append(observers, events.NewPublisher(rabbitClient, source, appLogger.With(slog.String("component", "events")).Logger))
		appLogger.Info("Job events enabled", slog.String("exchange", cfg.RabbitMQ.Exchange.Name))
	}

	sched := scheduler.New(&scheduler.Config{
		Logger:         appLogger.With(slog.String("component", "scheduler")).Logger,
		Interval:       cfg.Scheduler.Interval,
		Concurrency:    cfg.Scheduler.Concurrency,
		MaxRounds:      cfg.Scheduler.MaxRounds,
		AdvanceTimeout: cfg.Scheduler.AdvanceTimeout,
		Observer:       observers,
		Metrics:        m,
	})

	modelCache := models.New(&models.Config{
		CatalogURL:      cfg.Models.CatalogURL,
		CachePath:       cfg.Models.CachePath,
		Freshness:       cfg.Models.Freshness,
		RefreshInterval: cfg.Models.RefreshInterval,
		Source:          hordeClient,
		Logger:          appLogger.With(slog.String("component", "models")).Logger,
		Metrics:         m,
	})

	hub := server.New(&server.Config{
		Logger:        appLogger.With(slog.String("component", "hub")).Logger,
		Scheduler:     sched,
		Generator:     hordeClient,
		Models:        modelCache,
		Observer:      observers,
		Metrics:       m,
		APIKey:        cfg.Horde.APIKey,
		PingInterval:  cfg.Server.PingInterval,
		SendQueueSize: cfg.Server.SendQueueSize,
		CancelTimeout: cfg.Horde.CancelTimeout,
	})
	unsubscribe := modelCache.Subscribe(hub)
	defer unsubscribe()
	appLogger.SetBroadcastSink(hub.DebugLog)
	defer appLogger.SetBroadcastSink(nil)

	deps := &handler.Dependencies{
		Logger:      appLogger.With(slog.String("component", "http")).Logger,
		ServiceName: cfg.App.Name,
		Version:     cfg.App.Version,
		Jobs:        sched,
		Models:      modelCache,
		Connections: hub,
		WebSocket:   hub,
		Metrics:     m.Handler(),
	}
	if historyStore != nil {
		deps.History = historyStore
	}
	r := initRouter(cfg, deps)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	modelCache.Start(ctx)
	sched.Start(ctx)
	hub.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		appLogger.Info("Starting HTTP server",
			slog.String("address", addr),
			slog.String("ws_path", cfg.Server.WSPath),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down proxy service...")
	case err := <-serverErr:
		if err != nil {
			appLogger.Error("HTTP server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
	}

	// Closing the connections cancels their jobs
	hub.Stop()
	sched.Stop()
	modelCache.Stop()

	appLogger.Info("Proxy service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:          cfg.Level,
		Format:         cfg.Format,
		Output:         cfg.Output,
		EnableSource:   cfg.EnableCaller,
		TimeFormat:     time.RFC3339,
		BroadcastLevel: cfg.BroadcastLevel,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(ctx, &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(ctx, &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		BindingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoff:     cfg.Publish.BackoffMultiplier,
	}, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps, router.Options{
		WSPath:       cfg.Server.WSPath,
		ImagesDir:    cfg.Images.DataPath,
		RootRedirect: cfg.Server.RootRedirect,
	})
}
