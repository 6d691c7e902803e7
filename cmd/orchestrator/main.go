package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devgrid/agent-orchestrator/config/logger"
	postgresConfig "github.com/devgrid/agent-orchestrator/config/storage/postgresql"
	redisConfig "github.com/devgrid/agent-orchestrator/config/storage/redis"
	config "github.com/devgrid/agent-orchestrator/config/utils"
	httpAdapter "github.com/devgrid/agent-orchestrator/internal/adapter/handler/http"
	"github.com/devgrid/agent-orchestrator/internal/adapter/monitoring/metrics"
	"github.com/devgrid/agent-orchestrator/internal/adapter/monitoring/prometheus"
	"github.com/devgrid/agent-orchestrator/internal/adapter/queue/rabbitmq"
	"github.com/devgrid/agent-orchestrator/internal/adapter/storage/postgres"
	redisAdapter "github.com/devgrid/agent-orchestrator/internal/adapter/storage/redis"
	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	"github.com/devgrid/agent-orchestrator/internal/core/service"
	redigo "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// _shutdownPeriod is time to wait before gracefully shutting server
// _readinessDrainDelay is time to sleep while context shutdown message propagate
const (
	_shutdownPeriod      = 10 * time.Second
	_readinessDrainDelay = 2 * time.Second
)

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// Init config
	appConfig := config.New()
	baseLogger := logger.Build(appConfig.Logger)
	zap.ReplaceGlobals(baseLogger)

	zap.L().Info("Starting the orchestrator",
		zap.String("app", appConfig.App.Name),
		zap.String("env", appConfig.App.Env),
		zap.String("owner", appConfig.App.Owner))

	// Init database service
	dbService, err := postgresConfig.New(rootCtx, appConfig.DB, baseLogger.Named("DB"))
	if err != nil {
		zap.L().Error("Error initializing database connection", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Successfully connected to the database", zap.String("db", appConfig.DB.Connection))

	// Migrate database
	if err := dbService.Migrate(); err != nil {
		zap.L().Error("Error migrating database", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Successfully migrated the database")

	taskRepo := postgres.NewTaskRepository(dbService, baseLogger.Named("Repo"))

	// Redis with Retry
	redisClient, err := connectRedis(rootCtx, appConfig.Redis, baseLogger)
	if err != nil {
		zap.L().Error("Error initializing cache connection", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Successfully connected to the cache server", zap.String("address", appConfig.Redis.Addr))

	coordinator := redisAdapter.NewAgentCoordinator(redisClient, baseLogger.Named("Coordinator"))
	signaler := redisAdapter.NewCancelSignaler(redisClient, baseLogger.Named("Signals"))

	// Fiber storage for the rate limiter; degraded but non-fatal when absent
	var rateLimitStore *redisConfig.Redis
	rateLimitStore, err = redisConfig.New(rootCtx, appConfig.Redis)
	if err != nil {
		zap.L().Warn("Rate limiter storage unavailable, falling back to memory", zap.Error(err))
		rateLimitStore = nil
	}

	// RabbitMQ
	queueService, err := rabbitmq.NewQueueService(rabbitURL(appConfig.MQ), baseLogger.Named("MQ"))
	if err != nil {
		zap.L().Error("Error initializing the message queue", zap.Error(err))
		os.Exit(1)
	}
	if err := queueService.StartResultsConsumer(rootCtx); err != nil {
		zap.L().Error("Error starting the results consumer", zap.Error(err))
		os.Exit(1)
	}

	// Core services
	collectors := metrics.New()

	ledger, err := service.NewResourceLedger(
		appConfig.Orchestrator.MaxTotalMemory,
		appConfig.Orchestrator.MaxTotalCPU,
		appConfig.Orchestrator.MaxParallelAgents,
		baseLogger.Named("Ledger"))
	if err != nil {
		zap.L().Error("Error building the resource ledger", zap.Error(err))
		os.Exit(1)
	}

	registry, err := service.NewAgentRegistry(appConfig.Orchestrator.Agents, coordinator, baseLogger.Named("Registry"))
	if err != nil {
		zap.L().Error("Error building the agent registry", zap.Error(err))
		os.Exit(1)
	}

	manager := service.NewTaskManager(
		taskRepo, ledger, registry, queueService, signaler, collectors,
		service.ManagerConfig{
			Tick:           appConfig.Orchestrator.Tick(),
			DefaultTimeout: appConfig.Orchestrator.DefaultTimeout(),
			DefaultMode:    domain.ExecutionMode(appConfig.Orchestrator.DefaultMode),
		},
		baseLogger.Named("Manager"))

	go manager.Run(rootCtx)

	monitoring := prometheus.NewMonitoringService(appConfig.Monitoring.PrometheusURL, baseLogger.Named("Monitoring"))

	// HTTP server
	deps := httpAdapter.RouterDeps{
		Manager:    manager,
		Registry:   registry,
		Ledger:     ledger,
		Monitoring: monitoring,
		Metrics:    collectors,
		Health:     dbService.DBHealth,
		Log:        baseLogger.Named("Fiber"),
	}
	if rateLimitStore != nil {
		deps.RateLimitStore = rateLimitStore.Client
	}
	app := httpAdapter.NewRouter(appConfig.HTTP, deps)

	go func() {
		addr := ":" + appConfig.HTTP.Port
		zap.L().Info("HTTP server listening", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			zap.L().Error("HTTP server stopped", zap.Error(err))
			rootCtxCancel()
		}
	}()

	// Wait for ctx cancelation
	<-rootCtx.Done()

	// Wait for signal propagation
	time.Sleep(_readinessDrainDelay)
	zap.L().Info("Readiness check propagated, now waiting for ongoing requests to finish")

	if err := app.ShutdownWithTimeout(_shutdownPeriod); err != nil {
		zap.L().Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	queueService.Close()
	redisClient.Close()
	dbService.Close()

	zap.L().Info("Graceful shutdown complete.")
}

func connectRedis(ctx context.Context, cfg *config.Redis, log *zap.Logger) (*redigo.Client, error) {
	var redisClient *redigo.Client
	var err error

	maxRedisRetries := 10
	for i := 1; i <= maxRedisRetries; i++ {
		redisClient = redigo.NewClient(&redigo.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       0,
		})
		if err = redisClient.Ping(ctx).Err(); err == nil {
			return redisClient, nil
		}

		log.Warn("Failed to connect to Redis, retrying...", zap.Int("attempt", i), zap.Error(err))
		redisClient.Close()
		time.Sleep(time.Duration(i*2) * time.Second)
	}
	return nil, err
}

func rabbitURL(cfg *config.MQ) string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/%s",
		cfg.User, cfg.Password,
		cfg.Host, cfg.Port,
		cfg.VHost,
	)
}
