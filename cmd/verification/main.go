package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devgrid/agent-orchestrator/config/logger"
	postgresConfig "github.com/devgrid/agent-orchestrator/config/storage/postgresql"
	config "github.com/devgrid/agent-orchestrator/config/utils"
	"github.com/devgrid/agent-orchestrator/internal/adapter/monitoring/prometheus"
	"github.com/devgrid/agent-orchestrator/internal/adapter/queue/rabbitmq"
	"github.com/devgrid/agent-orchestrator/internal/adapter/storage/postgres"
	redisAdapter "github.com/devgrid/agent-orchestrator/internal/adapter/storage/redis"
	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	redigo "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// 1. Setup Logger & Config
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	ctx := context.Background()

	log.Info("Starting Verification...")

	// 2. Test Postgres
	log.Info("--- Testing Postgres ---")
	dbService, err := postgresConfig.New(ctx, appConfig.DB, log)
	if err != nil {
		log.Fatal("Failed to connect to DB", zap.Error(err))
	}
	if err := dbService.Migrate(); err != nil {
		log.Fatal("Failed to migrate DB", zap.Error(err))
	}
	repo := postgres.NewTaskRepository(dbService, log)

	// Create a dummy task
	task := &domain.Task{
		ID:        fmt.Sprintf("task_verify-%d", time.Now().Unix()),
		Type:      "verification",
		Mode:      domain.ModeParallel,
		Agents:    []string{"claude-architect"},
		Payload:   domain.Payload{"description": "adapter smoke check"},
		Priority:  5,
		Timeout:   time.Minute,
		Status:    domain.TaskStatusPending,
		Results:   map[string]domain.AgentResult{},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := repo.Save(ctx, task); err != nil {
		log.Error("X Postgres: Save Task Failed", zap.Error(err))
	} else {
		log.Info("✓ Postgres: Save Task Success")
	}

	if fetched, err := repo.GetByID(ctx, task.ID); err != nil {
		log.Error("X Postgres: Get Task Failed", zap.Error(err))
	} else {
		log.Info("✓ Postgres: Get Task Success", zap.String("FetchedID", fetched.ID))
	}

	// 3. Test Redis
	log.Info("--- Testing Redis ---")
	redisClient := redigo.NewClient(&redigo.Options{
		Addr:     appConfig.Redis.Addr,
		Password: appConfig.Redis.Password,
		DB:       0,
	})

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	coordinator := redisAdapter.NewAgentCoordinator(redisClient, log)

	agent := &domain.Agent{
		Name:   "verify-agent",
		Role:   "verification",
		Status: domain.AgentStatusAvailable,
		Resources: domain.ResourceClass{
			CPUs:        1,
			MemoryBytes: 512 * 1024 * 1024,
		},
	}

	if err := coordinator.RegisterAgent(ctx, agent); err != nil {
		log.Error("X Redis: Register Agent Failed", zap.Error(err))
	} else {
		log.Info("✓ Redis: Register Agent Success")
	}

	agents, err := coordinator.LiveAgents(ctx)
	if err != nil {
		log.Error("X Redis: List Agents Failed", zap.Error(err))
	} else {
		log.Info("✓ Redis: List Agents Success", zap.Int("Count", len(agents)))
	}

	// 4. Test RabbitMQ
	log.Info("--- Testing RabbitMQ ---")
	amqpURL := fmt.Sprintf("amqp://%s:%s@%s:%s/%s",
		appConfig.MQ.User, appConfig.MQ.Password,
		appConfig.MQ.Host, appConfig.MQ.Port,
		appConfig.MQ.VHost,
	)

	queue, err := rabbitmq.NewQueueService(amqpURL, log)
	if err != nil {
		log.Error("X RabbitMQ: Connection Failed", zap.Error(err))
	} else {
		// An invocation with a short deadline: no worker may be listening,
		// the publish path is what we verify.
		invCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		inv := &domain.Invocation{
			TaskID:   task.ID,
			Agent:    "verify-agent",
			Payload:  task.Payload,
			Priority: task.Priority,
			Timeout:  time.Minute,
		}
		if _, err := queue.Invoke(invCtx, inv); errors.Is(err, context.DeadlineExceeded) {
			log.Info("✓ RabbitMQ: Publish Success (no worker replied, as expected)")
		} else if err != nil {
			log.Error("X RabbitMQ: Publish Failed", zap.Error(err))
		} else {
			log.Info("✓ RabbitMQ: Publish and reply Success")
		}
		cancel()
		queue.Close()
	}

	// 5. Test Prometheus
	log.Info("--- Testing Prometheus ---")
	monitoring := prometheus.NewMonitoringService(appConfig.Monitoring.PrometheusURL, log)
	cpu, mem, err := monitoring.GetAgentMetrics(ctx, "claude-architect")
	if err != nil {
		log.Error("X Prometheus: Query Failed", zap.Error(err))
	} else {
		log.Info("✓ Prometheus: Query Success", zap.Float64("cpu", cpu), zap.Float64("mem_mb", mem))
	}

	log.Info("Verification finished")
}
