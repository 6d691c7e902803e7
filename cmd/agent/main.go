package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devgrid/agent-orchestrator/config/logger"
	config "github.com/devgrid/agent-orchestrator/config/utils"
	"github.com/devgrid/agent-orchestrator/internal/adapter/queue/rabbitmq"
	redisAdapter "github.com/devgrid/agent-orchestrator/internal/adapter/storage/redis"
	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	"github.com/devgrid/agent-orchestrator/internal/core/service"
	"github.com/dustin/go-humanize"
	redigo "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// 1. Init Config & Logger
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	zap.ReplaceGlobals(log)

	agentName := os.Getenv("AGENT_NAME")
	if agentName == "" {
		log.Fatal("AGENT_NAME is required")
	}
	log = log.With(zap.String("service", "agent"), zap.String("agent", agentName))
	log.Info("Starting agent worker")

	identity, err := catalogIdentity(appConfig.Orchestrator.Agents, agentName)
	if err != nil {
		log.Fatal("Agent not in catalog", zap.Error(err))
	}

	// 2. Init Adapters

	// Redis with Retry
	var redisClient *redigo.Client
	maxRedisRetries := 10
	for i := 1; i <= maxRedisRetries; i++ {
		redisClient = redigo.NewClient(&redigo.Options{
			Addr:     appConfig.Redis.Addr,
			Password: appConfig.Redis.Password,
			DB:       0,
		})
		if err := redisClient.Ping(rootCtx).Err(); err == nil {
			break
		} else {
			log.Warn("Failed to connect to Redis, retrying...", zap.Int("attempt", i), zap.Error(err))
			redisClient.Close()
			if i == maxRedisRetries {
				log.Fatal("Failed to init Redis after max retries", zap.Error(err))
			}
			time.Sleep(time.Duration(i*2) * time.Second)
		}
	}
	coordinator := redisAdapter.NewAgentCoordinator(redisClient, log)
	signaler := redisAdapter.NewCancelSignaler(redisClient, log)

	// RabbitMQ
	rabbitURL := fmt.Sprintf("amqp://%s:%s@%s:%s/%s",
		appConfig.MQ.User, appConfig.MQ.Password,
		appConfig.MQ.Host, appConfig.MQ.Port,
		appConfig.MQ.VHost,
	)
	queueService, err := rabbitmq.NewQueueService(rabbitURL, log)
	if err != nil {
		log.Fatal("Failed to init RabbitMQ", zap.Error(err))
	}

	// 3. Init Worker Service
	worker := service.NewAgentWorker(identity, coordinator, queueService, signaler, &service.SimulatedExecutor{}, log)

	// 4. Run until shutdown
	log.Info("Agent worker started. Waiting for invocations...")
	if err := worker.Run(rootCtx); err != nil && rootCtx.Err() == nil {
		log.Error("Worker stopped", zap.Error(err))
	}

	// Cleanup
	queueService.Close()
	redisClient.Close()

	time.Sleep(1 * time.Second)
	log.Info("Shutdown complete")
}

func catalogIdentity(entries []config.AgentConfig, name string) (*domain.Agent, error) {
	for _, e := range entries {
		if e.Name != name {
			continue
		}
		memBytes, err := humanize.ParseBytes(e.Memory)
		if err != nil {
			return nil, fmt.Errorf("parse memory %q: %w", e.Memory, err)
		}
		return &domain.Agent{
			Name:   e.Name,
			Role:   e.Role,
			Image:  e.Image,
			Status: domain.AgentStatusAvailable,
			Resources: domain.ResourceClass{
				CPUs:        e.CPUs,
				MemoryBytes: memBytes,
			},
		}, nil
	}
	return nil, fmt.Errorf("agent %q not found in catalog", name)
}
