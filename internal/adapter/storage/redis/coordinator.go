package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	"github.com/devgrid/agent-orchestrator/internal/core/port"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type agentCoordinator struct {
	client *redis.Client
	log    *zap.Logger
}

// NewAgentCoordinator creates the Redis adapter tracking live agent workers
func NewAgentCoordinator(client *redis.Client, log *zap.Logger) port.AgentCoordinator {
	return &agentCoordinator{
		client: client,
		log:    log,
	}
}

// RegisterAgent saves the agent state for 30 seconds (Heartbeat)
func (c *agentCoordinator) RegisterAgent(ctx context.Context, agent *domain.Agent) error {
	stamped := *agent
	stamped.LastHeartbeat = time.Now()

	data, err := json.Marshal(&stamped)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("agent:%s", agent.Name)
	// Extends TTL to 30s
	return c.client.Set(ctx, key, data, 30*time.Second).Err()
}

func (c *agentCoordinator) LiveAgents(ctx context.Context) ([]*domain.Agent, error) {
	keys, err := c.client.Keys(ctx, "agent:*").Result()
	if err != nil {
		return nil, err
	}

	var agents []*domain.Agent
	for _, key := range keys {
		val, err := c.client.Get(ctx, key).Result()
		if err != nil {
			continue // Skip expired/deleted keys race condition
		}

		var agent domain.Agent
		if err := json.Unmarshal([]byte(val), &agent); err == nil {
			agents = append(agents, &agent)
		}
	}
	return agents, nil
}
