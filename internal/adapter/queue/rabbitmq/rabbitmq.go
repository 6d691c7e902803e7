package rabbitmq

import (
	"fmt"
	"sync"
	"time"

	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// invokeExchange fans invocations out to per-agent queues by routing key.
	invokeExchange = "agents.direct"
	// resultsQueue is the shared reply queue agents publish outcomes to.
	resultsQueue = "agents.results"
	// agentQueuePrefix + agent name = that agent's invocation queue.
	agentQueuePrefix = "agents."

	// maxQueuePriority caps the per-message priority agent queues honor.
	maxQueuePriority = 10
)

// invocationMessage is the wire form of one dispatch to an agent.
type invocationMessage struct {
	TaskID         string         `json:"task_id"`
	Agent          string         `json:"agent"`
	Payload        domain.Payload `json:"payload"`
	Priority       int            `json:"priority"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

// resultMessage is the wire form of one agent outcome, routed back to the
// caller by correlation id.
type resultMessage struct {
	TaskID string         `json:"task_id"`
	Agent  string         `json:"agent"`
	Status string         `json:"status"`
	Output domain.Payload `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

type queueService struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *zap.Logger

	mu      sync.Mutex
	pending map[string]chan resultMessage // correlation id -> waiting invoker
}

// NewQueueService connects to RabbitMQ and declares the invocation exchange
// and shared results queue. Retries with incremental backoff because the
// broker often comes up after us.
func NewQueueService(url string, log *zap.Logger) (*queueService, error) {
	var conn *amqp.Connection
	var err error

	maxRetries := 10
	for i := 1; i <= maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr == nil {
				q := &queueService{
					conn:    conn,
					ch:      ch,
					log:     log,
					pending: make(map[string]chan resultMessage),
				}
				if err := q.declareTopology(); err != nil {
					conn.Close()
					return nil, err
				}
				return q, nil
			}
			err = chErr
			conn.Close()
		}

		log.Warn("Failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		time.Sleep(time.Duration(i*2) * time.Second)
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

func (q *queueService) declareTopology() error {
	if err := q.ch.ExchangeDeclare(
		invokeExchange, // name
		"direct",       // type
		true,           // durable
		false,          // auto-delete
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	if _, err := q.ch.QueueDeclare(
		resultsQueue, // name
		true,         // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		return fmt.Errorf("declare results queue: %w", err)
	}
	return nil
}

func (q *queueService) Close() error {
	if err := q.ch.Close(); err != nil {
		q.log.Warn("Failed to close channel", zap.Error(err))
	}
	return q.conn.Close()
}

// messagePriority clamps a task priority into the queue's priority range.
func messagePriority(p int) uint8 {
	if p < 0 {
		return 0
	}
	if p >= maxQueuePriority {
		return maxQueuePriority - 1
	}
	return uint8(p)
}
