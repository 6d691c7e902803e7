package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Invoke publishes one invocation to the agent's queue and blocks until the
// agent replies on the shared results queue, or ctx is cancelled. Replies are
// matched by correlation id; StartResultsConsumer must be running.
func (q *queueService) Invoke(ctx context.Context, inv *domain.Invocation) (domain.Payload, error) {
	corrID := uuid.NewString()

	reply := make(chan resultMessage, 1)
	q.mu.Lock()
	q.pending[corrID] = reply
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.pending, corrID)
		q.mu.Unlock()
	}()

	body, err := json.Marshal(invocationMessage{
		TaskID:         inv.TaskID,
		Agent:          inv.Agent,
		Payload:        inv.Payload,
		Priority:       inv.Priority,
		TimeoutSeconds: int(inv.Timeout / time.Second),
	})
	if err != nil {
		return nil, err
	}

	err = q.ch.PublishWithContext(ctx,
		invokeExchange, // Exchange
		inv.Agent,      // Routing key, one queue per agent
		false,          // Mandatory
		false,          // Immediate
		amqp.Publishing{
			ContentType:   "application/json",
			Body:          body,
			Priority:      messagePriority(inv.Priority),
			CorrelationId: corrID,
			ReplyTo:       resultsQueue,
		})
	if err != nil {
		q.log.Error("Failed to publish invocation",
			zap.String("task_id", inv.TaskID),
			zap.String("agent", inv.Agent),
			zap.Error(err))
		return nil, err
	}

	q.log.Debug("Invocation published",
		zap.String("task_id", inv.TaskID),
		zap.String("agent", inv.Agent),
		zap.String("correlation_id", corrID))

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-reply:
		if res.Status != "success" {
			if res.Error == "" {
				res.Error = "agent reported failure"
			}
			return nil, errors.New(res.Error)
		}
		return res.Output, nil
	}
}

// StartResultsConsumer routes agent replies to waiting Invoke calls. Replies
// whose correlation id no longer has a waiter (task cancelled or timed out)
// are acked and dropped.
func (q *queueService) StartResultsConsumer(ctx context.Context) error {
	msgs, err := q.ch.Consume(
		resultsQueue, // queue
		"",           // consumer
		false,        // auto-ack
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)
	if err != nil {
		return fmt.Errorf("consume results: %w", err)
	}

	q.log.Info("Started consuming agent results", zap.String("queue", resultsQueue))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					q.log.Warn("Results channel closed")
					return
				}
				q.routeReply(d)
			}
		}
	}()

	return nil
}

func (q *queueService) routeReply(d amqp.Delivery) {
	var res resultMessage
	if err := json.Unmarshal(d.Body, &res); err != nil {
		q.log.Error("Failed to unmarshal result", zap.Error(err))
		d.Nack(false, false) // discard invalid message
		return
	}

	q.mu.Lock()
	reply, ok := q.pending[d.CorrelationId]
	q.mu.Unlock()

	if !ok {
		q.log.Debug("Dropping unmatched result",
			zap.String("task_id", res.TaskID),
			zap.String("correlation_id", d.CorrelationId))
		d.Ack(false)
		return
	}

	reply <- res
	d.Ack(false)
}
