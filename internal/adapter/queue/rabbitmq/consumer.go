package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ConsumeInvocations is the worker side: it declares and binds the agent's
// priority queue and blocks handling invocations until ctx is cancelled. The
// handler's outcome, success or failure, is always published to the reply
// queue; only undecodable messages are discarded.
func (q *queueService) ConsumeInvocations(ctx context.Context, agent string, handler func(inv *domain.Invocation) (domain.Payload, error)) error {
	qName := agentQueuePrefix + agent

	_, err := q.ch.QueueDeclare(
		qName, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-max-priority": maxQueuePriority},
	)
	if err != nil {
		return err
	}

	if err := q.ch.QueueBind(qName, agent, invokeExchange, false, nil); err != nil {
		return err
	}

	msgs, err := q.ch.Consume(
		qName, // queue
		"",    // consumer
		false, // auto-ack (we ack after the reply is published)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return err
	}

	q.log.Info("Started consuming invocations", zap.String("queue", qName))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				q.log.Warn("Invocation channel closed", zap.String("queue", qName))
				return nil
			}
			q.handleInvocation(ctx, d, handler)
		}
	}
}

func (q *queueService) handleInvocation(ctx context.Context, d amqp.Delivery, handler func(inv *domain.Invocation) (domain.Payload, error)) {
	var msg invocationMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		q.log.Error("Failed to unmarshal invocation", zap.Error(err))
		d.Nack(false, false) // discard invalid message
		return
	}

	inv := &domain.Invocation{
		TaskID:   msg.TaskID,
		Agent:    msg.Agent,
		Payload:  msg.Payload,
		Priority: msg.Priority,
		Timeout:  time.Duration(msg.TimeoutSeconds) * time.Second,
	}

	q.log.Info("Received invocation", zap.String("task_id", inv.TaskID), zap.String("agent", inv.Agent))

	res := resultMessage{TaskID: inv.TaskID, Agent: inv.Agent, Status: "success"}
	out, err := handler(inv)
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	} else {
		res.Output = out
	}

	if err := q.publishResult(ctx, d, res); err != nil {
		q.log.Error("Failed to publish result, requeueing invocation",
			zap.String("task_id", inv.TaskID), zap.Error(err))
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

func (q *queueService) publishResult(ctx context.Context, d amqp.Delivery, res resultMessage) error {
	if d.ReplyTo == "" {
		q.log.Warn("Invocation without reply queue, result dropped", zap.String("task_id", res.TaskID))
		return nil
	}

	body, err := json.Marshal(res)
	if err != nil {
		return err
	}

	return q.ch.PublishWithContext(ctx,
		"",        // default exchange routes straight to the reply queue
		d.ReplyTo, // Routing key
		false,     // Mandatory
		false,     // Immediate
		amqp.Publishing{
			ContentType:   "application/json",
			Body:          body,
			CorrelationId: d.CorrelationId,
		})
}
