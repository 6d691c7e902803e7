package redis

import (
	"context"

	"github.com/devgrid/agent-orchestrator/internal/core/port"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// cancelChannel carries task ids whose execution should stop.
const cancelChannel = "tasks.cancel"

type cancelSignaler struct {
	client *redis.Client
	log    *zap.Logger
}

// NewCancelSignaler creates the pub/sub fan-out for task cancellations. The
// signal is best-effort: a worker that misses it finishes its invocation and
// the orchestrator drops the late result.
func NewCancelSignaler(client *redis.Client, log *zap.Logger) port.CancelSignaler {
	return &cancelSignaler{
		client: client,
		log:    log,
	}
}

func (s *cancelSignaler) BroadcastCancel(ctx context.Context, taskID string) error {
	return s.client.Publish(ctx, cancelChannel, taskID).Err()
}

// SubscribeCancels blocks delivering cancelled task ids to fn until ctx ends.
func (s *cancelSignaler) SubscribeCancels(ctx context.Context, fn func(taskID string)) error {
	sub := s.client.Subscribe(ctx, cancelChannel)
	defer sub.Close()

	// Force the subscription before we report ready
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.log.Debug("Cancel signal received", zap.String("task_id", msg.Payload))
			fn(msg.Payload)
		}
	}
}
