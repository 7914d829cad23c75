package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/delayq/contracts"
	"github.com/glimte/delayq/internal/rabbitmq"
	"github.com/glimte/delayq/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Queue roles within one subscription's topology
const (
	RoleMain  = "main"
	RoleDead  = "dead"
	RoleDelay = "delay"
)

// ErrMalformedMessage is returned when a dead-queue message is not an envelope
var ErrMalformedMessage = errors.New("monitor: malformed message in dead queue")

// QueueInfo describes one queue of a subscription
type QueueInfo struct {
	Name      string        `json:"name"`
	Role      string        `json:"role"`
	Stage     int           `json:"stage,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`
	Messages  int           `json:"messages"`
	Consumers int           `json:"consumers"`
}

// SubscriptionReport lists the main, dead and delay-stage queues of a routing key
type SubscriptionReport struct {
	RoutingKey string      `json:"routing_key"`
	Queues     []QueueInfo `json:"queues"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Queue returns the report entry for name
func (r *SubscriptionReport) Queue(name string) (QueueInfo, bool) {
	for _, q := range r.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueInfo{}, false
}

// InFlight returns the number of messages waiting in delay stages
func (r *SubscriptionReport) InFlight() int {
	total := 0
	for _, q := range r.Queues {
		if q.Role == RoleDelay {
			total += q.Messages
		}
	}
	return total
}

// QueueInspector inspects and repairs the queues of delay subscriptions
// over AMQP, without the management HTTP API
type QueueInspector struct {
	provider rabbitmq.ChannelProvider
	logger   *zap.Logger
}

// NewQueueInspector creates a new AMQP-based queue inspector
func NewQueueInspector(provider rabbitmq.ChannelProvider, logger *zap.Logger) *QueueInspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueInspector{
		provider: provider,
		logger:   logger,
	}
}

// InspectQueue inspects a single queue
func (qi *QueueInspector) InspectQueue(ctx context.Context, queueName string) (*QueueInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch, err := qi.provider.Channel()
	if err != nil {
		return nil, err
	}

	queue, err := ch.QueueInspect(queueName)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect queue %s: %w", queueName, err)
	}

	return &QueueInfo{
		Name:      queue.Name,
		Messages:  queue.Messages,
		Consumers: queue.Consumers,
	}, nil
}

// CheckQueueExists checks if a queue exists
func (qi *QueueInspector) CheckQueueExists(ctx context.Context, queueName string) (bool, error) {
	_, err := qi.InspectQueue(ctx, queueName)
	if err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// InspectSubscription reports every queue of the routing key's topology
func (qi *QueueInspector) InspectSubscription(ctx context.Context, routingKey string, schedule reliability.Schedule) (*SubscriptionReport, error) {
	report := &SubscriptionReport{
		RoutingKey: routingKey,
		Timestamp:  time.Now(),
	}

	add := func(info QueueInfo) error {
		q, err := qi.InspectQueue(ctx, info.Name)
		if err != nil {
			return err
		}
		info.Messages = q.Messages
		info.Consumers = q.Consumers
		report.Queues = append(report.Queues, info)
		return nil
	}

	if err := add(QueueInfo{Name: reliability.MainQueue(routingKey), Role: RoleMain}); err != nil {
		return nil, err
	}
	if err := add(QueueInfo{Name: reliability.DeadQueue(routingKey), Role: RoleDead}); err != nil {
		return nil, err
	}
	for i, delay := range schedule {
		if err := add(QueueInfo{Name: schedule.DelayQueue(routingKey, i), Role: RoleDelay, Stage: i, Delay: delay}); err != nil {
			return nil, err
		}
	}

	return report, nil
}

// RequeueDead moves up to limit messages from the dead queue of routingKey
// back to its stage-0 delay queue, keeping the message id and resetting the
// retry count. A non-positive limit moves every message present when the
// call starts; messages dead-lettered again meanwhile are left alone.
func (qi *QueueInspector) RequeueDead(ctx context.Context, exchange, routingKey string, limit int) (int, error) {
	ch, err := qi.provider.Channel()
	if err != nil {
		return 0, err
	}

	deadQueue := reliability.DeadQueue(routingKey)
	target := reliability.InitialDelayQueue(routingKey)

	q, err := ch.QueueInspect(deadQueue)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %s: %w", deadQueue, err)
	}
	if limit <= 0 || limit > q.Messages {
		limit = q.Messages
	}

	moved := 0
	for moved < limit {
		if err := ctx.Err(); err != nil {
			return moved, err
		}

		d, ok, err := ch.Get(deadQueue, false)
		if err != nil {
			return moved, fmt.Errorf("failed to get from %s: %w", deadQueue, err)
		}
		if !ok {
			break
		}

		env, err := contracts.UnmarshalEnvelope(d.Body)
		if err != nil {
			_ = d.Reject(true)
			return moved, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}

		body, err := env.Reset().Marshal()
		if err != nil {
			_ = d.Reject(true)
			return moved, err
		}

		if err := ch.PublishWithContext(ctx, exchange, target, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.MessageID,
			Timestamp:    time.Now(),
			Body:         body,
		}); err != nil {
			_ = d.Reject(true)
			return moved, fmt.Errorf("failed to republish %s: %w", env.MessageID, err)
		}

		if err := d.Ack(false); err != nil {
			return moved, err
		}

		qi.logger.Info("requeued dead message",
			zap.String("id", env.MessageID),
			zap.Int("retryCount", env.RetryCount),
			zap.String("queue", target))
		moved++
	}

	return moved, nil
}
