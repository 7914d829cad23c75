package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/delayq/internal/logging"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DeliveryHandler processes one delivery and settles it itself.
// A returned error is logged only.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer manages message consumption. Deliveries of one queue are
// handled one at a time in arrival order.
type Consumer struct {
	prefetchCount   int
	prefetchSize    int
	exclusive       bool
	consumerTag     string
	logger          *zap.Logger
	activeConsumers sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag prefix
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(options ...ConsumerOption) *Consumer {
	c := &Consumer{
		prefetchCount: 10,
		consumerTag:   "delayq",
		logger:        zap.NewNop(),
	}

	for _, opt := range options {
		opt(c)
	}

	c.logger = logging.WithID(c.logger, logging.ComponentAMQP)
	return c
}

// ConsumerInfo tracks active consumer information
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string
	Channel     Channel
	Cancel      context.CancelFunc
	Done        chan struct{}
}

// Subscribe starts consuming queue on ch. Subscribing again on the same
// channel is a no-op; a consumer left on a previous channel is replaced.
func (c *Consumer) Subscribe(ctx context.Context, ch Channel, queue string, handler DeliveryHandler) error {
	if value, ok := c.activeConsumers.Load(queue); ok {
		info := value.(*ConsumerInfo)
		if info.Channel == ch {
			return nil
		}
		if err := c.Unsubscribe(queue); err != nil {
			c.logger.Debug("stale consumer not cancelled", zap.String("queue", queue), zap.Error(err))
		}
	}

	if err := ch.Qos(c.prefetchCount, c.prefetchSize, false); err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: c.consumerTag, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	tag := fmt.Sprintf("%s-%s", c.consumerTag, queue)

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		c.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	info := &ConsumerInfo{
		Queue:       queue,
		ConsumerTag: tag,
		Channel:     ch,
		Cancel:      cancel,
		Done:        make(chan struct{}),
	}
	c.activeConsumers.Store(queue, info)

	go c.processMessages(consumerCtx, info, deliveries, handler)

	c.logger.Info("subscribed to queue",
		zap.String("queue", queue),
		zap.Int("prefetchCount", c.prefetchCount))

	return nil
}

func (c *Consumer) processMessages(ctx context.Context, info *ConsumerInfo, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		close(info.Done)
		c.activeConsumers.CompareAndDelete(info.Queue, info)
		c.logger.Info("consumer stopped", zap.String("queue", info.Queue))
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", zap.String("queue", info.Queue))
				return
			}

			if err := handler(ctx, delivery); err != nil {
				c.logger.Error("failed to handle message",
					zap.Error(err),
					zap.String("queue", info.Queue),
					zap.String("messageId", delivery.MessageId))
			}
		}
	}
}

// Unsubscribe stops consuming from a queue
func (c *Consumer) Unsubscribe(queue string) error {
	value, ok := c.activeConsumers.Load(queue)
	if !ok {
		return fmt.Errorf("no active consumer for queue: %s", queue)
	}

	info := value.(*ConsumerInfo)
	info.Cancel()
	<-info.Done

	if !info.Channel.IsClosed() {
		if err := info.Channel.Cancel(info.ConsumerTag, false); err != nil {
			return &ConsumerError{Queue: queue, ConsumerTag: info.ConsumerTag, Op: "cancel", Err: err, Timestamp: time.Now()}
		}
	}
	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() {
	var wg sync.WaitGroup

	c.activeConsumers.Range(func(key, value interface{}) bool {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(queue); err != nil {
				c.logger.Debug("unsubscribe skipped", zap.String("queue", queue), zap.Error(err))
			}
		}(key.(string))
		return true
	})

	wg.Wait()
}

// GetActiveConsumers returns a list of active consumer queues
func (c *Consumer) GetActiveConsumers() []string {
	var queues []string
	c.activeConsumers.Range(func(key, value interface{}) bool {
		queues = append(queues, key.(string))
		return true
	})
	return queues
}
