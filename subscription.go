package delayq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/delayq/contracts"
	"github.com/glimte/delayq/internal/logging"
	"github.com/glimte/delayq/internal/metrics"
	"github.com/glimte/delayq/internal/rabbitmq"
	"github.com/glimte/delayq/internal/reliability"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Delivery is one message handed to a Handler
type Delivery struct {
	*contracts.Envelope

	Exchange   string
	RoutingKey string
	Headers    map[string]interface{}
	Timestamp  time.Time
}

// Handler processes a delivery. Any non-nil error is a failure and sends the
// message to the next delay stage, or to the dead queue once the schedule is
// exhausted. Delivery is at-least-once: after a channel failure during
// escalation the same message id can be handled twice.
type Handler func(ctx context.Context, d *Delivery) error

// Subscription binds a handler to the main queue of one routing key
type Subscription struct {
	Exchange   string
	RoutingKey string
	Schedule   Schedule
	Handler    Handler
}

// Validate checks that every field is present and the schedule is usable
func (s Subscription) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Exchange, validation.Required),
		validation.Field(&s.RoutingKey, validation.Required),
		validation.Field(&s.Schedule, validation.Required),
		validation.Field(&s.Handler, validation.By(handlerRequired)),
	)
}

func handlerRequired(value interface{}) error {
	if h, _ := value.(Handler); h == nil {
		return errors.New("cannot be blank")
	}
	return nil
}

// subscription is a registered Subscription with its retry state machine
type subscription struct {
	Subscription
	scheduler *reliability.TTLRetryScheduler
}

func (c *Client) topologyFor(sub *subscription) rabbitmq.Topology {
	return rabbitmq.PlanTopology(sub.Exchange, sub.RoutingKey, sub.Schedule, c.cfg.mainQueueTTL)
}

// handleSubscribe is the bus handler for EventSubscribe. It declares the
// topology of every subscription on ch and attaches the consumers.
func (c *Client) handleSubscribe(payload interface{}) {
	ch, ok := payload.(rabbitmq.Channel)
	if !ok {
		return
	}
	if !c.registering.TryBegin() {
		return
	}
	defer c.registering.End()

	for _, sub := range c.snapshot() {
		if err := c.topology.DeclareTopology(ch, c.topologyFor(sub)); err != nil {
			c.logger.Error("topology declaration failed", zap.Error(err))
			c.fail(err)
			return
		}

		queue := reliability.MainQueue(sub.RoutingKey)
		if err := c.consumer.Subscribe(c.ctx, ch, queue, c.deliveryHandler(sub)); err != nil {
			// a broken channel raises its own reconnect
			c.logger.Error("consume failed", zap.String("queue", queue), zap.Error(err))
		}
	}
	c.readyOnce.Do(func() { close(c.ready) })
}

// deliveryHandler runs the handler of sub and settles the delivery
func (c *Client) deliveryHandler(sub *subscription) rabbitmq.DeliveryHandler {
	handler := c.cfg.interceptors.Then(sub.Handler)

	return func(ctx context.Context, d amqp.Delivery) error {
		start := time.Now()

		env, err := contracts.UnmarshalEnvelope(d.Body)
		if err != nil {
			c.logger.Error("invalid message, rejecting", zap.String("queue", sub.RoutingKey), zap.Error(err))
			c.metrics.ObserveDelivery(sub.RoutingKey, metrics.OutcomeInvalid, 0)
			return d.Reject(false)
		}

		logger := logging.WithID(c.cfg.logger, env.MessageID)
		handlerErr := invoke(ctx, handler, &Delivery{
			Envelope:   env,
			Exchange:   d.Exchange,
			RoutingKey: sub.RoutingKey,
			Headers:    d.Headers,
			Timestamp:  d.Timestamp,
		})

		decision := sub.scheduler.Decide(env, handlerErr)
		switch decision.Action {
		case reliability.ActionAck:
			logger.Info("message processed", zap.Int("retryCount", env.RetryCount))
			c.metrics.ObserveDelivery(sub.RoutingKey, metrics.OutcomeAck, time.Since(start))
			return d.Ack(false)

		case reliability.ActionEscalate:
			logger.Warn(fmt.Sprintf("handler failed, retry in %v", decision.Delay),
				zap.Int("retryCount", decision.Envelope.RetryCount),
				zap.String("queue", decision.Queue),
				zap.NamedError("cause", handlerErr))

			err := c.publisher.PublishAndWait(ctx, rabbitmq.PublishRequest{
				Exchange:   sub.Exchange,
				RoutingKey: decision.Queue,
				Envelope:   decision.Envelope,
				Options:    rabbitmq.PublishOptions{Persistent: c.cfg.persistent},
			})
			if errors.Is(err, context.Canceled) || errors.Is(err, rabbitmq.ErrPublisherClosed) {
				// unsettled: the broker redelivers it after the channel closes
				return err
			}
			if err != nil {
				logger.Warn("escalation publish failed, retrying in background", zap.Error(err))
			}
			c.metrics.ObserveDelivery(sub.RoutingKey, metrics.OutcomeEscalate, time.Since(start))
			return d.Ack(false)

		default:
			logger.Error("retry schedule exhausted, dead-lettering",
				zap.Int("retryCount", env.RetryCount),
				zap.NamedError("cause", handlerErr))
			c.metrics.ObserveDelivery(sub.RoutingKey, metrics.OutcomeReject, time.Since(start))
			return d.Reject(false)
		}
	}
}

// invoke calls h and turns a panic into an error
func invoke(ctx context.Context, h Handler, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, d)
}
