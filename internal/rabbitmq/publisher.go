package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/delayq/contracts"
	"github.com/glimte/delayq/internal/eventbus"
	"github.com/glimte/delayq/internal/logging"
	"github.com/glimte/delayq/internal/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// DefaultPublishRetryDelay is the fixed wait between publish attempts
	DefaultPublishRetryDelay = 500 * time.Millisecond
	// DefaultMaxPublishAttempts caps the retries after the first attempt
	DefaultMaxPublishAttempts = 100
	// DefaultPublishTimeout bounds a single broker publish call
	DefaultPublishTimeout = 10 * time.Second
)

// ChannelProvider hands out the current broker channel
type ChannelProvider interface {
	Channel() (Channel, error)
}

// PublishOptions are per-message publish settings
type PublishOptions struct {
	// ExchangeType is used when the exchange is declared; defaults to direct
	ExchangeType string
	Persistent   bool
	Priority     uint8
	Headers      amqp.Table
}

// PublishRequest is one envelope addressed to an exchange and routing key.
// Attempt counts retries and starts at 0.
type PublishRequest struct {
	Exchange   string
	RoutingKey string
	Envelope   *contracts.Envelope
	Options    PublishOptions
	Attempt    int

	result chan error
}

// DropHandler is called when a publish is abandoned after the attempt cap
type DropHandler func(req PublishRequest, err error)

// Publisher publishes envelopes through the event bus. A failed attempt is
// retried after a fixed delay until the attempt cap; then the message is
// dropped and reported to the drop handler.
type Publisher struct {
	provider    ChannelProvider
	bus         *eventbus.Bus
	retryDelay  time.Duration
	maxAttempts int
	timeout     time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
	onDrop      DropHandler

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishRetryDelay sets the wait between publish attempts
func WithPublishRetryDelay(delay time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.retryDelay = delay
	}
}

// WithMaxPublishAttempts sets the retry cap
func WithMaxPublishAttempts(attempts int) PublisherOption {
	return func(p *Publisher) {
		p.maxAttempts = attempts
	}
}

// WithPublishTimeout sets the timeout of a single broker publish call
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.timeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics sets the metrics collectors
func WithPublisherMetrics(m *metrics.Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithDropHandler sets the callback for abandoned publishes
func WithDropHandler(handler DropHandler) PublisherOption {
	return func(p *Publisher) {
		p.onDrop = handler
	}
}

// NewPublisher creates a new publisher
func NewPublisher(provider ChannelProvider, bus *eventbus.Bus, options ...PublisherOption) *Publisher {
	p := &Publisher{
		provider:    provider,
		bus:         bus,
		retryDelay:  DefaultPublishRetryDelay,
		maxAttempts: DefaultMaxPublishAttempts,
		timeout:     DefaultPublishTimeout,
		logger:      zap.NewNop(),
		timers:      make(map[*time.Timer]struct{}),
	}

	for _, opt := range options {
		opt(p)
	}

	p.logger = logging.WithID(p.logger, logging.ComponentAMQP)
	return p
}

// Start registers the publish handler on the bus
func (p *Publisher) Start() {
	p.bus.On(eventbus.EventPublish, p.handlePublish)
}

// Publish queues req for publishing and returns without waiting
func (p *Publisher) Publish(req PublishRequest) error {
	return p.emit(normalize(req))
}

// PublishAndWait queues req and waits for the outcome of its first attempt.
// Retries of a failed first attempt continue in the background.
func (p *Publisher) PublishAndWait(ctx context.Context, req PublishRequest) error {
	req = normalize(req)
	req.result = make(chan error, 1)

	if err := p.emit(req); err != nil {
		return err
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops pending retries; further publishes fail with ErrPublisherClosed
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	for timer := range p.timers {
		timer.Stop()
	}
	p.timers = make(map[*time.Timer]struct{})
	return nil
}

// Pending returns the number of scheduled retries
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

func normalize(req PublishRequest) PublishRequest {
	if req.Options.ExchangeType == "" {
		req.Options.ExchangeType = ExchangeTypeDirect
	}
	if req.Attempt < 0 {
		req.Attempt = 0
	}
	return req
}

func (p *Publisher) emit(req PublishRequest) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed || !p.bus.Emit(eventbus.EventPublish, &req) {
		return ErrPublisherClosed
	}
	return nil
}

// handlePublish is the bus handler for EventPublish
func (p *Publisher) handlePublish(payload interface{}) {
	req, ok := payload.(*PublishRequest)
	if !ok {
		p.logger.Warn("unexpected publish payload", zap.String("type", fmt.Sprintf("%T", payload)))
		return
	}

	err := p.attempt(req)
	p.metrics.PublishAttempt(req.Exchange, err)

	if req.result != nil {
		req.result <- err
		req.result = nil
	}

	if err == nil {
		return
	}

	p.logger.Warn("publish failed",
		zap.String("exchange", req.Exchange),
		zap.String("routingKey", req.RoutingKey),
		zap.String("messageId", req.Envelope.MessageID),
		zap.Int("attempt", req.Attempt),
		zap.Error(err))

	next := *req
	next.Attempt++
	if next.Attempt > p.maxAttempts {
		p.drop(*req, err)
		return
	}

	p.schedule(next)
}

func (p *Publisher) attempt(req *PublishRequest) error {
	ch, err := p.provider.Channel()
	if err != nil {
		return err
	}

	// the exchange is declared on the first attempt only
	if req.Attempt == 0 {
		if err := ch.ExchangeDeclare(req.Exchange, req.Options.ExchangeType, true, false, false, false, nil); err != nil {
			return &TopologyError{Component: "exchange", Name: req.Exchange, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	body, err := req.Envelope.Marshal()
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   req.Envelope.MessageID,
		Timestamp:   time.Now(),
		Headers:     req.Options.Headers,
		Priority:    req.Options.Priority,
		Body:        body,
	}
	if req.Options.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	return ch.PublishWithContext(ctx, req.Exchange, req.RoutingKey, false, false, msg)
}

func (p *Publisher) schedule(req PublishRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(p.retryDelay, func() {
		p.mu.Lock()
		delete(p.timers, timer)
		p.mu.Unlock()

		if err := p.emit(req); err != nil {
			p.logger.Warn("publish retry discarded",
				zap.String("messageId", req.Envelope.MessageID),
				zap.Error(err))
		}
	})
	p.timers[timer] = struct{}{}
}

func (p *Publisher) drop(req PublishRequest, lastErr error) {
	err := &PublishError{
		Exchange:   req.Exchange,
		RoutingKey: req.RoutingKey,
		MessageID:  req.Envelope.MessageID,
		Attempts:   req.Attempt + 1,
		Err:        fmt.Errorf("%w: %v", ErrPublishDropped, lastErr),
		Timestamp:  time.Now(),
	}

	p.logger.Error("publish dropped", zap.Error(err))
	p.metrics.PublishDropped(req.Exchange)

	if p.onDrop != nil {
		p.onDrop(req, err)
	}
}
