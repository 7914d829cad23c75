// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package delayq schedules delayed and retried delivery of messages on
// RabbitMQ using only queue TTLs and dead-lettering.
package delayq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/delayq/contracts"
	"github.com/glimte/delayq/internal/eventbus"
	"github.com/glimte/delayq/internal/logging"
	"github.com/glimte/delayq/internal/metrics"
	"github.com/glimte/delayq/internal/rabbitmq"
	"github.com/glimte/delayq/internal/reliability"
	"go.uber.org/zap"
)

var (
	ErrInvalidSubscription = errors.New("delayq: invalid subscription")
	ErrClientClosed        = errors.New("delayq: client is closed")
	ErrAlreadyListening    = errors.New("delayq: client is already listening")
)

type (
	// Schedule lists the delay of every stage; index 0 delays the first delivery
	Schedule = reliability.Schedule
	// PublishError describes a publish abandoned after the attempt cap
	PublishError = rabbitmq.PublishError
	// Metrics holds the Prometheus collectors of a client
	Metrics = metrics.Metrics
)

// NewMetrics creates collectors on a fresh registry under namespace
func NewMetrics(namespace string) *Metrics {
	return metrics.New(namespace)
}

// ExponentialSchedule builds n stages starting at base and growing by factor
func ExponentialSchedule(base time.Duration, factor float64, n int) Schedule {
	return reliability.ExponentialSchedule(base, factor, n)
}

// Client provides the main entry point for delayq
type Client struct {
	cfg       *clientConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics
	bus       *eventbus.Bus
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager

	ctx    context.Context
	cancel context.CancelFunc

	registering eventbus.Flight
	fatal       chan error
	ready       chan struct{}
	readyOnce   sync.Once

	mu            sync.RWMutex
	subscriptions []*subscription
	conn          *rabbitmq.ConnectionManager
	listening     bool
	closed        bool
}

// New creates a client. Subscriptions are registered with
// RegisterSubscription and consumed once Listen connects.
func New(options ...ClientOption) *Client {
	cfg := defaultConfig()
	for _, opt := range options {
		opt(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := logging.WithID(cfg.logger, logging.ComponentAMQP)
	c := &Client{
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.metrics,
		bus:     eventbus.New(eventbus.WithLogger(logger)),
		ctx:     ctx,
		cancel:  cancel,
		fatal:   make(chan error, 1),
		ready:   make(chan struct{}),
	}

	c.topology = rabbitmq.NewTopologyManager(c.logger, cfg.metrics)
	c.consumer = rabbitmq.NewConsumer(
		rabbitmq.WithPrefetchCount(cfg.prefetch),
		rabbitmq.WithConsumerLogger(cfg.logger),
	)
	c.publisher = rabbitmq.NewPublisher(channelProvider{c}, c.bus,
		rabbitmq.WithPublishRetryDelay(cfg.publishRetryDelay),
		rabbitmq.WithMaxPublishAttempts(cfg.maxPublishAttempts),
		rabbitmq.WithPublisherLogger(cfg.logger),
		rabbitmq.WithPublisherMetrics(cfg.metrics),
		rabbitmq.WithDropHandler(c.dropped),
	)

	c.publisher.Start()
	c.bus.On(eventbus.EventSubscribe, c.handleSubscribe)
	go c.bus.Run(ctx)

	return c
}

// RegisterSubscription registers handler for the main queue of routingKey.
// Arguments are validated immediately; a routing key can be registered once.
func (c *Client) RegisterSubscription(exchange, routingKey string, schedule Schedule, handler Handler) error {
	s := Subscription{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Schedule:   append(Schedule(nil), schedule...),
		Handler:    handler,
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSubscription, err)
	}

	sub := &subscription{
		Subscription: s,
		scheduler:    reliability.NewTTLRetryScheduler(routingKey, s.Schedule),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	for _, existing := range c.subscriptions {
		if existing.RoutingKey == routingKey {
			c.mu.Unlock()
			return fmt.Errorf("%w: routing key %q already registered", ErrInvalidSubscription, routingKey)
		}
	}
	c.subscriptions = append(c.subscriptions, sub)
	conn := c.conn
	c.mu.Unlock()

	c.logger.Info("subscription registered",
		zap.String("exchange", exchange),
		zap.String("routingKey", routingKey),
		zap.Int("stages", schedule.Len()))

	// late registrations are declared on the live channel
	if conn != nil {
		if ch, err := conn.Channel(); err == nil {
			c.bus.Emit(eventbus.EventSubscribe, ch)
		}
	}
	return nil
}

// SendDelayMessage publishes content in a new envelope to the stage-0 delay
// queue of routingKey and returns the message id. Publishing is
// asynchronous; failed attempts are retried in the background.
func (c *Client) SendDelayMessage(exchange, routingKey string, content interface{}, options ...SendOption) (string, error) {
	env, err := contracts.NewEnvelopeWithID(c.cfg.idGenerator(), content)
	if err != nil {
		return "", err
	}

	opts := rabbitmq.PublishOptions{Persistent: c.cfg.persistent}
	for _, opt := range options {
		opt(&opts)
	}

	if err := c.publisher.Publish(rabbitmq.PublishRequest{
		Exchange:   exchange,
		RoutingKey: reliability.InitialDelayQueue(routingKey),
		Envelope:   env,
		Options:    opts,
	}); err != nil {
		return "", ErrClientClosed
	}

	logging.WithID(c.cfg.logger, env.MessageID).Debug("message scheduled",
		zap.String("exchange", exchange),
		zap.String("routingKey", routingKey))
	return env.MessageID, nil
}

// Listen connects to url and keeps the connection alive until ctx is
// cancelled or the client is closed, returning nil. It returns the error
// when topology declaration fails or reconnect attempts are exhausted.
func (c *Client) Listen(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.listening {
		c.mu.Unlock()
		return ErrAlreadyListening
	}

	options := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(c.cfg.logger),
		rabbitmq.WithMetrics(c.cfg.metrics),
		rabbitmq.WithDialer(c.cfg.dialer),
		rabbitmq.WithReconnectPolicy(c.cfg.reconnectDelay, c.cfg.maxReconnectAttempts),
	}
	if c.cfg.amqpConfig != nil {
		options = append(options, rabbitmq.WithAMQPConfig(*c.cfg.amqpConfig))
	}

	conn := rabbitmq.NewConnectionManager(url, c.bus, options...)
	conn.AddStateListener(connectionEvents{c})
	c.conn = conn
	c.listening = true
	c.mu.Unlock()

	defer c.stopListening(conn)

	if err := conn.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case <-c.ctx.Done():
		return nil
	case err := <-conn.Failed():
		return err
	case err := <-c.fatal:
		return err
	}
}

// Ready is closed once the topology of every registered subscription has
// been declared and consumed for the first time
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// IsConnected reports whether the client holds an open broker channel
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	return conn != nil && conn.IsConnected()
}

// Close stops consumers, pending publish retries and the connection
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	c.consumer.UnsubscribeAll()
	_ = c.publisher.Close()
	c.bus.Close()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) stopListening(conn *rabbitmq.ConnectionManager) {
	c.consumer.UnsubscribeAll()
	if err := conn.Close(); err != nil {
		c.logger.Debug("connection close failed", zap.Error(err))
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.listening = false
	c.mu.Unlock()
}

func (c *Client) snapshot() []*subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*subscription(nil), c.subscriptions...)
}

func (c *Client) hasSubscriptions() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) > 0
}

// fail hands a fatal error to Listen
func (c *Client) fail(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

func (c *Client) dropped(req rabbitmq.PublishRequest, err error) {
	if c.cfg.onDrop == nil {
		return
	}
	var pubErr *rabbitmq.PublishError
	if errors.As(err, &pubErr) {
		c.cfg.onDrop(pubErr)
	}
}

// channelProvider hands the publisher the channel of the live connection
type channelProvider struct {
	c *Client
}

func (p channelProvider) Channel() (rabbitmq.Channel, error) {
	p.c.mu.RLock()
	conn := p.c.conn
	p.c.mu.RUnlock()

	if conn == nil {
		return nil, rabbitmq.ErrNotConnected
	}
	return conn.Channel()
}

// connectionEvents raises subscribe after every successful connect
type connectionEvents struct {
	c *Client
}

func (e connectionEvents) OnConnected(ch rabbitmq.Channel) {
	if e.c.hasSubscriptions() {
		e.c.bus.Emit(eventbus.EventSubscribe, ch)
	}
}

func (e connectionEvents) OnDisconnected(err error) {}

func (e connectionEvents) OnReconnecting(attempt int) {}
