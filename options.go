package delayq

import (
	"time"

	"github.com/glimte/delayq/contracts"
	"github.com/glimte/delayq/internal/metrics"
	"github.com/glimte/delayq/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// clientConfig holds client configuration
type clientConfig struct {
	logger               *zap.Logger
	metrics              *metrics.Metrics
	dialer               rabbitmq.Dialer
	amqpConfig           *amqp.Config
	reconnectDelay       time.Duration
	maxReconnectAttempts int
	publishRetryDelay    time.Duration
	maxPublishAttempts   int
	mainQueueTTL         time.Duration
	prefetch             int
	persistent           bool
	onDrop               func(*PublishError)
	interceptors         Chain
	idGenerator          contracts.IDGenerator
}

func defaultConfig() *clientConfig {
	return &clientConfig{
		logger:               zap.NewNop(),
		dialer:               rabbitmq.DialAMQP,
		reconnectDelay:       rabbitmq.DefaultReconnectDelay,
		maxReconnectAttempts: rabbitmq.DefaultMaxReconnectAttempts,
		publishRetryDelay:    rabbitmq.DefaultPublishRetryDelay,
		maxPublishAttempts:   rabbitmq.DefaultMaxPublishAttempts,
		mainQueueTTL:         rabbitmq.DefaultMainQueueTTL,
		persistent:           true,
		idGenerator:          contracts.DefaultIDGenerator,
	}
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *zap.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMetrics records client activity on m
func WithMetrics(m *Metrics) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = m
	}
}

// WithDialer replaces the broker dialer
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithAMQPConfig sets the amqp091-go connection config
func WithAMQPConfig(config amqp.Config) ClientOption {
	return func(cfg *clientConfig) {
		cfg.amqpConfig = &config
	}
}

// WithReconnectPolicy sets the fixed reconnect delay and the number of
// consecutive reconnects after which the client gives up
func WithReconnectPolicy(delay time.Duration, maxAttempts int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reconnectDelay = delay
		cfg.maxReconnectAttempts = maxAttempts
	}
}

// WithPublishRetry sets the fixed delay between publish attempts and the retry cap
func WithPublishRetry(delay time.Duration, maxAttempts int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.publishRetryDelay = delay
		cfg.maxPublishAttempts = maxAttempts
	}
}

// WithMainQueueTTL sets the message TTL of every main queue
func WithMainQueueTTL(ttl time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.mainQueueTTL = ttl
	}
}

// WithPrefetch sets the consumer prefetch count; 0 leaves it unlimited
func WithPrefetch(count int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.prefetch = count
	}
}

// WithPersistentDelivery sets the default delivery mode of published messages
func WithPersistentDelivery(persistent bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.persistent = persistent
	}
}

// WithPublishDropHandler is called for every message abandoned after the
// publish attempt cap
func WithPublishDropHandler(handler func(*PublishError)) ClientOption {
	return func(cfg *clientConfig) {
		cfg.onDrop = handler
	}
}

// WithInterceptors wraps every subscription handler; the first interceptor
// runs outermost
func WithInterceptors(interceptors ...Interceptor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.interceptors = append(cfg.interceptors, interceptors...)
	}
}

// WithIDGenerator sets the message id generator used by SendDelayMessage
func WithIDGenerator(generate contracts.IDGenerator) ClientOption {
	return func(cfg *clientConfig) {
		if generate != nil {
			cfg.idGenerator = generate
		}
	}
}

// SendOption configures a single SendDelayMessage call
type SendOption func(*rabbitmq.PublishOptions)

// WithExchangeType sets the type used when the exchange is declared
func WithExchangeType(kind string) SendOption {
	return func(o *rabbitmq.PublishOptions) {
		o.ExchangeType = kind
	}
}

// WithHeaders sets message headers
func WithHeaders(headers map[string]interface{}) SendOption {
	return func(o *rabbitmq.PublishOptions) {
		o.Headers = amqp.Table(headers)
	}
}

// WithPersistent overrides the client delivery mode for one message
func WithPersistent(persistent bool) SendOption {
	return func(o *rabbitmq.PublishOptions) {
		o.Persistent = persistent
	}
}

// WithPriority sets the message priority
func WithPriority(priority uint8) SendOption {
	return func(o *rabbitmq.PublishOptions) {
		o.Priority = priority
	}
}
