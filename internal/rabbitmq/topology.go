package rabbitmq

import (
	"time"

	"github.com/glimte/delayq/internal/metrics"
	"github.com/glimte/delayq/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// DefaultMainQueueTTL bounds how long a message may wait in a main queue
	DefaultMainQueueTTL = 24 * time.Hour

	// ExchangeTypeDirect is the exchange type used for subscriptions
	ExchangeTypeDirect = "direct"

	argMessageTTL           = "x-message-ttl"
	argDeadLetterExchange   = "x-dead-letter-exchange"
	argDeadLetterRoutingKey = "x-dead-letter-routing-key"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the complete set of broker objects of one subscription
type Topology struct {
	RoutingKey string
	Exchanges  []ExchangeDeclaration
	Queues     []QueueDeclaration
	Bindings   []Binding
}

// PlanTopology builds the delay topology for one subscription:
//
//	exchange        direct, durable
//	<rk>            ttl mainTTL, dead-letters to <rk>.dead, bound on <rk>
//	<rk>.dead       bound on <rk>.dead
//	delay stage i   ttl schedule[i], dead-letters to <rk>, bound on its own name
func PlanTopology(exchange, routingKey string, schedule reliability.Schedule, mainTTL time.Duration) Topology {
	if mainTTL <= 0 {
		mainTTL = DefaultMainQueueTTL
	}

	mainQueue := reliability.MainQueue(routingKey)
	deadQueue := reliability.DeadQueue(routingKey)

	t := Topology{
		RoutingKey: routingKey,
		Exchanges: []ExchangeDeclaration{
			{Name: exchange, Type: ExchangeTypeDirect, Durable: true},
		},
		Queues: []QueueDeclaration{
			{
				Name:    mainQueue,
				Durable: true,
				Arguments: amqp.Table{
					argDeadLetterExchange:   exchange,
					argDeadLetterRoutingKey: deadQueue,
					argMessageTTL:           mainTTL.Milliseconds(),
				},
			},
			{Name: deadQueue, Durable: true},
		},
		Bindings: []Binding{
			{Queue: mainQueue, Exchange: exchange, RoutingKey: routingKey},
			{Queue: deadQueue, Exchange: exchange, RoutingKey: deadQueue},
		},
	}

	for i := range schedule {
		name := schedule.DelayQueue(routingKey, i)
		t.Queues = append(t.Queues, QueueDeclaration{
			Name:    name,
			Durable: true,
			Arguments: amqp.Table{
				argDeadLetterExchange:   exchange,
				argDeadLetterRoutingKey: routingKey,
				argMessageTTL:           schedule.TTL(i),
			},
		})
		t.Bindings = append(t.Bindings, Binding{Queue: name, Exchange: exchange, RoutingKey: name})
	}

	return t
}

// TopologyManager declares exchanges, queues and bindings on a channel
type TopologyManager struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(logger *zap.Logger, m *metrics.Metrics) *TopologyManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TopologyManager{
		logger:  logger,
		metrics: m,
	}
}

// DeclareTopology declares the complete topology. Declarations are
// idempotent; the first failure is returned as a *TopologyError.
func (tm *TopologyManager) DeclareTopology(ch Channel, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := tm.declareExchange(ch, exchange); err != nil {
			return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	for _, queue := range topology.Queues {
		if _, err := tm.declareQueue(ch, queue); err != nil {
			return &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	for _, binding := range topology.Bindings {
		if err := tm.bindQueue(ch, binding); err != nil {
			return &TopologyError{Component: "binding", Name: binding.Queue, Op: "bind", Err: err, Timestamp: time.Now()}
		}
	}

	tm.logger.Info("declared topology",
		zap.String("routingKey", topology.RoutingKey),
		zap.Int("queues", len(topology.Queues)))
	tm.metrics.TopologyDeclared(topology.RoutingKey)
	return nil
}

func (tm *TopologyManager) declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

func (tm *TopologyManager) declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

func (tm *TopologyManager) bindQueue(ch Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}
