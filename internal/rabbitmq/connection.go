package rabbitmq

import (
	"fmt"
	"sync"
	"time"

	"github.com/glimte/delayq/internal/eventbus"
	"github.com/glimte/delayq/internal/logging"
	"github.com/glimte/delayq/internal/metrics"
	"github.com/glimte/delayq/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// DefaultReconnectDelay is the fixed wait before each reconnect
	DefaultReconnectDelay = 3 * time.Second
	// DefaultMaxReconnectAttempts is the number of consecutive reconnects
	// after which reconnection is abandoned
	DefaultMaxReconnectAttempts = 1000
)

// ConnectionState is the lifecycle state of the broker connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	// StateFailed is terminal: the reconnect cap was exceeded
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionStateListener receives connection state change notifications.
// Callbacks run on the connecting goroutine and must not block.
type ConnectionStateListener interface {
	OnConnected(ch Channel)
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the single broker connection and channel. Faults
// raise a reconnect event on the bus; the reconnect handler is single-flight,
// waits a fixed delay and re-dials until the attempt cap is exceeded.
type ConnectionManager struct {
	url     string
	dialer  Dialer
	config  amqp.Config
	bus     *eventbus.Bus
	policy  reliability.RetryPolicy
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu                sync.RWMutex
	conn              Connection
	channel           Channel
	state             ConnectionState
	reconnectAttempts int
	timer             *time.Timer
	started           bool
	closed            bool
	failed            chan error

	reconnecting eventbus.Flight

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithMetrics sets the metrics collectors
func WithMetrics(m *metrics.Metrics) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.metrics = m
	}
}

// WithDialer replaces the amqp091-go dialer
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// WithAMQPConfig sets the amqp091-go connection config
func WithAMQPConfig(config amqp.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.config = config
	}
}

// WithReconnectPolicy sets the reconnect delay and attempt cap
func WithReconnectPolicy(delay time.Duration, maxAttempts int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.policy = reliability.NewFixedDelay(delay, maxAttempts)
	}
}

// NewConnectionManager creates a connection manager that signals through bus
func NewConnectionManager(url string, bus *eventbus.Bus, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:    url,
		dialer: DialAMQP,
		config: amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
		},
		bus:    bus,
		policy: reliability.NewFixedDelay(DefaultReconnectDelay, DefaultMaxReconnectAttempts),
		logger: zap.NewNop(),
		failed: make(chan error, 1),
	}

	for _, opt := range options {
		opt(cm)
	}

	cm.logger = logging.WithID(cm.logger, logging.ComponentAMQP)
	return cm
}

// Start registers the reconnect handler and makes the first connection
// attempt. A failed first attempt goes through the reconnect path.
func (cm *ConnectionManager) Start() error {
	if cm.url == "" {
		return &ConnectionError{Op: "start", Err: fmt.Errorf("%w: empty broker url", ErrInvalidConfiguration), Timestamp: time.Now()}
	}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrConnectionClosed
	}
	if cm.started {
		cm.mu.Unlock()
		return nil
	}
	cm.started = true
	cm.mu.Unlock()

	cm.bus.On(eventbus.EventReconnect, cm.handleReconnect)
	cm.connect()
	return nil
}

// Channel returns the current channel
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.state != StateConnected || cm.channel == nil {
		return nil, ErrNotConnected
	}
	if cm.channel.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.channel, nil
}

// State returns the connection state
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// ReconnectAttempts returns the number of reconnects since the last successful connect
func (cm *ConnectionManager) ReconnectAttempts() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.reconnectAttempts
}

// Failed delivers the terminal error once reconnection has been abandoned
func (cm *ConnectionManager) Failed() <-chan error {
	return cm.failed
}

// Close stops reconnecting and closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	if cm.timer != nil {
		cm.timer.Stop()
	}
	conn := cm.conn
	cm.conn = nil
	cm.channel = nil
	if cm.state != StateFailed {
		cm.setStateLocked(StateDisconnected)
	}
	cm.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

func (cm *ConnectionManager) connect() {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.setStateLocked(StateConnecting)
	cm.mu.Unlock()

	cm.logger.Info("creating connection", zap.String("url", SanitizeURL(cm.url)))

	conn, err := cm.dialer(cm.url, cm.config)
	if err != nil {
		cm.fault(&ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		})
		return
	}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		_ = conn.Close()
		return
	}
	cm.conn = conn
	cm.reconnectAttempts = 0
	cm.mu.Unlock()

	cm.logger.Info("created connection")
	go cm.watchConnection(conn, conn.NotifyClose(make(chan *amqp.Error, 1)))

	ch, err := conn.Channel()
	if err != nil {
		cm.fault(&ChannelError{
			Op:        "create channel",
			Err:       err,
			Timestamp: time.Now(),
		})
		return
	}

	cm.mu.Lock()
	if cm.closed || cm.conn != conn {
		cm.mu.Unlock()
		_ = ch.Close()
		return
	}
	cm.channel = ch
	cm.setStateLocked(StateConnected)
	cm.mu.Unlock()

	go cm.watchChannel(ch, ch.NotifyClose(make(chan *amqp.Error, 1)))

	cm.logger.Info("created channel")
	cm.notifyConnected(ch)
}

// fault logs err and raises a reconnect event
func (cm *ConnectionManager) fault(err error) {
	cm.logger.Error("broker fault", zap.Error(err))

	cm.mu.Lock()
	if cm.state != StateFailed {
		cm.setStateLocked(StateDisconnected)
	}
	cm.mu.Unlock()

	cm.notifyDisconnected(err)
	cm.bus.Emit(eventbus.EventReconnect, err)
}

func (cm *ConnectionManager) watchConnection(conn Connection, closeCh <-chan *amqp.Error) {
	amqpErr, ok := <-closeCh
	if !ok || amqpErr == nil {
		cm.logger.Info("connection closed")
		return
	}

	cm.mu.RLock()
	current := cm.conn == conn
	cm.mu.RUnlock()
	if !current {
		return
	}

	cm.fault(&ConnectionError{
		Op:        "connection",
		URL:       SanitizeURL(cm.url),
		Err:       amqpErr,
		Timestamp: time.Now(),
	})
}

// watchChannel escalates channel errors; a clean channel close is only logged
func (cm *ConnectionManager) watchChannel(ch Channel, closeCh <-chan *amqp.Error) {
	amqpErr, ok := <-closeCh
	if !ok || amqpErr == nil {
		cm.logger.Info("channel closed")
		return
	}

	cm.mu.RLock()
	current := cm.channel == ch
	cm.mu.RUnlock()
	if !current {
		return
	}

	cm.fault(&ChannelError{
		Op:        "channel",
		Err:       amqpErr,
		Timestamp: time.Now(),
	})
}

// handleReconnect is the bus handler for EventReconnect
func (cm *ConnectionManager) handleReconnect(interface{}) {
	if !cm.reconnecting.TryBegin() {
		return
	}

	cm.mu.Lock()
	if cm.closed || cm.state == StateFailed {
		cm.mu.Unlock()
		cm.reconnecting.End()
		return
	}
	stale := cm.conn
	cm.conn = nil
	cm.channel = nil
	cm.reconnectAttempts++
	attempt := cm.reconnectAttempts
	cm.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}

	cm.logger.Info("try to reconnect", zap.Int("count", attempt))

	ok, delay := cm.policy.ShouldRetry(attempt)
	if !ok {
		err := &ConnectionError{
			Op:        "reconnect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrMaxRetriesExceeded,
			Timestamp: time.Now(),
			Attempts:  attempt - 1,
		}
		cm.logger.Error("reconnect fail", zap.Error(err))

		cm.mu.Lock()
		cm.setStateLocked(StateFailed)
		cm.mu.Unlock()

		cm.metrics.ReconnectExhausted()
		cm.notifyDisconnected(err)
		select {
		case cm.failed <- err:
		default:
		}
		// the guard stays in flight: no reconnect is ever scheduled again
		return
	}

	cm.metrics.Reconnect()
	cm.notifyReconnecting(attempt)

	cm.mu.Lock()
	cm.timer = time.AfterFunc(delay, func() {
		cm.reconnecting.End()
		cm.connect()
	})
	cm.mu.Unlock()
}

func (cm *ConnectionManager) setStateLocked(state ConnectionState) {
	cm.state = state
	switch state {
	case StateConnecting:
		cm.metrics.SetConnectionState(metrics.StateConnecting)
	case StateConnected:
		cm.metrics.SetConnectionState(metrics.StateConnected)
	case StateFailed:
		cm.metrics.SetConnectionState(metrics.StateFailed)
	default:
		cm.metrics.SetConnectionState(metrics.StateDisconnected)
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) notifyConnected(ch Channel) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		listener.OnConnected(ch)
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		listener.OnReconnecting(attempt)
	}
}
