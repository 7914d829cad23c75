package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

var errBroker = errors.New("broker unavailable")

type published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

type declaredQueue struct {
	Name string
	Args amqp.Table
}

type binding struct {
	Queue, Key, Exchange string
}

// fakeChannel records broker calls; failPublish makes the next N publishes fail
type fakeChannel struct {
	mu sync.Mutex

	exchanges   []string
	queues      []declaredQueue
	bindings    []binding
	publishes   []published
	publishCall int
	failPublish int
	failQueue   string
	getQueue    map[string][]amqp.Delivery
	cancelled   []string

	deliveries chan amqp.Delivery
	closeCh    chan *amqp.Error
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		deliveries: make(chan amqp.Delivery, 16),
		getQueue:   make(map[string][]amqp.Delivery),
	}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, name+":"+kind)
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == f.failQueue {
		return amqp.Queue{}, errBroker
	}
	f.queues = append(f.queues, declaredQueue{Name: name, Args: args})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, binding{Queue: name, Key: key, Exchange: exchange})
	return nil
}

func (f *fakeChannel) QueueInspect(name string) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return amqp.Queue{Name: name, Messages: len(f.getQueue[name])}, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishCall++
	if f.failPublish > 0 {
		f.failPublish--
		return errBroker
	}
	f.publishes = append(f.publishes, published{Exchange: exchange, RoutingKey: key, Msg: msg})
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(consumer string, noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, consumer)
	return nil
}

func (f *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pending := f.getQueue[queue]
	if len(pending) == 0 {
		return amqp.Delivery{}, false, nil
	}
	f.getQueue[queue] = pending[1:]
	return pending[0], true, nil
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCh = c
	return c
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fail simulates a broker-side channel exception
func (f *fakeChannel) fail(code int) {
	f.mu.Lock()
	ch := f.closeCh
	f.mu.Unlock()
	ch <- &amqp.Error{Code: code, Reason: "channel exception"}
}

func (f *fakeChannel) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.publishCall
}

func (f *fakeChannel) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.publishes...)
}

func (f *fakeChannel) declaredExchanges() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.exchanges...)
}

type fakeConnection struct {
	mu      sync.Mutex
	channel *fakeChannel
	closeCh chan *amqp.Error
	closed  bool
}

func (c *fakeConnection) Channel() (Channel, error) {
	return c.channel, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCh = receiver
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// drop simulates a broker-side connection failure
func (c *fakeConnection) drop() {
	c.mu.Lock()
	ch := c.closeCh
	c.mu.Unlock()
	ch <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"}
}

// fakeDialer hands out fresh fake connections and counts dials
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	fail  bool
	conns []*fakeConnection
}

func (d *fakeDialer) dial(url string, config amqp.Config) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errBroker
	}
	conn := &fakeConnection{channel: newFakeChannel()}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *fakeDialer) last() *fakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// mockStateListener records connection state notifications
type mockStateListener struct {
	mock.Mock
}

func (m *mockStateListener) OnConnected(ch Channel) {
	m.Called(ch)
}

func (m *mockStateListener) OnDisconnected(err error) {
	m.Called(err)
}

func (m *mockStateListener) OnReconnecting(attempt int) {
	m.Called(attempt)
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond
