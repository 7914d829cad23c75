package delayq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/glimte/delayq/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

var errBroker = errors.New("broker unavailable")

// fakeBroker is an in-memory broker that routes direct exchanges, expires
// short-TTL queues and dead-letters expired or rejected messages
type fakeBroker struct {
	mu        sync.Mutex
	queues    map[string]*fakeQueue
	bindings  map[string]string
	exchanges map[string]string
	arrivals  []string
	acks      int
	tag       uint64
	consumes  map[string]int

	failQueue string
	failDial  bool
	dials     int
	conns     []*fakeConn
}

type fakeQueue struct {
	name     string
	args     amqp.Table
	stored   [][]byte
	consumer chan amqp.Delivery
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:    make(map[string]*fakeQueue),
		bindings:  make(map[string]string),
		exchanges: make(map[string]string),
		consumes:  make(map[string]int),
	}
}

func (b *fakeBroker) dial(url string, config amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.failDial {
		return nil, errBroker
	}
	conn := &fakeConn{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) lastConn() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[len(b.conns)-1]
}

// consuming reports whether a consumer is attached to queue
func (b *fakeBroker) consuming(queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	return ok && q.consumer != nil
}

// consumeCount returns how often a consumer was attached to queue
func (b *fakeBroker) consumeCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumes[queue]
}

// storedIn returns the bodies waiting in a queue without consumer
func (b *fakeBroker) storedIn(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return append([][]byte(nil), q.stored...)
	}
	return nil
}

// arrivalLog returns the queues messages were routed to, in order
func (b *fakeBroker) arrivalLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.arrivals...)
}

func (b *fakeBroker) ackCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks
}

func (b *fakeBroker) route(exchange, key string, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routeLocked(exchange, key, body)
}

func (b *fakeBroker) routeLocked(exchange, key string, body []byte) {
	q, ok := b.queues[b.bindings[exchange+"/"+key]]
	if !ok {
		return
	}
	b.arrivals = append(b.arrivals, q.name)

	if ttl, ok := q.args["x-message-ttl"].(int64); ok && ttl < time.Hour.Milliseconds() {
		time.AfterFunc(time.Duration(ttl)*time.Millisecond, func() {
			b.deadLetter(q, body)
		})
		return
	}

	if q.consumer != nil {
		b.tag++
		select {
		case q.consumer <- amqp.Delivery{
			Acknowledger: &fakeAcker{broker: b, queue: q, body: body},
			DeliveryTag:  b.tag,
			Exchange:     exchange,
			RoutingKey:   key,
			Body:         body,
		}:
			return
		default:
		}
	}
	q.stored = append(q.stored, body)
}

func (b *fakeBroker) deadLetter(q *fakeQueue, body []byte) {
	dlx, _ := q.args["x-dead-letter-exchange"].(string)
	dlrk, _ := q.args["x-dead-letter-routing-key"].(string)
	if dlx == "" {
		return
	}
	b.route(dlx, dlrk, body)
}

type fakeAcker struct {
	broker *fakeBroker
	queue  *fakeQueue
	body   []byte
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	a.broker.acks++
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	return a.Reject(tag, requeue)
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	if requeue {
		a.broker.route("", a.queue.name, a.body)
		return nil
	}
	a.broker.deadLetter(a.queue, a.body)
	return nil
}

type fakeConn struct {
	broker  *fakeBroker
	mu      sync.Mutex
	closeCh chan *amqp.Error
	closed  bool
}

func (c *fakeConn) Channel() (rabbitmq.Channel, error) {
	return &fakeChannel{broker: c.broker, conn: c}, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCh = receiver
	return receiver
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) drop() {
	c.mu.Lock()
	ch := c.closeCh
	c.mu.Unlock()
	ch <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"}
}

type fakeChannel struct {
	broker *fakeBroker
	conn   *fakeConn
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.broker.mu.Lock()
	defer f.broker.mu.Unlock()
	f.broker.exchanges[name] = kind
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := f.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == b.failQueue {
		return amqp.Queue{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED"}
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &fakeQueue{name: name, args: args}
	}
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.broker.mu.Lock()
	defer f.broker.mu.Unlock()
	f.broker.bindings[exchange+"/"+key] = name
	return nil
}

func (f *fakeChannel) QueueInspect(name string) (amqp.Queue, error) {
	f.broker.mu.Lock()
	defer f.broker.mu.Unlock()
	q, ok := f.broker.queues[name]
	if !ok {
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND"}
	}
	return amqp.Queue{Name: name, Messages: len(q.stored)}, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.conn.IsClosed() {
		return amqp.ErrClosed
	}
	f.broker.route(exchange, key, msg.Body)
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := f.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND"}
	}
	q.consumer = make(chan amqp.Delivery, 64)
	b.consumes[queue]++
	pending := q.stored
	q.stored = nil
	for _, body := range pending {
		b.tag++
		q.consumer <- amqp.Delivery{
			Acknowledger: &fakeAcker{broker: b, queue: q, body: body},
			DeliveryTag:  b.tag,
			Body:         body,
		}
	}
	return q.consumer, nil
}

func (f *fakeChannel) Cancel(consumer string, noWait bool) error {
	return nil
}

func (f *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	return amqp.Delivery{}, false, nil
}

func (f *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return receiver
}

func (f *fakeChannel) IsClosed() bool {
	return f.conn.IsClosed()
}

func (f *fakeChannel) Close() error {
	return nil
}
