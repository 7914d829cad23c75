package monitor

import (
	"context"
	"errors"
	"sync"

	"github.com/glimte/delayq/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

var errBroker = errors.New("broker unavailable")

type published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// fakeChannel keeps per-queue message lists; queues must be added before use
type fakeChannel struct {
	mu sync.Mutex

	queues      map[string][][]byte
	consumers   map[string]int
	publishes   []published
	failPublish bool
	acks        int
	closed      bool
}

func newFakeChannel(queues ...string) *fakeChannel {
	f := &fakeChannel{
		queues:    make(map[string][][]byte),
		consumers: make(map[string]int),
	}
	for _, q := range queues {
		f.queues[q] = nil
	}
	return f
}

func (f *fakeChannel) put(queue string, bodies ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[queue] = append(f.queues[queue], bodies...)
}

func (f *fakeChannel) depth(queue string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[queue])
}

func (f *fakeChannel) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.publishes...)
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.queues[name]; !ok {
		f.queues[name] = nil
	}
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return nil
}

func (f *fakeChannel) QueueInspect(name string) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs, ok := f.queues[name]
	if !ok {
		// the broker closes the channel on a 404
		f.closed = true
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}
	return amqp.Queue{Name: name, Messages: len(msgs), Consumers: f.consumers[name]}, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPublish {
		return errBroker
	}
	f.publishes = append(f.publishes, published{Exchange: exchange, RoutingKey: key, Msg: msg})
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return nil, errors.New("not supported")
}

func (f *fakeChannel) Cancel(consumer string, noWait bool) error {
	return nil
}

func (f *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.queues[queue]
	if len(msgs) == 0 {
		return amqp.Delivery{}, false, nil
	}
	body := msgs[0]
	f.queues[queue] = msgs[1:]
	return amqp.Delivery{
		Acknowledger: &fakeAcker{ch: f, queue: queue, body: body},
		Body:         body,
	}, true, nil
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
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

// fakeAcker puts requeued messages back at the head of their queue
type fakeAcker struct {
	ch    *fakeChannel
	queue string
	body  []byte
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.ch.mu.Lock()
	defer a.ch.mu.Unlock()
	a.ch.acks++
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	return a.Reject(tag, requeue)
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	if !requeue {
		return nil
	}
	a.ch.mu.Lock()
	defer a.ch.mu.Unlock()
	a.ch.queues[a.queue] = append([][]byte{a.body}, a.ch.queues[a.queue]...)
	return nil
}

type staticProvider struct {
	ch rabbitmq.Channel
}

func (p staticProvider) Channel() (rabbitmq.Channel, error) {
	if p.ch == nil {
		return nil, rabbitmq.ErrNotConnected
	}
	return p.ch, nil
}

// fakeConnection replaces a closed channel with a fresh one over the same queues
type fakeConnection struct {
	channel *fakeChannel
	opened  int
	closed  bool
}

func (c *fakeConnection) Channel() (rabbitmq.Channel, error) {
	c.opened++
	if c.channel.IsClosed() {
		c.channel.mu.Lock()
		queues, consumers := c.channel.queues, c.channel.consumers
		c.channel.mu.Unlock()
		c.channel = &fakeChannel{queues: queues, consumers: consumers}
	}
	return c.channel, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.closed = true
	return nil
}
