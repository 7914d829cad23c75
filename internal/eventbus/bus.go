package eventbus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Event names an in-process notification
type Event string

const (
	// EventReconnect asks the connection manager to re-dial the broker
	EventReconnect Event = "reconnect"
	// EventSubscribe asks the client to (re)declare topology and attach consumers
	EventSubscribe Event = "subscribe"
	// EventPublish carries one publish attempt to the publisher
	EventPublish Event = "publish"
)

// Handler processes the payload of one event
type Handler func(payload interface{})

type message struct {
	event   Event
	payload interface{}
}

// Bus is a small in-process pub/sub with one handler per event. Emit never
// blocks; a single dispatcher delivers events in emission order, so handlers
// never run concurrently with each other.
type Bus struct {
	mu       sync.Mutex
	handlers map[Event]Handler
	queue    []message
	signal   chan struct{}
	done     chan struct{}
	closed   bool
	logger   *zap.Logger
}

// Option configures the Bus
type Option func(*Bus)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New creates an event bus; call Run to start dispatching
func New(options ...Option) *Bus {
	b := &Bus{
		handlers: make(map[Event]Handler),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   zap.NewNop(),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// On registers the handler for an event, replacing any previous one
func (b *Bus) On(event Event, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = handler
}

// Emit queues an event for dispatch. It returns false once the bus is closed.
// Handlers may call Emit; the event is delivered after the current one.
func (b *Bus) Emit(event Event, payload interface{}) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, message{event: event, payload: payload})
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of queued, undelivered events
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Run dispatches events until ctx is done or Close is called
func (b *Bus) Run(ctx context.Context) {
	for {
		for {
			msg, ok := b.next()
			if !ok {
				break
			}
			b.dispatch(msg)
		}

		select {
		case <-b.signal:
		case <-ctx.Done():
			return
		case <-b.done:
			return
		}
	}
}

// Close stops the dispatcher and drops undelivered events
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.queue = nil
	close(b.done)
}

func (b *Bus) next() (message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || len(b.queue) == 0 {
		return message{}, false
	}
	msg := b.queue[0]
	b.queue[0] = message{}
	b.queue = b.queue[1:]
	return msg, true
}

func (b *Bus) dispatch(msg message) {
	b.mu.Lock()
	handler, ok := b.handlers[msg.event]
	b.mu.Unlock()

	if !ok {
		b.logger.Warn("no handler for event", zap.String("event", string(msg.event)))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", string(msg.event)),
				zap.Error(fmt.Errorf("panic: %v", r)))
		}
	}()

	handler(msg.payload)
}
