package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/delayq/internal/rabbitmq"
	"github.com/glimte/delayq/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Session is a broker connection for tooling and health checks. A channel
// closed by the broker is reopened on the next Channel call, and a dropped
// connection is redialed once per call.
type Session struct {
	dialer rabbitmq.Dialer
	url    string

	mu     sync.Mutex
	conn   rabbitmq.Connection
	ch     rabbitmq.Channel
	closed bool
}

// Connect dials url, retrying per policy, and opens a channel
func Connect(ctx context.Context, dialer rabbitmq.Dialer, url string, policy reliability.RetryPolicy) (*Session, error) {
	if dialer == nil {
		dialer = rabbitmq.DialAMQP
	}

	var conn rabbitmq.Connection
	err := reliability.Retry(ctx, policy, func() error {
		c, err := dialer(url, amqp.Config{})
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, &rabbitmq.ConnectionError{Op: "dial", URL: rabbitmq.SanitizeURL(url), Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, &rabbitmq.ConnectionError{Op: "channel", URL: rabbitmq.SanitizeURL(url), Err: err, Timestamp: time.Now()}
	}

	return &Session{dialer: dialer, url: url, conn: conn, ch: ch}, nil
}

// Channel implements rabbitmq.ChannelProvider
func (s *Session) Channel() (rabbitmq.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, rabbitmq.ErrNotConnected
	}
	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}
	s.ch = nil

	if s.conn == nil || s.conn.IsClosed() {
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
		conn, err := s.dialer(s.url, amqp.Config{})
		if err != nil {
			return nil, &rabbitmq.ConnectionError{Op: "redial", URL: rabbitmq.SanitizeURL(s.url), Err: err, Timestamp: time.Now()}
		}
		s.conn = conn
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return nil, &rabbitmq.ConnectionError{Op: "channel", URL: rabbitmq.SanitizeURL(s.url), Err: err, Timestamp: time.Now()}
	}
	s.ch = ch
	return ch, nil
}

// Close closes the channel and the connection
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.ch != nil && !s.ch.IsClosed() {
		_ = s.ch.Close()
	}
	conn := s.conn
	s.conn, s.ch = nil, nil
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}
