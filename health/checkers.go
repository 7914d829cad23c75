package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/delayq/internal/reliability"
	"github.com/glimte/delayq/monitor"
	"golang.org/x/sync/singleflight"
)

// ConnectionStatus reports whether a broker connection is live
type ConnectionStatus interface {
	IsConnected() bool
}

// RabbitMQChecker reports the broker connection of a client
type RabbitMQChecker struct {
	conn ConnectionStatus
}

// NewRabbitMQChecker creates a new connection checker
func NewRabbitMQChecker(conn ConnectionStatus) *RabbitMQChecker {
	return &RabbitMQChecker{conn: conn}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Status:    StatusHealthy,
		Message:   "connected",
	}
	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
	}
	return result
}

// DeadQueueChecker reports a subscription degraded once its dead queue
// holds more than threshold messages, and unhealthy when the queue
// cannot be inspected. Concurrent checks share one broker round trip.
type DeadQueueChecker struct {
	inspector  *monitor.QueueInspector
	routingKey string
	threshold  int
	group      singleflight.Group
}

// NewDeadQueueChecker creates a dead queue checker for routingKey
func NewDeadQueueChecker(inspector *monitor.QueueInspector, routingKey string, threshold int) *DeadQueueChecker {
	return &DeadQueueChecker{
		inspector:  inspector,
		routingKey: routingKey,
		threshold:  threshold,
	}
}

func (c *DeadQueueChecker) Name() string {
	return fmt.Sprintf("dead_queue_%s", c.routingKey)
}

func (c *DeadQueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	queue := reliability.DeadQueue(c.routingKey)
	v, err, _ := c.group.Do(queue, func() (interface{}, error) {
		return c.inspector.InspectQueue(ctx, queue)
	})
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s not accessible", queue)
		result.Error = err.Error()
		return result
	}

	info := v.(*monitor.QueueInfo)
	result.Details["queue_name"] = info.Name
	result.Details["message_count"] = info.Messages

	if info.Messages > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d messages exhausted their schedule", info.Messages)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "no exhausted messages"
	return result
}
