// Package rabbitmq provides the RabbitMQ plumbing of the delay queue.
//
// This package includes:
//   - ConnectionManager: owns the single connection and channel, reconnects
//     with a fixed delay through a single-flight handler on the event bus
//   - TopologyManager: declares the exchange, main, dead and delay-stage queues
//   - Publisher: publishes envelopes with fixed-delay retries up to a cap
//   - Consumer: consumes a queue and hands each delivery to a handler
//
// Broker access goes through the Channel and Connection interfaces so the
// amqp091-go client can be replaced in tests.
package rabbitmq
