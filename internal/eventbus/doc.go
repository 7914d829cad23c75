// Package eventbus decouples the delay-queue components through three
// in-process events: reconnect, subscribe and publish.
//
// Each event has exactly one handler. Events are delivered by a single
// dispatcher goroutine in emission order, which gives the connection manager,
// topology registration and publisher a single control flow without sharing
// locks between them. Flight provides the single-flight guards used to
// coalesce bursts of reconnect and subscribe triggers.
package eventbus
