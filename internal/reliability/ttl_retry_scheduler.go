package reliability

import (
	"time"

	"github.com/glimte/delayq/contracts"
)

// Action is the outcome of one delivery
type Action int

const (
	// ActionAck acknowledges the delivery, processing is complete
	ActionAck Action = iota
	// ActionEscalate republishes the next attempt to a delay stage, then acks the delivery
	ActionEscalate
	// ActionReject rejects the delivery without requeue so the main queue
	// dead-letters it into the dead queue
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionEscalate:
		return "escalate"
	case ActionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Decision describes what to do with a delivered message
type Decision struct {
	Action Action
	// Queue is the delay-stage queue (and routing key) to republish to on escalation
	Queue string
	// Stage is the delay-stage index used on escalation
	Stage int
	// Delay is the TTL of that stage
	Delay time.Duration
	// Envelope is the envelope to republish on escalation
	Envelope *contracts.Envelope
}

// TTLRetryScheduler decides, per delivered message, how a handler outcome is
// routed through the delay stages of one subscription.
type TTLRetryScheduler struct {
	routingKey string
	schedule   Schedule
}

// NewTTLRetryScheduler creates the retry state machine for one subscription
func NewTTLRetryScheduler(routingKey string, schedule Schedule) *TTLRetryScheduler {
	return &TTLRetryScheduler{
		routingKey: routingKey,
		schedule:   schedule,
	}
}

// Decide maps a handler result to a Decision. Any non-nil handlerErr is a
// failure; the next attempt goes to stage retryCount+1 when that stage exists,
// otherwise the delivery is rejected.
func (s *TTLRetryScheduler) Decide(env *contracts.Envelope, handlerErr error) Decision {
	if handlerErr == nil {
		return Decision{Action: ActionAck}
	}

	next := env.NextAttempt()
	delay, ok := s.schedule.Stage(next.RetryCount)
	if !ok {
		return Decision{Action: ActionReject}
	}

	return Decision{
		Action:   ActionEscalate,
		Queue:    s.schedule.DelayQueue(s.routingKey, next.RetryCount),
		Stage:    next.RetryCount,
		Delay:    delay,
		Envelope: next,
	}
}
