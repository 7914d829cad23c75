// Package reliability holds the retry logic of the delay queue.
//
// It contains:
//   - Schedule: the ordered delay stages of a subscription and the queue naming
//     contract derived from it (main, dead and delay-stage queue names)
//   - TTLRetryScheduler: the per-message state machine that turns a handler
//     outcome into ack, escalation to the next delay stage, or reject
//   - FixedDelay and Retry: the bounded fixed-delay policy used for publish
//     retries and broker reconnects
//
// Example:
//
//	schedule := reliability.ScheduleFromMillis(1000, 3000, 5000)
//	sm := reliability.NewTTLRetryScheduler("updateOrder", schedule)
//	d := sm.Decide(env, handlerErr)
//	// d.Action == ActionEscalate, d.Queue == "updateOrder-delayed-3000"
package reliability
