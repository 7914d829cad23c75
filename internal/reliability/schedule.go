package reliability

import (
	"fmt"
	"math"
	"time"
)

const (
	deadQueueSuffix  = ".dead"
	delayQueueSuffix = "-delayed"
)

// Schedule is an ordered sequence of delay-stage wait times. Index i is the
// TTL of delay stage i; stage 0 is the initial delay applied to every new
// message, stage n is the wait before the delivery that follows the n-th failure.
type Schedule []time.Duration

// Validate checks that the schedule is usable for topology creation
func (s Schedule) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: schedule must contain at least one stage", ErrInvalidSchedule)
	}
	for i, d := range s {
		if d < 0 {
			return fmt.Errorf("%w: stage %d has negative delay %v", ErrInvalidSchedule, i, d)
		}
	}
	return nil
}

// Len returns the number of delay stages
func (s Schedule) Len() int {
	return len(s)
}

// Stage returns the delay of stage i and whether that stage exists
func (s Schedule) Stage(i int) (time.Duration, bool) {
	if i < 0 || i >= len(s) {
		return 0, false
	}
	return s[i], true
}

// TTL returns the broker message-ttl of stage i in milliseconds
func (s Schedule) TTL(i int) int64 {
	return s[i].Milliseconds()
}

// MainQueue returns the business queue name for a routing key
func MainQueue(routingKey string) string {
	return routingKey
}

// DeadQueue returns the terminal dead queue name for a routing key
func DeadQueue(routingKey string) string {
	return routingKey + deadQueueSuffix
}

// InitialDelayQueue returns the stage-0 queue name new messages are sent to
func InitialDelayQueue(routingKey string) string {
	return routingKey + delayQueueSuffix
}

// DelayQueue returns the queue name of delay stage i. Stage 0 is
// "<routingKey>-delayed", every later stage is "<routingKey>-delayed-<ttl ms>".
func (s Schedule) DelayQueue(routingKey string, i int) string {
	if i == 0 {
		return InitialDelayQueue(routingKey)
	}
	return fmt.Sprintf("%s%s-%d", routingKey, delayQueueSuffix, s.TTL(i))
}

// DelayQueues returns the names of all delay-stage queues in stage order
func (s Schedule) DelayQueues(routingKey string) []string {
	names := make([]string, len(s))
	for i := range s {
		names[i] = s.DelayQueue(routingKey, i)
	}
	return names
}

// ExponentialSchedule builds n stages starting at base and growing by factor,
// rounded to whole milliseconds.
func ExponentialSchedule(base time.Duration, factor float64, n int) Schedule {
	if n <= 0 {
		return nil
	}
	if factor < 1 {
		factor = 1
	}

	schedule := make(Schedule, n)
	for i := 0; i < n; i++ {
		delay := float64(base) * math.Pow(factor, float64(i))
		schedule[i] = time.Duration(delay).Round(time.Millisecond)
	}
	return schedule
}

// ScheduleFromMillis converts a list of millisecond TTLs into a Schedule
func ScheduleFromMillis(ms ...int64) Schedule {
	schedule := make(Schedule, len(ms))
	for i, v := range ms {
		schedule[i] = time.Duration(v) * time.Millisecond
	}
	return schedule
}
