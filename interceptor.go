package delayq

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/delayq/internal/logging"
	"go.uber.org/zap"
)

// Interceptor wraps every handler invocation of a client
type Interceptor interface {
	// Intercept processes a delivery and calls next to continue the chain
	Intercept(ctx context.Context, d *Delivery, next Handler) error

	// Name returns the interceptor name for logging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, d *Delivery, next Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, d *Delivery, next Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, d *Delivery, next Handler) error {
	return i.fn(ctx, d, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain applies interceptors in order; the first one added runs outermost
type Chain []Interceptor

// Then returns h wrapped by the chain
func (c Chain) Then(h Handler) Handler {
	for i := len(c) - 1; i >= 0; i-- {
		interceptor, next := c[i], h
		h = func(ctx context.Context, d *Delivery) error {
			return interceptor.Intercept(ctx, d, next)
		}
	}
	return h
}

// LoggingInterceptor logs each handler run with its outcome and duration
type LoggingInterceptor struct {
	logger *zap.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *zap.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, d *Delivery, next Handler) error {
	logger := logging.WithID(i.logger, d.MessageID)
	start := time.Now()

	logger.Debug("receive message",
		zap.String("routingKey", d.RoutingKey),
		zap.Int("retryCount", d.RetryCount))

	err := next(ctx, d)
	if err != nil {
		logger.Info("handler returned error",
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return err
	}

	logger.Debug("handler succeeded", zap.Duration("duration", time.Since(start)))
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor fails a handler run that exceeds the timeout. The
// handler's context is cancelled; the run itself is not awaited.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, d *Delivery, next Handler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- invoke(timeoutCtx, next, d)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		return fmt.Errorf("handler timeout after %v for message %s", i.timeout, d.MessageID)
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// SkipBehavior defines what happens to a delivery the filter rejects
type SkipBehavior int

const (
	// SkipSilently treats the delivery as handled, so it is acked
	SkipSilently SkipBehavior = iota
	// SkipWithError treats the delivery as failed, so it is retried
	SkipWithError
)

// FilteringInterceptor only passes deliveries that match a predicate
type FilteringInterceptor struct {
	match        func(ctx context.Context, d *Delivery) (bool, error)
	skipBehavior SkipBehavior
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(match func(ctx context.Context, d *Delivery) (bool, error), skipBehavior SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{
		match:        match,
		skipBehavior: skipBehavior,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, d *Delivery, next Handler) error {
	ok, err := i.match(ctx, d)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}
	if ok {
		return next(ctx, d)
	}
	if i.skipBehavior == SkipWithError {
		return fmt.Errorf("message filtered: id=%s", d.MessageID)
	}
	return nil
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}
