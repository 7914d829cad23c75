package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/delayq"
	"github.com/glimte/delayq/health"
	"github.com/glimte/delayq/internal/config"
	"github.com/glimte/delayq/internal/logging"
	"github.com/glimte/delayq/internal/rabbitmq"
	"github.com/glimte/delayq/internal/reliability"
	"github.com/glimte/delayq/monitor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globals are the persistent flags shared by every command
type globals struct {
	configPath string
	url        string
	logLevel   string
}

func main() {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "delayq",
		Short: "Delayed and retried message delivery on RabbitMQ",
		Long: `delayq schedules delayed delivery and staged retries of messages using
only RabbitMQ queue TTLs and dead-letter routing.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVarP(&g.url, "url", "u", "", "RabbitMQ connection URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(
		newListenCmd(g),
		newSendCmd(g),
		newTopologyCmd(g),
		newInspectCmd(g),
		newRequeueDeadCmd(g),
		newDemoCmd(g),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// load reads the configuration and applies flag overrides
func (g *globals) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.url != "" {
		cfg.URL = g.url
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// clientOptions maps the configuration onto client options
func clientOptions(cfg *config.Config, logger *zap.Logger, m *delayq.Metrics) []delayq.ClientOption {
	return []delayq.ClientOption{
		delayq.WithLogger(logger),
		delayq.WithMetrics(m),
		delayq.WithReconnectPolicy(cfg.ReconnectDelay, cfg.MaxReconnectAttempts),
		delayq.WithPublishRetry(cfg.PublishRetryDelay, cfg.MaxPublishAttempts),
		delayq.WithMainQueueTTL(cfg.MainQueueTTL),
		delayq.WithPrefetch(cfg.Prefetch),
	}
}

// connect opens a broker session for the inspection commands and health checks
func connect(ctx context.Context, cfg *config.Config) (*monitor.Session, error) {
	policy := reliability.NewFixedDelay(cfg.ReconnectDelay, 3)
	return monitor.Connect(ctx, rabbitmq.DialAMQP, cfg.URL, policy)
}

// serveOps serves /metrics, /healthz, /readyz and /livez on addr until ctx is done
func serveOps(ctx context.Context, addr string, m *delayq.Metrics, registry *health.Registry, logger *zap.Logger) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
	mux.Handle("/readyz", health.ReadinessHandler(registry))
	mux.Handle("/livez", health.LivenessHandler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics and health", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// target resolves the subscriptions a command acts on: the flags when a
// routing key is given, the configured subscriptions otherwise.
type target struct {
	exchange   string
	routingKey string
	schedule   []time.Duration
}

func (t *target) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&t.exchange, "exchange", "e", "", "Exchange name")
	cmd.Flags().StringVarP(&t.routingKey, "routing-key", "r", "", "Routing key")
	cmd.Flags().DurationSliceVarP(&t.schedule, "schedule", "s", nil, "Delay schedule, e.g. 1s,3s,5s")
}

func (t *target) resolve(cfg *config.Config) ([]config.SubscriptionConfig, error) {
	if t.routingKey == "" {
		if len(cfg.Subscriptions) == 0 {
			return nil, errors.New("no subscriptions configured; pass --routing-key")
		}
		return cfg.Subscriptions, nil
	}

	sub := config.SubscriptionConfig{
		Exchange:   t.exchange,
		RoutingKey: t.routingKey,
		Schedule:   t.schedule,
	}
	// fill the schedule from config when only the routing key was given
	if len(sub.Schedule) == 0 || sub.Exchange == "" {
		for _, s := range cfg.Subscriptions {
			if s.RoutingKey != sub.RoutingKey {
				continue
			}
			if len(sub.Schedule) == 0 {
				sub.Schedule = s.Schedule
			}
			if sub.Exchange == "" {
				sub.Exchange = s.Exchange
			}
		}
	}
	if err := sub.Validate(); err != nil {
		return nil, fmt.Errorf("subscription %s: %w", sub.RoutingKey, err)
	}
	return []config.SubscriptionConfig{sub}, nil
}
