package main

import (
	"context"

	"github.com/glimte/delayq"
	"github.com/glimte/delayq/health"
	"github.com/glimte/delayq/internal/logging"
	"github.com/glimte/delayq/internal/rabbitmq"
	"github.com/glimte/delayq/monitor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newListenCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Declare the configured subscriptions and log their deliveries",
		Long: `Declares the topology of every configured subscription, consumes the main
queues and logs each delivery. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := signalContext()
			defer cancel()

			m := delayq.NewMetrics("delayq")
			client := delayq.New(clientOptions(cfg, logger, m)...)
			defer client.Close()

			for _, sub := range cfg.Subscriptions {
				routingKey := sub.RoutingKey
				err := client.RegisterSubscription(sub.Exchange, routingKey, sub.DelaySchedule(), func(_ context.Context, d *delayq.Delivery) error {
					logging.WithID(logger, d.MessageID).Info("receive message",
						zap.String("routingKey", routingKey),
						zap.Int("retryCount", d.RetryCount),
						zap.ByteString("content", d.Content))
					return nil
				})
				if err != nil {
					return err
				}
			}

			registry := health.NewRegistry(logger)
			registry.Register(health.NewRabbitMQChecker(client))
			if cfg.MetricsAddr != "" && len(cfg.Subscriptions) > 0 {
				go func() {
					// dead queues exist only after the first declaration pass
					select {
					case <-client.Ready():
					case <-ctx.Done():
						return
					}
					session, err := connect(ctx, cfg)
					if err != nil {
						logger.Warn("dead queue checks disabled", zap.Error(err))
						return
					}
					go func() {
						<-ctx.Done()
						_ = session.Close()
					}()
					inspector := monitor.NewQueueInspector(session, logger)
					for _, sub := range cfg.Subscriptions {
						registry.Register(health.NewDeadQueueChecker(inspector, sub.RoutingKey, 0))
					}
				}()
			}
			serveOps(ctx, cfg.MetricsAddr, m, registry, logger)

			return listenUntilDone(ctx, client, cfg.URL, logger)
		},
	}
}

// listenUntilDone runs client.Listen; unrecoverable broker errors end the process
func listenUntilDone(ctx context.Context, client *delayq.Client, url string, logger *zap.Logger) error {
	err := client.Listen(ctx, url)
	if err == nil {
		return nil
	}
	if rabbitmq.IsFatal(err) {
		logging.WithID(logger, logging.ComponentAMQP).Fatal("listen failed", zap.Error(err))
	}
	return err
}
