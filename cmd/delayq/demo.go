package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/glimte/delayq"
	"github.com/glimte/delayq/internal/logging"
	"github.com/glimte/delayq/internal/reliability"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errDemoFailure = errors.New("something error...")

func newDemoCmd(g *globals) *cobra.Command {
	var failUntil int

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Send one message through a failing handler and watch it retry",
		Long: `Registers exchange "order", routing key "updateOrder" with the schedule
1s, 3s, 5s, 10s, 20s and a handler that fails while the retry count is at
most --fail-until, then sends one message.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := signalContext()
			defer cancel()

			client := delayq.New(clientOptions(cfg, logger, nil)...)
			defer client.Close()

			schedule := reliability.ScheduleFromMillis(1000, 3000, 5000, 10000, 20000)
			err = client.RegisterSubscription("order", "updateOrder", schedule, func(_ context.Context, d *delayq.Delivery) error {
				logging.WithID(logger, d.MessageID).Info("receive message",
					zap.Int("retryCount", d.RetryCount),
					zap.ByteString("content", d.Content))
				if d.RetryCount <= failUntil {
					return errDemoFailure
				}
				return nil
			})
			if err != nil {
				return err
			}

			if _, err := client.SendDelayMessage("order", "updateOrder", fmt.Sprintf("test message %v", rand.Float64())); err != nil {
				return err
			}

			return listenUntilDone(ctx, client, cfg.URL, logger)
		},
	}

	cmd.Flags().IntVar(&failUntil, "fail-until", 3, "Fail while the retry count is at most this value")

	return cmd
}
