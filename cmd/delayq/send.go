package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glimte/delayq/contracts"
	"github.com/glimte/delayq/internal/eventbus"
	"github.com/glimte/delayq/internal/rabbitmq"
	"github.com/glimte/delayq/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
)

func newSendCmd(g *globals) *cobra.Command {
	var (
		exchangeType string
		priority     uint8
		headers      map[string]string
		transient    bool
		raw          bool
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <exchange> <routing-key> <content>",
		Short: "Send one delayed message",
		Long: `Publishes content in a new envelope to the first delay stage of the
routing key. Content is sent as JSON when it parses as JSON, as a string
otherwise (or always as a string with --raw).`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			exchange, routingKey := args[0], args[1]

			var content interface{} = args[2]
			if !raw && json.Valid([]byte(args[2])) {
				content = json.RawMessage(args[2])
			}
			env, err := contracts.NewEnvelope(content)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
			defer cancelTimeout()

			session, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer session.Close()

			bus := eventbus.New(eventbus.WithLogger(logger))
			go bus.Run(ctx)
			defer bus.Close()

			publisher := rabbitmq.NewPublisher(session, bus,
				rabbitmq.WithPublisherLogger(logger),
				rabbitmq.WithPublishRetryDelay(cfg.PublishRetryDelay),
				rabbitmq.WithPublishTimeout(timeout),
				rabbitmq.WithMaxPublishAttempts(0)) // failures are reported, not retried
			publisher.Start()
			defer publisher.Close()

			table := amqp.Table{}
			for k, v := range headers {
				table[k] = v
			}

			err = publisher.PublishAndWait(ctx, rabbitmq.PublishRequest{
				Exchange:   exchange,
				RoutingKey: reliability.InitialDelayQueue(routingKey),
				Envelope:   env,
				Options: rabbitmq.PublishOptions{
					ExchangeType: exchangeType,
					Persistent:   !transient,
					Priority:     priority,
					Headers:      table,
				},
			})
			if err != nil {
				return fmt.Errorf("send %s: %w", env.MessageID, err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), env.MessageID)
			return nil
		},
	}

	cmd.Flags().StringVar(&exchangeType, "exchange-type", rabbitmq.ExchangeTypeDirect, "Exchange type used when declaring the exchange")
	cmd.Flags().Uint8Var(&priority, "priority", 0, "Message priority")
	cmd.Flags().StringToStringVarP(&headers, "header", "H", nil, "Message header key=value (repeatable)")
	cmd.Flags().BoolVar(&transient, "transient", false, "Publish with transient delivery mode")
	cmd.Flags().BoolVar(&raw, "raw", false, "Send content as a string even if it is valid JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long")

	return cmd
}
