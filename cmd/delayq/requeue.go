package main

import (
	"fmt"

	"github.com/glimte/delayq/monitor"
	"github.com/spf13/cobra"
)

func newRequeueDeadCmd(g *globals) *cobra.Command {
	var (
		t     target
		limit int
	)

	cmd := &cobra.Command{
		Use:   "requeue-dead",
		Short: "Move dead messages back to the first delay stage",
		Long: `Moves messages from <routing-key>.dead back into the first delay stage
with their retry count reset, so they run through the full schedule again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			subs, err := t.resolve(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			session, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer session.Close()

			inspector := monitor.NewQueueInspector(session, logger)
			for _, sub := range subs {
				moved, err := inspector.RequeueDead(ctx, sub.Exchange, sub.RoutingKey, limit)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: requeued %d\n", sub.RoutingKey, moved)
				if err != nil {
					return err
				}
			}
			return nil
		},
	}

	t.bind(cmd)
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum messages to move per subscription (0 = all)")

	return cmd
}
