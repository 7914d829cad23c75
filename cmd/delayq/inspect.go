package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/glimte/delayq/monitor"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newInspectCmd(g *globals) *cobra.Command {
	var (
		t        target
		watch    bool
		interval time.Duration
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show message and consumer counts of each subscription queue",
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
			targets := make([]monitor.Target, 0, len(subs))
			for _, sub := range subs {
				targets = append(targets, monitor.Target{RoutingKey: sub.RoutingKey, Schedule: sub.DelaySchedule()})
			}

			if watch {
				w := monitor.NewSubscriptionWatcher(inspector, interval, cmd.OutOrStdout(), true)
				if err := w.Watch(ctx, targets); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}

			reports := make([]*monitor.SubscriptionReport, len(targets))
			g, gctx := errgroup.WithContext(ctx)
			for i, target := range targets {
				i, target := i, target
				g.Go(func() error {
					report, err := inspector.InspectSubscription(gctx, target.RoutingKey, target.Schedule)
					if err != nil {
						return err
					}
					reports[i] = report
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(reports)
			}
			return monitor.Render(cmd.OutOrStdout(), reports)
		},
	}

	t.bind(cmd)
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Refresh continuously")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "Refresh interval with --watch")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print reports as JSON")

	return cmd
}
