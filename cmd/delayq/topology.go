package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/glimte/delayq/internal/rabbitmq"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newTopologyCmd(g *globals) *cobra.Command {
	var (
		t       target
		declare bool
		output  string
	)

	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Print or declare the delay topology of subscriptions",
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

			plans := make([]rabbitmq.Topology, 0, len(subs))
			for _, sub := range subs {
				plans = append(plans, rabbitmq.PlanTopology(sub.Exchange, sub.RoutingKey, sub.DelaySchedule(), cfg.MainQueueTTL))
			}

			if declare {
				ctx, cancel := signalContext()
				defer cancel()

				session, err := connect(ctx, cfg)
				if err != nil {
					return err
				}
				defer session.Close()

				ch, err := session.Channel()
				if err != nil {
					return err
				}
				tm := rabbitmq.NewTopologyManager(logger, nil)
				for _, plan := range plans {
					if err := tm.DeclareTopology(ch, plan); err != nil {
						return err
					}
				}
			}

			switch output {
			case "yaml":
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				defer enc.Close()
				return enc.Encode(plans)
			case "table":
				return printTopology(cmd.OutOrStdout(), plans)
			default:
				return fmt.Errorf("unknown output format %q", output)
			}
		},
	}

	t.bind(cmd)
	cmd.Flags().BoolVar(&declare, "declare", false, "Declare the topology on the broker")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or yaml")

	return cmd
}

func printTopology(out io.Writer, plans []rabbitmq.Topology) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, plan := range plans {
		fmt.Fprintf(tw, "# %s\n", plan.RoutingKey)
		fmt.Fprintln(tw, "QUEUE\tTTL\tDEAD-LETTER TO")
		for _, q := range plan.Queues {
			ttl, dlrk := "-", "-"
			if v, ok := q.Arguments["x-message-ttl"]; ok {
				ttl = fmt.Sprintf("%vms", v)
			}
			if v, ok := q.Arguments["x-dead-letter-routing-key"]; ok {
				dlrk = fmt.Sprint(v)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", q.Name, ttl, dlrk)
		}
		fmt.Fprintln(tw, "BINDING\tEXCHANGE\tROUTING KEY")
		for _, b := range plan.Bindings {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", b.Queue, b.Exchange, b.RoutingKey)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}
