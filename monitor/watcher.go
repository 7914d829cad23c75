package monitor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/glimte/delayq/internal/reliability"
)

const clearScreen = "\033[H\033[2J"

// Target names one subscription to watch
type Target struct {
	RoutingKey string
	Schedule   reliability.Schedule
}

// SubscriptionWatcher periodically renders the queues of a set of subscriptions
type SubscriptionWatcher struct {
	inspector *QueueInspector
	interval  time.Duration
	out       io.Writer
	clear     bool
}

// NewSubscriptionWatcher creates a new watcher writing to out
func NewSubscriptionWatcher(inspector *QueueInspector, interval time.Duration, out io.Writer, clear bool) *SubscriptionWatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &SubscriptionWatcher{
		inspector: inspector,
		interval:  interval,
		out:       out,
		clear:     clear,
	}
}

// Watch renders the targets until ctx is done
func (w *SubscriptionWatcher) Watch(ctx context.Context, targets []Target) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if w.clear {
			fmt.Fprint(w.out, clearScreen)
		}
		if err := w.display(ctx, targets); err != nil {
			// keep watching through transient broker errors
			fmt.Fprintf(w.out, "Error: %v\n", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *SubscriptionWatcher) display(ctx context.Context, targets []Target) error {
	reports := make([]*SubscriptionReport, 0, len(targets))
	for _, t := range targets {
		report, err := w.inspector.InspectSubscription(ctx, t.RoutingKey, t.Schedule)
		if err != nil {
			return err
		}
		reports = append(reports, report)
	}

	fmt.Fprintf(w.out, "Delay Queue Monitor - %s\n", time.Now().Format("2006-01-02 15:04:05"))
	return Render(w.out, reports)
}

// Render writes reports as an aligned table
func Render(out io.Writer, reports []*SubscriptionReport) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	for _, r := range reports {
		fmt.Fprintln(tw, strings.Repeat("=", 72))
		fmt.Fprintf(tw, "%s\tin flight: %d\n", r.RoutingKey, r.InFlight())
		fmt.Fprintln(tw, "QUEUE\tROLE\tDELAY\tMESSAGES\tCONSUMERS")
		for _, q := range r.Queues {
			delay := "-"
			if q.Role == RoleDelay {
				delay = q.Delay.String()
			}
			marker := ""
			if q.Role == RoleDead && q.Messages > 0 {
				marker = " !"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d%s\t%d\n", q.Name, q.Role, delay, q.Messages, marker, q.Consumers)
		}
	}

	return tw.Flush()
}
