package rabbitmq

import (
	"testing"
	"time"

	"github.com/glimte/delayq/internal/metrics"
	"github.com/glimte/delayq/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanTopology(t *testing.T) {
	schedule := reliability.ScheduleFromMillis(1000, 3000, 5000)

	t.Run("declares N+2 queues", func(t *testing.T) {
		topo := PlanTopology("orders", "updateOrder", schedule, DefaultMainQueueTTL)

		require.Len(t, topo.Exchanges, 1)
		assert.Equal(t, ExchangeDeclaration{Name: "orders", Type: "direct", Durable: true}, topo.Exchanges[0])

		names := make([]string, 0, len(topo.Queues))
		for _, q := range topo.Queues {
			names = append(names, q.Name)
			assert.True(t, q.Durable)
		}
		assert.Equal(t, []string{
			"updateOrder",
			"updateOrder.dead",
			"updateOrder-delayed",
			"updateOrder-delayed-3000",
			"updateOrder-delayed-5000",
		}, names)
	})

	t.Run("main queue dead-letters to the dead queue", func(t *testing.T) {
		topo := PlanTopology("orders", "updateOrder", schedule, 0)

		assert.Equal(t, amqp.Table{
			"x-dead-letter-exchange":    "orders",
			"x-dead-letter-routing-key": "updateOrder.dead",
			"x-message-ttl":             int64(86400000),
		}, topo.Queues[0].Arguments)
		assert.Nil(t, topo.Queues[1].Arguments)
	})

	t.Run("delay stages dead-letter back to the routing key", func(t *testing.T) {
		topo := PlanTopology("orders", "updateOrder", schedule, time.Hour)

		for i, q := range topo.Queues[2:] {
			assert.Equal(t, "orders", q.Arguments["x-dead-letter-exchange"])
			assert.Equal(t, "updateOrder", q.Arguments["x-dead-letter-routing-key"])
			assert.Equal(t, schedule.TTL(i), q.Arguments["x-message-ttl"])
		}
	})

	t.Run("every queue is bound on its own name", func(t *testing.T) {
		topo := PlanTopology("orders", "updateOrder", schedule, time.Hour)

		require.Len(t, topo.Bindings, len(topo.Queues))
		for i, b := range topo.Bindings {
			assert.Equal(t, "orders", b.Exchange)
			assert.Equal(t, topo.Queues[i].Name, b.Queue)
			assert.Equal(t, b.Queue, b.RoutingKey)
		}
	})

	t.Run("zero delay stage keeps its queue", func(t *testing.T) {
		topo := PlanTopology("x", "rk", reliability.Schedule{0, time.Second}, time.Hour)

		require.Len(t, topo.Queues, 4)
		assert.Equal(t, "rk-delayed", topo.Queues[2].Name)
		assert.Equal(t, int64(0), topo.Queues[2].Arguments["x-message-ttl"])
	})
}

func TestTopologyManager(t *testing.T) {
	schedule := reliability.ScheduleFromMillis(1000, 3000)

	t.Run("DeclareTopology issues every declaration", func(t *testing.T) {
		m := metrics.New("test")
		tm := NewTopologyManager(nil, m)
		ch := newFakeChannel()

		err := tm.DeclareTopology(ch, PlanTopology("orders", "updateOrder", schedule, time.Hour))
		require.NoError(t, err)

		assert.Equal(t, []string{"orders:direct"}, ch.declaredExchanges())
		assert.Len(t, ch.queues, 4)
		assert.Contains(t, ch.bindings, binding{Queue: "updateOrder", Key: "updateOrder", Exchange: "orders"})
		assert.Contains(t, ch.bindings, binding{Queue: "updateOrder-delayed-3000", Key: "updateOrder-delayed-3000", Exchange: "orders"})
		count, err := testutil.GatherAndCount(m.Registry(), "test_topology_declarations_total")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("DeclareTopology is repeatable", func(t *testing.T) {
		tm := NewTopologyManager(nil, nil)
		ch := newFakeChannel()
		topo := PlanTopology("orders", "updateOrder", schedule, time.Hour)

		require.NoError(t, tm.DeclareTopology(ch, topo))
		require.NoError(t, tm.DeclareTopology(ch, topo))
		assert.Len(t, ch.queues, 8)
	})

	t.Run("failed declaration is a topology error", func(t *testing.T) {
		tm := NewTopologyManager(nil, nil)
		ch := newFakeChannel()
		ch.failQueue = "updateOrder.dead"

		err := tm.DeclareTopology(ch, PlanTopology("orders", "updateOrder", schedule, time.Hour))
		require.Error(t, err)

		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "queue", topoErr.Component)
		assert.Equal(t, "updateOrder.dead", topoErr.Name)
		assert.ErrorIs(t, err, ErrTopologyDeclarationFailed)
		assert.ErrorIs(t, err, errBroker)
		assert.True(t, IsFatal(err))
		assert.Empty(t, ch.bindings)
	})
}
