// Package metrics exposes the replication telemetry as prometheus
// collectors. Collectors register on the default registry; the daemon serves
// them through promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LastApplied tracks the highest globally-ordered seqno applied locally.
	LastApplied = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "galago_last_applied_seqno",
		Help: "Highest global seqno applied by the local node.",
	})

	// NodeState reports the membership state as its numeric value.
	NodeState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "galago_node_state",
		Help: "Membership state of the local node (1=non-primary .. 6=synced).",
	})

	// MonitorDepth reports outstanding slots per ordering monitor.
	MonitorDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "galago_monitor_depth",
		Help: "Slots admitted but not yet left, per ordering monitor.",
	}, []string{"monitor"})

	// StateTransfers counts finished state transfers by kind and result.
	StateTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "galago_state_transfers_total",
		Help: "Completed state transfers by kind and result.",
	}, []string{"kind", "result"})
)
