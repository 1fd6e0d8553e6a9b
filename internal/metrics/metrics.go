// Package metrics holds the Prometheus collectors exported on /metrics.
//
// Door pipeline:
//   - door_messages_received_total
//   - door_messages_rejected_total{reason}
//   - door_unlocks_accepted_total
//   - door_history_size
//   - door_announcements_total{result}
//
// Broker:
//   - broker_connection_state{state} (1 for the current state, 0 otherwise)
//   - broker_reconnects_total
//   - broker_deliveries_total
//
// Notifier:
//   - notifier_sends_total{result}
//   - notifier_queue_depth
//   - circuit_breaker_state{name} (0=closed, 1=open, 2=half-open)
//
// Storage:
//   - journal_writes_total{result}
//   - journal_pruned_total
//
// Chat commands:
//   - commands_total{route,result}
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "door_messages_received_total",
		Help: "Door messages handed to the filter",
	})

	MessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "door_messages_rejected_total",
		Help: "Door messages dropped by the filter, by stage",
	}, []string{"reason"})

	UnlocksAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "door_unlocks_accepted_total",
		Help: "Unlocks appended to the recent history",
	})

	HistorySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "door_history_size",
		Help: "Entries currently held in the recent history",
	})

	AnnouncementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "door_announcements_total",
		Help: "Per-room announcement attempts",
	}, []string{"result"})

	BrokerConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_connection_state",
		Help: "Current broker connection state",
	}, []string{"state"})

	BrokerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_reconnects_total",
		Help: "Times the broker connection was re-established after a failure",
	})

	BrokerDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_deliveries_total",
		Help: "Messages delivered by the broker and acknowledged",
	})

	NotifierSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_sends_total",
		Help: "Notification deliveries by result",
	}, []string{"result"})

	NotifierQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notifier_queue_depth",
		Help: "Notifications waiting for a worker",
	})

	JournalWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "journal_writes_total",
		Help: "Audit journal appends by result (ok, error, dropped)",
	}, []string{"result"})

	JournalPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "journal_pruned_total",
		Help: "Audit journal entries removed by retention",
	})

	CommandsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commands_total",
		Help: "Chat commands handled by route and result (ok, error, timeout, panic)",
	}, []string{"route", "result"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})
)

// SetBrokerState marks state as current and clears the others.
func SetBrokerState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		BrokerConnectionState.WithLabelValues(s).Set(v)
	}
}
