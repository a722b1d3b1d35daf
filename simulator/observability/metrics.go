package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsEmitted counts telemetry events generated by the fleet ticker
	// and reboot transitions, before fault injection.
	EventsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_events_emitted_total",
		Help: "Total telemetry events generated by the simulator",
	})

	// EventsInjected counts deliberately faulty deliveries by kind
	// (duplicate, out_of_order).
	EventsInjected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_events_injected_total",
		Help: "Total fault-injected event deliveries",
	}, []string{"kind"})

	// ConnectedClients tracks the current number of broadcast observers.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_ws_clients",
		Help: "Currently connected broadcast observers",
	})

	// BroadcastFailures counts sends that failed mid-broadcast; delivery is
	// best-effort, so these are tolerated and the observer is dropped.
	BroadcastFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_broadcast_failures_total",
		Help: "Total failed writes to broadcast observers",
	})

	// ForcedDrops counts connections severed on purpose to exercise client
	// reconnect logic.
	ForcedDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_forced_drops_total",
		Help: "Total connections dropped deliberately",
	})

	// RebootCommands counts control-plane reboot requests by outcome
	// (accepted, dedup, busy, not_found, invalid, throttled).
	RebootCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_reboot_commands_total",
		Help: "Total reboot commands by outcome",
	}, []string{"outcome"})
)
