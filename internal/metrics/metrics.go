// Package metrics exposes prometheus instrumentation for the call engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProviderEvents counts inbound provider webhook events by raw status.
	ProviderEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsift_provider_events_total",
		Help: "Provider webhook events received, by provider status string",
	}, []string{"status"})

	// UnmatchedEvents counts webhook events referencing no known call.
	UnmatchedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callsift_unmatched_events_total",
		Help: "Provider events discarded because no call matched the external id",
	})

	// Transitions counts applied call state transitions by target status.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsift_call_transitions_total",
		Help: "Applied call state transitions, by target status",
	}, []string{"to"})

	// Classifications counts normalized AMD results by strategy and label.
	Classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsift_classifications_total",
		Help: "Normalized AMD classification results, by strategy and label",
	}, []string{"strategy", "label"})

	// StoreConflicts counts lost conditional writes that forced a re-read.
	StoreConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callsift_store_conflicts_total",
		Help: "Conditional call updates lost to a concurrent writer",
	})

	// Dials counts accepted dial requests by strategy.
	Dials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsift_dials_total",
		Help: "Accepted dial requests, by strategy",
	}, []string{"strategy"})
)
