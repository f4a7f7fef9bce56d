// Package metrics owns the Prometheus collectors shared by the relay
// and the mutator host.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ChildConnectionsActive counts ready (authenticated) child
	// connections on the relay.
	ChildConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mutationplane",
		Subsystem: "relay",
		Name:      "child_connections_active",
		Help:      "Number of authenticated child connections.",
	})

	// AuthAttempts counts auth attempts by outcome: direct, delegating,
	// denied.
	AuthAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mutationplane",
		Subsystem: "relay",
		Name:      "auth_attempts_total",
		Help:      "Child auth attempts by outcome.",
	}, []string{"outcome"})

	// RootwardsRelayed counts child messages forwarded to the parent.
	RootwardsRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mutationplane",
		Subsystem: "relay",
		Name:      "rootwards_relayed_total",
		Help:      "Rootwards messages relayed to the parent, by message name.",
	}, []string{"message"})

	// LeafwardsRelayed counts parent messages routed to children.
	LeafwardsRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mutationplane",
		Subsystem: "relay",
		Name:      "leafwards_relayed_total",
		Help:      "Leafwards messages routed to children, by message name.",
	}, []string{"message"})

	// DecodeFailures counts dropped undecodable frames.
	DecodeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mutationplane",
		Subsystem: "relay",
		Name:      "decode_failures_total",
		Help:      "Frames dropped because they failed to decode.",
	})

	// MutationsInjected counts host-side injections.
	MutationsInjected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mutationplane",
		Subsystem: "host",
		Name:      "mutations_injected_total",
		Help:      "Mutations injected by local mutators.",
	})

	// MutationsCleared counts host-side clear operations applied.
	MutationsCleared = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mutationplane",
		Subsystem: "host",
		Name:      "mutations_cleared_total",
		Help:      "Mutations cleared on local mutators.",
	})

	// InjectFailures counts mutator inject errors.
	InjectFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mutationplane",
		Subsystem: "host",
		Name:      "inject_failures_total",
		Help:      "Mutator injections that returned an error.",
	})
)

// Register installs every collector on reg, tolerating duplicate
// registration so multiple components can share one registry.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		ChildConnectionsActive,
		AuthAttempts,
		RootwardsRelayed,
		LeafwardsRelayed,
		DecodeFailures,
		MutationsInjected,
		MutationsCleared,
		InjectFailures,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
