package cluster

import "github.com/prometheus/client_golang/prometheus"

// peerMetrics is a handful of counters for the events that matter
// operationally, plus a gauge backed by a live accessor so the exported
// value always reflects current state rather than a cached copy.
type peerMetrics struct {
	networkSize       prometheus.GaugeFunc
	electionsWon      prometheus.Counter
	electionsLost     prometheus.Counter
	quorumLost        prometheus.Counter
	discoveryRetries  prometheus.Counter
	masterTransitions prometheus.Counter
	pingFailures      prometheus.Counter
}

func newPeerMetrics(reg prometheus.Registerer, p *Peer) *peerMetrics {
	m := &peerMetrics{
		networkSize: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "quorum_network_size",
			Help: "Number of peers currently believed reachable.",
		}, func() float64 {
			return float64(len(p.Network()))
		}),
		electionsWon: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorum_elections_won_total",
			Help: "Number of elections in which this peer became master.",
		}),
		electionsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorum_elections_lost_total",
			Help: "Number of elections in which this peer's candidacy was declined.",
		}),
		quorumLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorum_lost_total",
			Help: "Number of times this peer, as master, shut down because too few peers were seen in a ping-check window.",
		}),
		discoveryRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorum_discovery_retries_total",
			Help: "Number of times discovery was retried.",
		}),
		masterTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorum_master_transitions_total",
			Help: "Number of times this peer observed its view of the master change.",
		}),
		pingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorum_ping_failures_total",
			Help: "Number of failed pings to the master.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.networkSize,
			m.electionsWon,
			m.electionsLost,
			m.quorumLost,
			m.discoveryRetries,
			m.masterTransitions,
			m.pingFailures,
		)
	}
	return m
}
