// Package telemetry exposes the node's Prometheus metrics on a dedicated
// registry, mounted at /metrics by the HTTP service.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds all sectord metrics. A dedicated registry avoids mixing
	// with any application embedding the node in-process.
	Registry = prometheus.NewRegistry()

	// IssuesTotal counts dysfunction issues observed per kind.
	IssuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sectord",
			Name:      "dysfunction_issues_total",
			Help:      "Total dysfunction issues tracked, by issue kind.",
		},
		[]string{"kind"},
	)

	// SuspicionScore is the current decayed suspicion score per peer.
	SuspicionScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sectord",
			Name:      "dysfunction_suspicion_score",
			Help:      "Current decayed suspicion score, by peer name.",
		},
		[]string{"peer"},
	)

	// CommitsTotal counts committed membership deltas by kind.
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sectord",
			Name:      "membership_commits_total",
			Help:      "Committed membership deltas, by delta kind.",
		},
		[]string{"kind"},
	)

	// ConsensusHeight is the current committed membership height.
	ConsensusHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sectord",
			Name:      "membership_height",
			Help:      "Current committed membership height.",
		},
	)

	// KeyGenSessionsTotal counts completed key-generation sessions by result.
	KeyGenSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sectord",
			Name:      "keygen_sessions_total",
			Help:      "Distributed key generation sessions, by result.",
		},
		[]string{"result"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "sectord",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(IssuesTotal, SuspicionScore, CommitsTotal, ConsensusHeight, KeyGenSessionsTotal, uptime)
}

// MetricsHandler exposes the registry over HTTP.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
