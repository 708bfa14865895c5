// Package metrics exposes Prometheus instrumentation for the auth client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric definitions registered on the default registry via promauto.
var (
	HandshakeStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ibauth",
		Name:      "handshake_steps_total",
		Help:      "Handshake state transitions by step and outcome.",
	}, []string{"step", "outcome"})

	SignedRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ibauth",
		Name:      "signed_requests_total",
		Help:      "Authenticated API requests by method and HTTP status.",
	}, []string{"method", "status"})

	LSTDerivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ibauth",
		Name:      "lst_derivations_total",
		Help:      "Live session token derivations by trigger.",
	}, []string{"trigger"})

	VerificationMismatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ibauth",
		Name:      "lst_verification_mismatches_total",
		Help:      "Server LST signatures that did not match the local derivation.",
	})

	SessionAuthenticated = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ibauth",
		Name:      "session_authenticated",
		Help:      "1 when the brokerage session is initialized, 0 otherwise.",
	})

	RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ibauth",
		Name:      "request_latency_seconds",
		Help:      "Latency of signed API requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	TokenStoreWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ibauth",
		Name:      "token_store_writes_total",
		Help:      "Token record persistence attempts by outcome.",
	}, []string{"outcome"})
)
