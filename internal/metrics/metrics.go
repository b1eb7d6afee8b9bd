// Package metrics provides Prometheus instrumentation for the chat pipeline.
// It exposes counters for every stage a record passes through (publish,
// persist, broadcast), histograms for batch latency, and gauges for the live
// connection and cache sizes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// PublishedTotal counts records handed to the bus, labeled by topic and
	// result: "ok", "failed".
	PublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_published_total",
		Help: "Total number of records published to the bus",
	}, []string{"topic", "result"})

	// PersistedTotal counts chat messages written by persistence workers,
	// labeled by result: "ok", "failed".
	PersistedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_persisted_total",
		Help: "Total number of chat messages written to storage",
	}, []string{"result"})

	// BatchesTotal counts polled batches by outcome: "committed", "released".
	BatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_persist_batches_total",
		Help: "Total number of persistence batches by outcome",
	}, []string{"outcome"})

	// BatchLatency records the time from poll to commit or release.
	BatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_persist_batch_seconds",
		Help:    "Persistence batch latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// DecodeFailures counts records dropped because their payload did not
	// decode, labeled by topic and reader: "persistence", "broadcast".
	DecodeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_decode_failures_total",
		Help: "Total number of undecodable bus records",
	}, []string{"topic", "reader"})

	// DeadLetters counts records pushed to the dead-letter sink.
	DeadLetters = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_dead_letters_total",
		Help: "Total number of records sent to the dead-letter sink",
	}, []string{"topic"})

	// BroadcastTotal counts records forwarded to live subscribers, labeled by
	// topic and result: "ok", "failed".
	BroadcastTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_broadcast_total",
		Help: "Total number of records forwarded to live subscribers",
	}, []string{"topic", "result"})

	// CacheEntries tracks the number of cached entities by kind: "user", "channel".
	CacheEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_cache_entries",
		Help: "Current number of cached entities",
	}, []string{"kind"})

	// MessagesTotal counts chat posts accepted at the edge, labeled by
	// result: "accepted", "rejected", "limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of chat messages posted",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		PublishedTotal,
		PersistedTotal,
		BatchesTotal,
		BatchLatency,
		DecodeFailures,
		DeadLetters,
		BroadcastTotal,
		CacheEntries,
		MessagesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
