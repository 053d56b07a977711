package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MachinesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetwatch_machines",
		Help: "Number of machines by derived status.",
	}, []string{"status"})
	IngestTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetwatch_ingest_total",
		Help: "Total number of telemetry reports ingested.",
	})
	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetwatch_ingest_duration_seconds",
		Help:    "Duration of report ingestion, decrypt included.",
		Buckets: prometheus.DefBuckets,
	})
	DecryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetwatch_decrypt_failures_total",
		Help: "Total number of payload envelopes that failed to decrypt.",
	})
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_commands_total",
		Help: "Total number of commands by lifecycle transition.",
	}, []string{"transition"})
	ClusterPeersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetwatch_cluster_peers_active",
		Help: "Number of cluster peers with a fresh verified heartbeat.",
	})
	BackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_backend_errors_total",
		Help: "Total number of coordination backend failures by operation.",
	}, []string{"op"})
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetwatch_sessions_created_total",
		Help: "Total number of dashboard sessions created.",
	})
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_rate_limited_total",
		Help: "Total number of requests rejected by the rate limiter.",
	}, []string{"path"})
)
