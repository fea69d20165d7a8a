package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ContainersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portward_containers_total",
		Help: "Total number of containers across all instances.",
	})
	PendingUpdates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portward_pending_updates",
		Help: "Number of containers with available updates.",
	})
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portward_intent_executions_total",
		Help: "Total number of intent executions by terminal status.",
	}, []string{"status"})
	UpgradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portward_upgrades_total",
		Help: "Total number of container upgrades by outcome.",
	}, []string{"status"})
	UpgradeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "portward_upgrade_duration_seconds",
		Help:    "Duration of single container upgrade operations.",
		Buckets: prometheus.DefBuckets,
	})
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portward_sweep_duration_seconds",
		Help:    "Duration of batch sweep runs by job kind.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job_kind"})
	SweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portward_sweeps_total",
		Help: "Total number of batch sweep runs by job kind and status.",
	}, []string{"job_kind", "status"})
	ImageCleanups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portward_image_cleanups_total",
		Help: "Total number of unused images deleted.",
	})
	RegistryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portward_registry_errors_total",
		Help: "Total number of upstream lookup errors by registry.",
	}, []string{"registry"})
	RateLimitHalts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portward_rate_limit_halts_total",
		Help: "Total number of sweeps halted by an upstream rate limit.",
	})
)
