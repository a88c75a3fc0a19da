package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// QuotaUsedTotal tracks global_pack.used as a gauge sampled on each
	// consume.
	QuotaUsedTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "autoengine",
		Subsystem: "quota",
		Name:      "global_used",
		Help:      "Current global_pack.used value.",
	})

	// QuotaDailyUsed tracks daily.used.
	QuotaDailyUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "autoengine",
		Subsystem: "quota",
		Name:      "daily_used",
		Help:      "Current daily.used value.",
	})

	// QuotaDeniedTotal counts can_consume denials by reason.
	QuotaDeniedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoengine",
		Subsystem: "quota",
		Name:      "denied_total",
		Help:      "Total number of quota denials by reason.",
	}, []string{"reason"})

	// IdempotencyHitsTotal counts lookups that found an existing key.
	IdempotencyHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "autoengine",
		Subsystem: "idempotency",
		Name:      "hits_total",
		Help:      "Total number of idempotency lookups that found an existing key.",
	})

	// MutesAppliedTotal counts mutes applied by reason code.
	MutesAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoengine",
		Subsystem: "mute",
		Name:      "applied_total",
		Help:      "Total number of mutes applied by reason.",
	}, []string{"reason"})

	// ScanFilteredTotal counts posts dropped during a scan, by reason.
	ScanFilteredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoengine",
		Subsystem: "scanner",
		Name:      "filtered_total",
		Help:      "Total number of scanned posts filtered out, by reason.",
	}, []string{"reason"})

	// ScanSurvivedTotal counts posts that survived scanner filtering.
	ScanSurvivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "autoengine",
		Subsystem: "scanner",
		Name:      "survived_total",
		Help:      "Total number of scanned posts that survived filtering.",
	})

	// QueueSizeByAccount is a gauge of pending PlannedActions per account.
	QueueSizeByAccount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "autoengine",
		Subsystem: "scheduler",
		Name:      "queue_size",
		Help:      "Current number of queued PlannedActions by account.",
	}, []string{"account_id"})

	// ReceiptsTotal counts terminal receipts by status.
	ReceiptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoengine",
		Subsystem: "scheduler",
		Name:      "receipts_total",
		Help:      "Total number of action receipts by status.",
	}, []string{"status", "kind"})

	// TokenRefreshTotal counts credential refresh attempts by outcome.
	TokenRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoengine",
		Subsystem: "credential",
		Name:      "refresh_total",
		Help:      "Total number of token refresh attempts by outcome.",
	}, []string{"outcome"})

	// TickDuration observes supervisor tick latency.
	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "autoengine",
		Subsystem: "supervisor",
		Name:      "tick_duration_seconds",
		Help:      "Duration of a full scan+plan+schedule tick.",
		Buckets:   prometheus.DefBuckets,
	})

	// HTTPRequestDuration observes control-surface HTTP request latency.
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "autoengine",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of control-surface HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

// All returns every automation-engine-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		QuotaUsedTotal,
		QuotaDailyUsed,
		QuotaDeniedTotal,
		IdempotencyHitsTotal,
		MutesAppliedTotal,
		ScanFilteredTotal,
		ScanSurvivedTotal,
		QueueSizeByAccount,
		ReceiptsTotal,
		TokenRefreshTotal,
		TickDuration,
		HTTPRequestDuration,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors plus every automation-engine metric.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
