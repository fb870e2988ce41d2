package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeContent          = "content"
	OutcomePasswordRequired = "password_required"
	OutcomeDecryptionFailed = "decryption_failed"
	OutcomeNoLongerAvail    = "no_longer_available"
	OutcomeNotFound         = "not_found"
	OutcomeError            = "error"
)

var (
	PasteCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pasteir_paste_created_total",
		Help: "no. of pastes created",
	}, []string{"kind"})
	PasteReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pasteir_paste_reads_total",
		Help: "no. of paste reads by outcome",
	}, []string{"outcome"})
	PasteDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pasteir_paste_deleted_total",
		Help: "no. of pastes deleted by cause",
	}, []string{"cause"})
	IDCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pasteir_id_collisions_total",
		Help: "no. of generated ids that were already taken",
	})
	GraceLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pasteir_grace_lookups_total",
		Help: "no. of grace-window cache lookups by result",
	}, []string{"result"})
	ReaperSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pasteir_reaper_sweeps_total",
		Help: "no. of reaper sweeps",
	})
	ReaperDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pasteir_reaper_deleted_total",
		Help: "no. of pastes deleted by the reaper",
	})
	ReaperFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pasteir_reaper_failures_total",
		Help: "no. of reaper per-item delete failures",
	})
	ReaperDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pasteir_reaper_sweep_seconds",
		Help:    "reaper sweep duration in seconds",
		Buckets: prometheus.DefBuckets,
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pasteir_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pasteir_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	CryptOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pasteir_crypt_operations_total",
			Help: "no. of password encryption/decryption operations",
		},
		[]string{"operation"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pasteir_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
