package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Validation run metrics
	ValidationRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rpkid_validation_run_duration_seconds",
			Help:    "Time taken for a full validation run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	ValidationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpkid_validation_runs_total",
			Help: "Total number of validation runs by outcome.",
		},
		[]string{"outcome"}, // ok, fatal
	)

	// Per-TAL / per-repository payload counters, merged at run end
	VRPsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rpkid_vrps_total",
			Help: "Total number of validated ROA payloads by TAL.",
		},
		[]string{"tal"},
	)

	RouterKeysTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rpkid_router_keys_total",
			Help: "Total number of validated router keys by TAL.",
		},
		[]string{"tal"},
	)

	ASPAsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rpkid_aspas_total",
			Help: "Total number of validated ASPA records by TAL.",
		},
		[]string{"tal"},
	)

	PublicationPointsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rpkid_publication_points_total",
			Help: "Total number of publication points processed by repository and outcome.",
		},
		[]string{"repository", "outcome"}, // outcome: valid, rejected, stored-fallback
	)

	ObjectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpkid_objects_total",
			Help: "Total number of objects seen on manifests by repository and kind.",
		},
		[]string{"repository", "kind"}, // cer, roa, asa, crl, gbr, other
	)

	StaleManifestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpkid_stale_manifests_total",
			Help: "Total number of manifests rejected or warned for being stale.",
		},
		[]string{"repository", "disposition"}, // warn, reject
	)

	ChainTooDeepTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpkid_chain_too_deep_total",
			Help: "Total number of CA certificates refused for exceeding max chain depth.",
		},
		[]string{"tal"},
	)

	SKILoopDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpkid_ski_loop_detected_total",
			Help: "Total number of CA certificates refused for a subject key identifier loop.",
		},
		[]string{"tal"},
	)

	// Collector transport metrics
	RsyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rpkid_rsync_duration_seconds",
			Help:    "Duration of rsync module fetches.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"module"},
	)

	RsyncFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpkid_rsync_failures_total",
			Help: "Total number of failed rsync fetches by module.",
		},
		[]string{"module"},
	)

	RRDPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rpkid_rrdp_duration_seconds",
			Help:    "Duration of RRDP notification fetches.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"notify_uri"},
	)

	RRDPFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpkid_rrdp_failures_total",
			Help: "Total number of failed RRDP fetches by notify URI.",
		},
		[]string{"notify_uri"},
	)

	RRDPFallbackToRsyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpkid_rrdp_fallback_rsync_total",
			Help: "Total number of times RRDP failed and rsync was attempted instead.",
		},
		[]string{"notify_uri"},
	)

	RRDPSnapshotFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpkid_rrdp_snapshot_fallback_total",
			Help: "Total number of times a delta chain failed and a full snapshot was fetched instead.",
		},
		[]string{"notify_uri"},
	)

	// Archive / store metrics
	StoreTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpkid_store_transactions_total",
			Help: "Total number of per-point store transactions by outcome.",
		},
		[]string{"outcome"}, // commit, rollback
	)

	// Payload history metrics
	UnsafeVRPsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpkid_unsafe_vrps_total",
			Help: "Total number of payload items covered by a rejected CA, by disposition.",
		},
		[]string{"disposition"}, // warn, reject
	)

	PayloadSerial = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rpkid_payload_serial",
			Help: "Current payload history serial number.",
		},
	)
)

func init() {
	prometheus.MustRegister(ValidationRunDuration)
	prometheus.MustRegister(ValidationRunsTotal)
	prometheus.MustRegister(VRPsTotal)
	prometheus.MustRegister(RouterKeysTotal)
	prometheus.MustRegister(ASPAsTotal)
	prometheus.MustRegister(PublicationPointsTotal)
	prometheus.MustRegister(ObjectsTotal)
	prometheus.MustRegister(StaleManifestsTotal)
	prometheus.MustRegister(ChainTooDeepTotal)
	prometheus.MustRegister(SKILoopDetectedTotal)
	prometheus.MustRegister(RsyncDuration)
	prometheus.MustRegister(RsyncFailuresTotal)
	prometheus.MustRegister(RRDPDuration)
	prometheus.MustRegister(RRDPFailuresTotal)
	prometheus.MustRegister(RRDPFallbackToRsyncTotal)
	prometheus.MustRegister(RRDPSnapshotFallbackTotal)
	prometheus.MustRegister(StoreTransactionsTotal)
	prometheus.MustRegister(UnsafeVRPsTotal)
	prometheus.MustRegister(PayloadSerial)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
