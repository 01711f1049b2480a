package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TilesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileloader_tiles_submitted_total",
		Help: "Total number of tile submissions accepted for fetching",
	})

	TilesDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileloader_tiles_deduplicated_total",
		Help: "Total number of tile submissions ignored because the tile was already fetching or done",
	})

	DiskHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileloader_disk_hits_total",
		Help: "Total number of tiles found in the disk cache",
	})

	StoreHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileloader_store_hits_total",
		Help: "Total number of tiles found in the shared tile store",
	})

	UpstreamRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileloader_upstream_requests_total",
		Help: "Total number of upstream tile server requests",
	})

	UpstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tileloader_upstream_latency_seconds",
		Help:    "Latency of upstream GET requests in seconds",
		Buckets: prometheus.DefBuckets,
	})

	FetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileloader_fetch_failures_total",
		Help: "Total number of failed fetch units",
	}, []string{"reason"})

	Delivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileloader_delivered_total",
		Help: "Total number of results delivered to callbacks",
	}, []string{"backend"})

	DrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tileloader_drain_duration_seconds",
		Help:    "Wall-clock duration of a single drain call",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .064, .1, .25},
	})

	PendingResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tileloader_pending_results",
		Help: "Completed results waiting for delivery",
	}, []string{"backend"})

	InFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tileloader_in_flight",
		Help: "Fetch units currently executing",
	}, []string{"backend"})

	// Store metrics
	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tileloader_store_operation_duration_seconds",
		Help:    "Duration of shared tile store operations in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"store", "operation"})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileloader_store_errors_total",
		Help: "Total number of shared tile store errors",
	}, []string{"store", "operation"})
)
