package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covidcanada_fetches_total",
			Help: "Total case feed fetches by outcome (ok, network_error, decode_error)",
		},
		[]string{"outcome"},
	)

	FetchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "covidcanada_fetch_latency_seconds",
			Help:    "Case feed fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecordsIngested = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "covidcanada_records_loaded",
			Help: "Case records in the current dataset",
		},
	)

	WeeksLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "covidcanada_weeks_loaded",
			Help: "Length of the current week axis",
		},
	)

	LoadState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "covidcanada_load_state",
			Help: "1 for the tracker's current load state, 0 otherwise",
		},
		[]string{"state"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covidcanada_http_requests_total",
			Help: "HTTP requests by method and status code",
		},
		[]string{"method", "code"},
	)

	RenderCommandsPosted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "covidcanada_render_commands_total",
			Help: "Chart render commands posted to the page mailbox",
		},
	)
)

// SetLoadState marks state as current in LoadState.
func SetLoadState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		LoadState.WithLabelValues(s).Set(v)
	}
}
