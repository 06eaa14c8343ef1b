package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Recording cycle metrics
	Cycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketrecorder_cycles_total",
			Help: "Total number of snapshot cycles",
		},
		[]string{"status"}, // success, transient_error, malformed_error, fetch_error, store_error
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marketrecorder_cycle_duration_seconds",
			Help:    "Duration of a full snapshot cycle",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	MarketsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketrecorder_markets_fetched_total",
			Help: "Total number of markets returned by the Gamma API",
		},
	)

	MarketsFiltered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketrecorder_markets_filtered_total",
			Help: "Markets by filter outcome",
		},
		[]string{"result"}, // eligible, ineligible
	)

	RowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketrecorder_rows_written_total",
			Help: "Rows appended per table",
		},
		[]string{"table"},
	)

	BatchesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketrecorder_batches_dropped_total",
			Help: "Batches dropped after the retry failed",
		},
		[]string{"table"},
	)

	// Stream metrics
	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketrecorder_stream_events_total",
			Help: "Websocket events received by type",
		},
		[]string{"event_type"}, // last_trade_price, price_change, book, other
	)

	StreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketrecorder_stream_reconnects_total",
			Help: "Websocket reconnect attempts",
		},
	)

	StreamConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketrecorder_stream_connected",
			Help: "1 while the market websocket is subscribed",
		},
	)

	// API metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketrecorder_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"api", "endpoint", "status"}, // gamma/clob, /markets, success/error
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketrecorder_api_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"api", "endpoint"},
	)

	// Database metrics
	DatabaseQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketrecorder_database_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketrecorder_database_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	HealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketrecorder_health_checks_total",
			Help: "Total number of health check requests",
		},
		[]string{"status"},
	)
)

// RecordCycle records the outcome of one snapshot cycle
func RecordCycle(duration time.Duration, status string) {
	Cycles.WithLabelValues(status).Inc()
	CycleDuration.Observe(duration.Seconds())
}

// RecordFilter records how many markets passed and failed the filter
func RecordFilter(eligible, ineligible int) {
	MarketsFiltered.WithLabelValues("eligible").Add(float64(eligible))
	MarketsFiltered.WithLabelValues("ineligible").Add(float64(ineligible))
}

// RecordAPIRequest records API request metrics
func RecordAPIRequest(api, endpoint string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	APIRequests.WithLabelValues(api, endpoint, status).Inc()
	APIRequestDuration.WithLabelValues(api, endpoint).Observe(duration.Seconds())
}

// RecordDatabaseQuery records database query metrics
func RecordDatabaseQuery(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseQueries.WithLabelValues(operation, status).Inc()
	DatabaseQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHealthCheck records health check status
func RecordHealthCheck(healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	HealthChecks.WithLabelValues(status).Inc()
}
