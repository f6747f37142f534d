package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// HTTP метрики
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds",
		},
		[]string{"method", "path"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current number of HTTP requests in flight",
		},
	)

	// Bybit API метрики
	BybitAPIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bybit_api_requests_total",
			Help: "Total number of Bybit API requests",
		},
		[]string{"endpoint", "status"},
	)
	BybitAPIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "bybit_api_request_duration_seconds",
			Help: "Duration of Bybit API requests in seconds",
		},
		[]string{"endpoint"},
	)
	BybitTickerStreamConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bybit_ticker_stream_connected",
			Help: "1 when the public ticker stream is connected",
		},
	)

	// Движок сделок
	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trade_cycle_duration_seconds",
			Help:    "Duration of a per-user management cycle",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"result"},
	)
	ActiveTrades = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_trades",
			Help: "Active trades seen in the last cycle",
		},
	)
	StopLossMoves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stop_loss_moves_total",
			Help: "Stop-loss modification attempts by reason and result",
		},
		[]string{"reason", "result"},
	)
	TakeProfitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "take_profit_hits_total",
			Help: "Take-profit tiers processed",
		},
		[]string{"result"},
	)
	ReconcilerCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_closes_total",
			Help: "Trades closed by the reconciler by final status",
		},
		[]string{"status"},
	)
	OrphansAdopted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconciler_orphans_adopted_total",
			Help: "Venue positions adopted into the ledger",
		},
	)
	SignalsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signals_processed_total",
			Help: "Signals handled by intake by outcome",
		},
		[]string{"type", "outcome"},
	)
	SignalQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "signal_queue_depth",
			Help: "Signals waiting in the intake queue",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(HTTPRequestsInFlight)

	prometheus.MustRegister(BybitAPIRequestsTotal)
	prometheus.MustRegister(BybitAPIRequestDuration)
	prometheus.MustRegister(BybitTickerStreamConnected)

	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(ActiveTrades)
	prometheus.MustRegister(StopLossMoves)
	prometheus.MustRegister(TakeProfitHits)
	prometheus.MustRegister(ReconcilerCloses)
	prometheus.MustRegister(OrphansAdopted)
	prometheus.MustRegister(SignalsProcessed)
	prometheus.MustRegister(SignalQueueDepth)

	// Стандартные метрики Go
	prometheus.MustRegister(collectors.NewGoCollector())
	prometheus.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}
