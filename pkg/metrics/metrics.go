// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts placement outcomes by market and result code.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_orders_total",
		Help: "Order placements by outcome",
	}, []string{"market", "result"})

	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_trades_total",
		Help: "Total number of trades executed",
	}, []string{"market", "taker_side"})

	// MarketVolume is cumulative base quantity traded per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_market_volume_total",
		Help: "Cumulative traded base quantity",
	}, []string{"market"})

	MatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_match_latency_seconds",
		Help:    "Lock-match-settle latency per placement",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"market"})

	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_liquidations_total",
		Help: "Positions force-closed by the liquidation engine",
	}, []string{"market"})

	FundingRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_funding_rate",
		Help: "Last applied funding rate per market",
	}, []string{"market"})

	OpenPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_open_positions",
		Help: "Open positions per market",
	}, []string{"market"})

	// TickFailures counts per-item failures isolated inside periodic ticks.
	TickFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_tick_failures_total",
		Help: "Failures inside liquidation and funding ticks",
	}, []string{"task"})

	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_active_markets",
		Help: "Number of markets accepting orders",
	})

	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency labelled by route template.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
