// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/payment_layer/internal/did"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "payment_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payment_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	vouchers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment_layer",
			Subsystem: "billing",
			Name:      "vouchers_total",
			Help:      "Voucher decisions by result and receipt error code.",
		},
		[]string{"result", "code"},
	)

	amountDebited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "payment_layer",
			Subsystem: "billing",
			Name:      "amount_debited_total",
			Help:      "Sum of amounts debited by accepted vouchers, in asset base units.",
		},
	)

	settlementAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment_layer",
			Subsystem: "settlement",
			Name:      "attempts_total",
			Help:      "Settlement contract calls by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	settlementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payment_layer",
			Subsystem: "settlement",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of settlement contract calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"kind"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		vouchers,
		amountDebited,
		settlementAttempts,
		settlementDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncInFlight marks one HTTP request as started.
func IncInFlight() { httpInFlight.Inc() }

// DecInFlight marks one HTTP request as finished.
func DecInFlight() { httpInFlight.Dec() }

// RecordHTTPRequest records one handled HTTP request. The path should be the
// route template, not the raw URL, to keep cardinality bounded.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	httpRequests.WithLabelValues(method, path, status).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordVoucher records one voucher decision. Code zero means accepted;
// accepted vouchers also add their debit to the running amount total.
func RecordVoucher(code uint32, debited *big.Int) {
	result := "accepted"
	if code != 0 {
		result = "rejected"
	}
	vouchers.WithLabelValues(result, strconv.FormatUint(uint64(code), 10)).Inc()
	if code == 0 && debited != nil {
		f, _ := new(big.Float).SetInt(debited).Float64()
		amountDebited.Add(f)
	}
}

// RecordSettlement records one settlement contract call.
func RecordSettlement(kind, outcome string, duration time.Duration) {
	if kind == "" {
		kind = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	settlementAttempts.WithLabelValues(kind, outcome).Inc()
	settlementDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RegisterDIDCache exports the resolver cache counters. Registration errors
// are returned so a second wiring of the same process can ignore them.
func RegisterDIDCache(stats func() did.Stats) error {
	if stats == nil {
		return nil
	}
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "payment_layer",
			Subsystem: "did_cache",
			Name:      "hits_total",
			Help:      "DID document lookups answered from cache.",
		}, func() float64 { return float64(stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "payment_layer",
			Subsystem: "did_cache",
			Name:      "negative_hits_total",
			Help:      "DID lookups answered from the negative cache.",
		}, func() float64 { return float64(stats().NegativeHits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "payment_layer",
			Subsystem: "did_cache",
			Name:      "misses_total",
			Help:      "DID lookups that fell through to the upstream resolver.",
		}, func() float64 { return float64(stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "payment_layer",
			Subsystem: "did_cache",
			Name:      "upstream_calls_total",
			Help:      "Calls made to the upstream DID resolver.",
		}, func() float64 { return float64(stats().UpstreamCalls) }),
	}
	for _, c := range collectors {
		if err := Registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterEventSubscribers exports the receipt hub's live subscriber count.
func RegisterEventSubscribers(count func() int) error {
	if count == nil {
		return nil
	}
	return Registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "payment_layer",
		Subsystem: "events",
		Name:      "subscribers",
		Help:      "Live websocket receipt subscriptions.",
	}, func() float64 { return float64(count()) }))
}
