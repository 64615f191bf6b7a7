package observability

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics records ledger entry-point activity and the headline market
// gauges scraped by operators.
type MarketMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	scaleFactor       prometheus.Gauge
	liquidityRequired prometheus.Gauge
	heldAssets        prometheus.Gauge
	delinquent        prometheus.Gauge
}

var (
	marketMetricsOnce sync.Once
	marketRegistry    *MarketMetrics
)

// Metrics returns the lazily-initialised market metrics registry.
func Metrics() *MarketMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditmarket",
				Subsystem: "ledger",
				Name:      "requests_total",
				Help:      "Total ledger entry-point calls segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditmarket",
				Subsystem: "ledger",
				Name:      "errors_total",
				Help:      "Total ledger entry-point failures segmented by method.",
			}, []string{"method"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "creditmarket",
				Subsystem: "ledger",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for ledger entry points.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			scaleFactor: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "creditmarket",
				Subsystem: "market",
				Name:      "scale_factor_ray",
				Help:      "Current scale factor at ray precision.",
			}),
			liquidityRequired: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "creditmarket",
				Subsystem: "market",
				Name:      "liquidity_required",
				Help:      "Normalized liquidity the borrower must keep in the market.",
			}),
			heldAssets: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "creditmarket",
				Subsystem: "market",
				Name:      "held_assets",
				Help:      "Normalized asset balance held by the market.",
			}),
			delinquent: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "creditmarket",
				Subsystem: "market",
				Name:      "delinquent",
				Help:      "1 while the market is delinquent, 0 otherwise.",
			}),
		}
		prometheus.MustRegister(
			marketRegistry.requests,
			marketRegistry.errors,
			marketRegistry.latency,
			marketRegistry.scaleFactor,
			marketRegistry.liquidityRequired,
			marketRegistry.heldAssets,
			marketRegistry.delinquent,
		)
	})
	return marketRegistry
}

// ObserveRequest records one entry-point call.
func (m *MarketMetrics) ObserveRequest(method, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(seconds)
	if outcome != "ok" {
		m.errors.WithLabelValues(method).Inc()
	}
}

// UpdateMarketGauges refreshes the headline market gauges.
func (m *MarketMetrics) UpdateMarketGauges(scaleFactor, liquidityRequired, heldAssets *big.Int, delinquent bool) {
	if m == nil {
		return
	}
	m.scaleFactor.Set(bigToFloat(scaleFactor))
	m.liquidityRequired.Set(bigToFloat(liquidityRequired))
	m.heldAssets.Set(bigToFloat(heldAssets))
	if delinquent {
		m.delinquent.Set(1)
	} else {
		m.delinquent.Set(0)
	}
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
