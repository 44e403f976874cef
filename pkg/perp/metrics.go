package perp

import (
	"math/big"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/perp/pkg/fixed"
)

// Metrics instruments the engine with Prometheus counters and gauges.
type Metrics struct {
	registry *prometheus.Registry

	positionsOpened prometheus.Counter
	positionsClosed prometheus.Counter
	liquidations    prometheus.Counter
	feesAccrued     prometheus.Counter

	openInterest prometheus.GaugeVec
	vaultBalance prometheus.Gauge
}

// NewMetrics builds and registers the engine metric set.
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		positionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Total positions opened or merged",
		}),
		positionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Total position closes, full and partial",
		}),
		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Total positions liquidated",
		}),
		feesAccrued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_accrued_units",
			Help:      "Fees split into reward pools, in base units",
		}),

		openInterest: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_interest_units",
			Help:      "Directional open interest per product, in base units",
		}, []string{"product", "side"}),
		vaultBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vault_balance_units",
			Help:      "Pooled vault balance, in base units",
		}),
	}

	registry.MustRegister(
		m.positionsOpened,
		m.positionsClosed,
		m.liquidations,
		m.feesAccrued,
		m.openInterest,
		m.vaultBalance,
	)
	return m
}

// Handler exposes the registry for an HTTP metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) setOpenInterest(p *Product) {
	m.openInterest.WithLabelValues(p.ID, "long").Set(bigToFloat(p.OpenInterestLong))
	m.openInterest.WithLabelValues(p.ID, "short").Set(bigToFloat(p.OpenInterestShort))
}

// SetVaultBalance records the pooled balance.
func (m *Metrics) SetVaultBalance(balance *big.Int) {
	m.vaultBalance.Set(bigToFloat(balance))
}

// bigToFloat converts a Unit-scaled quantity to whole units for gauges.
// Precision loss is acceptable for monitoring.
func bigToFloat(x *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(x), big.NewFloat(float64(fixed.Unit))).Float64()
	return f
}
