package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric exported by the service
const DefaultNamespace = "flashlender"

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// NewRegistry returns a registry carrying the Go runtime and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

type LenderMetrics struct {
	Loans       prometheus.Counter
	Volume      prometheus.Counter
	Fees        prometheus.Counter
	Surplus     prometheus.Counter
	Latency     prometheus.Histogram
	ActiveLoans prometheus.Gauge
	Errors      *prometheus.CounterVec
	Quotes      prometheus.Counter
	CacheHits   prometheus.Counter
}

// NewLenderMetrics builds the lender instruments. A nil registerer leaves
// them unregistered.
func NewLenderMetrics(reg prometheus.Registerer, namespace, lender string) *LenderMetrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"lender": lender}

	return &LenderMetrics{
		Loans: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "loans_total",
			Help:        "Total number of committed flash loans",
			ConstLabels: labels,
		}),
		Volume: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "loan_volume_tokens_total",
			Help:        "Total amount lent, in whole tokens",
			ConstLabels: labels,
		}),
		Fees: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "fees_tokens_total",
			Help:        "Total fees returned to the pool, in whole tokens",
			ConstLabels: labels,
		}),
		Surplus: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "surplus_tokens_total",
			Help:        "Total repayment above amount plus fee, in whole tokens",
			ConstLabels: labels,
		}),
		Latency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "loan_latency_seconds",
			Help:        "Wall time of a flash loan including the borrower callback",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 14),
			ConstLabels: labels,
		}),
		ActiveLoans: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "active_loans",
			Help:        "Number of flash loans currently executing",
			ConstLabels: labels,
		}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "loan_errors_total",
			Help:        "Number of rejected or reverted flash loans by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		Quotes: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "fee_quotes_total",
			Help:        "Number of fee computations requested",
			ConstLabels: labels,
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "fee_cache_hits_total",
			Help:        "Number of fee computations served from the quote cache",
			ConstLabels: labels,
		}),
	}
}

// ReserveFunc reports the current base and yield reserves in whole tokens
type ReserveFunc func() (base, yield float64)

type PoolMetrics struct {
	Trades *prometheus.CounterVec
	Volume *prometheus.CounterVec
}

// NewPoolMetrics builds the pool instruments. Reserve gauges are read from
// reserves at scrape time when it is not nil.
func NewPoolMetrics(reg prometheus.Registerer, namespace, pool string, reserves ReserveFunc) *PoolMetrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"pool": pool}

	if reserves != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_base_reserve_tokens",
			Help:        "Base reserve of the pool in whole tokens",
			ConstLabels: labels,
		}, func() float64 {
			base, _ := reserves()
			return base
		})
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_yield_reserve_tokens",
			Help:        "Yield reserve of the pool in whole tokens",
			ConstLabels: labels,
		}, func() float64 {
			_, yield := reserves()
			return yield
		})
	}

	return &PoolMetrics{
		Trades: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "pool_trades_total",
			Help:        "Number of executed trades by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		Volume: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "pool_volume_tokens_total",
			Help:        "Traded volume by asset side, in whole tokens",
			ConstLabels: labels,
		}, []string{"asset"}),
	}
}
