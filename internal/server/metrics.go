package server

import (
	"math/big"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"fundme/internal/fundme"
)

type metricsRegistry struct {
	registry          *prometheus.Registry
	depositsTotal     *prometheus.CounterVec
	withdrawalsTotal  *prometheus.CounterVec
	storageReadsTotal *prometheus.CounterVec
	balanceEth        prometheus.Gauge
	funders           prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	deposits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fundme_deposits_total",
		Help: "Fund requests by outcome",
	}, []string{"status"})

	withdrawals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fundme_withdrawals_total",
		Help: "Withdrawal requests by entry point and outcome",
	}, []string{"method", "status"})

	reads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fundme_storage_reads_total",
		Help: "Ledger state reads performed by completed withdrawals",
	}, []string{"method"})

	balance := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fundme_balance_eth",
		Help: "Balance currently held by the ledger, in ether",
	})

	funders := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fundme_funders",
		Help: "Entries in the funder list",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(deposits, withdrawals, reads, balance, funders)

	return &metricsRegistry{
		registry:          r,
		depositsTotal:     deposits,
		withdrawalsTotal:  withdrawals,
		storageReadsTotal: reads,
		balanceEth:        balance,
		funders:           funders,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incDeposit(status string) {
	m.depositsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incWithdrawal(method, status string) {
	m.withdrawalsTotal.WithLabelValues(method, status).Inc()
}

func (m *metricsRegistry) addStorageReads(method string, n int) {
	m.storageReadsTotal.WithLabelValues(method).Add(float64(n))
}

func (m *metricsRegistry) observeLedger(ledger *fundme.Ledger) {
	m.balanceEth.Set(weiToFloat(ledger.Balance()))
	m.funders.Set(float64(ledger.FunderCount()))
}

func weiToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := decimal.NewFromBigInt(v, -18).Float64()
	return f
}
